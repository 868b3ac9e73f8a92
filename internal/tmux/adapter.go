// Package tmux implements the Multiplexer Adapter: it shells out to an
// external tmux-compatible binary to create, resize, capture, and tear down
// detached terminal sessions. It never owns a PTY itself — attaching to a
// session's live output is the PTY Channel's job (see internal/ptychan).
package tmux

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"termgate/internal/logging"
)

// ScrollbackLines is the fixed number of lines captured by Capture.
const ScrollbackLines = 1000

// callTimeout bounds every subprocess invocation so a hung multiplexer
// binary can never stall a connection goroutine indefinitely.
const callTimeout = 5 * time.Second

// Adapter is the Multiplexer Adapter (component B).
type Adapter struct {
	bin string
}

// New returns an Adapter that invokes bin (e.g. "tmux", or an absolute
// path) for every operation.
func New(bin string) *Adapter {
	if bin == "" {
		bin = "tmux"
	}
	return &Adapter{bin: bin}
}

// Probe verifies the multiplexer binary is reachable. Called once at
// startup; failure here is fatal per the error-handling design (the
// process must not accept traffic with an unusable multiplexer).
func (a *Adapter) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, a.bin, "-V")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux: probe failed: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Has reports whether a session with the exact name exists. The "=name"
// target form forbids tmux's default prefix matching.
func (a *Adapter) Has(ctx context.Context, name string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, a.bin, "has-session", "-t", exactTarget(name))
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		_ = exitErr
		return false, nil
	}
	return false, fmt.Errorf("tmux: has-session: %w", err)
}

// Create starts a new detached session at the given size and working
// directory, with the status bar and mouse mode disabled.
func (a *Adapter) Create(ctx context.Context, name string, cols, rows int, cwd string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, a.bin,
		"new-session", "-d", "-s", name,
		"-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows),
		"-c", cwd,
		// Coalesced configuration: one multiplexer invocation chains the
		// status-bar and mouse-mode toggles via ";" rather than a second
		// round trip.
		";", "set-option", "-t", exactTarget(name), "status", "off",
		";", "set-option", "-t", exactTarget(name), "mouse", "off",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("tmux: new-session: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}
	logging.L().Debug("tmux session created", zap.String("session", name), zap.Int("cols", cols), zap.Int("rows", rows))
	return nil
}

// Resize changes a session's reported dimensions. Idempotent: resizing to
// the current size is a harmless no-op as far as the caller is concerned.
func (a *Adapter) Resize(ctx context.Context, name string, cols, rows int) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, a.bin, "resize-window", "-t", exactTarget(name),
		"-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("tmux: resize-window: %w", err)
	}
	return nil
}

// Capture returns the last ScrollbackLines lines of the session's scroll
// buffer, with terminal escape sequences preserved.
func (a *Adapter) Capture(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, a.bin, "capture-pane", "-t", exactTarget(name),
		"-p", "-e", "-S", strconv.Itoa(-ScrollbackLines))
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("tmux: capture-pane: %w", err)
	}
	return out, nil
}

// GetCwd returns the absolute path of the session's current working
// directory.
func (a *Adapter) GetCwd(ctx context.Context, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, a.bin, "display-message", "-p", "-t", exactTarget(name), "#{pane_current_path}")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("tmux: display-message: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Kill destroys a session. Idempotent: killing an already-gone session is
// not an error.
func (a *Adapter) Kill(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, a.bin, "kill-session", "-t", exactTarget(name))
	_ = cmd.Run() // absent session exits non-zero; that's the idempotent success case
	return nil
}

// ListAll returns every session name this adapter's binary currently
// manages.
func (a *Adapter) ListAll(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, a.bin, "list-sessions", "-F", "#{session_name}")
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			_ = exitErr
			return nil, nil // no server running yet == no sessions
		}
		return nil, fmt.Errorf("tmux: list-sessions: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	names := make([]string, 0, len(lines))
	for _, l := range lines {
		if l != "" {
			names = append(names, l)
		}
	}
	return names, nil
}

// SessionInfo describes one session in a detailed listing.
type SessionInfo struct {
	Name      string
	CreatedAt time.Time
}

// ListInfo returns every session with its creation time, for the REST
// surface's session listing.
func (a *Adapter) ListInfo(ctx context.Context) ([]SessionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, a.bin, "list-sessions", "-F", "#{session_name}|#{session_created}")
	out, err := cmd.Output()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return nil, nil // no server running yet == no sessions
		}
		return nil, fmt.Errorf("tmux: list-sessions: %w", err)
	}
	var infos []SessionInfo
	for _, l := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if l == "" {
			continue
		}
		name, created, ok := strings.Cut(l, "|")
		if !ok {
			continue
		}
		info := SessionInfo{Name: name}
		if secs, err := strconv.ParseInt(created, 10, 64); err == nil {
			info.CreatedAt = time.Unix(secs, 0)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// exactTarget forbids tmux's prefix-matching target resolution so a
// session name can never accidentally address a different session that
// happens to share a prefix.
func exactTarget(name string) string {
	return "=" + name
}
