// Package ptychan implements the PTY Channel: attaching a pseudo-terminal
// to an already-running multiplexer session and exposing it as a pair of
// channels with cooperative pause/resume flow control.
package ptychan

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"termgate/internal/logging"
)

// State is the PTY Channel's lifecycle state.
type State int32

const (
	StateAttaching State = iota
	StateAttached
	StatePaused
	StateExited
)

// readChunkSize is the buffer size for each PTY read.
const readChunkSize = 4096

// ExitInfo describes how the attach subprocess terminated.
type ExitInfo struct {
	Code   int
	Signal string
}

// Channel is a live PTY Channel (component C). Output and Exit are meant
// to be consumed by exactly one goroutine (the owning connection's pump).
type Channel struct {
	name string

	cmd  *exec.Cmd
	ptmx *os.File

	output chan []byte
	exit   chan ExitInfo
	done   chan struct{}

	state atomic.Int32

	pauseMu   sync.Mutex
	pauseCond *sync.Cond
	paused    bool

	closeOnce sync.Once
}

// Attach starts "<bin> attach-session -t =name" inside a new PTY sized
// cols x rows. The returned Channel never touches the multiplexer's
// session state directly; it only owns the attach subprocess's PTY.
func Attach(bin, name string, cols, rows int) (*Channel, error) {
	cmd := exec.Command(bin, "attach-session", "-t", "="+name)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("ptychan: attach: %w", err)
	}

	ch := &Channel{
		name:   name,
		cmd:    cmd,
		ptmx:   ptmx,
		output: make(chan []byte, 64),
		exit:   make(chan ExitInfo, 1),
		done:   make(chan struct{}),
	}
	ch.pauseCond = sync.NewCond(&ch.pauseMu)
	ch.state.Store(int32(StateAttached))

	logging.L().Debug("ptychan: attached", zap.String("session", name), zap.Int("cols", cols), zap.Int("rows", rows))

	go ch.readLoop()
	go ch.waitLoop()

	return ch, nil
}

// Output is the channel of raw PTY output chunks.
func (c *Channel) Output() <-chan []byte {
	return c.output
}

// Exit fires exactly once with the subprocess's exit status.
func (c *Channel) Exit() <-chan ExitInfo {
	return c.exit
}

// Write delivers user input to the attached session.
func (c *Channel) Write(p []byte) (int, error) {
	if State(c.state.Load()) == StateExited {
		return 0, fmt.Errorf("ptychan: write on exited channel")
	}
	return c.ptmx.Write(p)
}

// Resize changes the reported terminal size.
func (c *Channel) Resize(cols, rows int) error {
	if State(c.state.Load()) == StateExited {
		return fmt.Errorf("ptychan: resize on exited channel")
	}
	return pty.Setsize(c.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Pause stops delivery on Output until Resume is called. The PTY keeps
// being read off the wire by the OS's own buffering; the read goroutine
// here simply blocks before sending so nothing is dropped.
func (c *Channel) Pause() {
	c.pauseMu.Lock()
	c.paused = true
	c.state.CompareAndSwap(int32(StateAttached), int32(StatePaused))
	c.pauseMu.Unlock()
}

// Resume reverses Pause.
func (c *Channel) Resume() {
	c.pauseMu.Lock()
	c.paused = false
	c.state.CompareAndSwap(int32(StatePaused), int32(StateAttached))
	c.pauseMu.Unlock()
	c.pauseCond.Broadcast()
}

// Kill forces the channel to State Exited and tears down the attach
// subprocess. It does not touch the underlying multiplexer session.
func (c *Channel) Kill() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateExited))
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		_ = c.ptmx.Close()
		c.pauseMu.Lock()
		c.paused = false
		c.pauseMu.Unlock()
		c.pauseCond.Broadcast()
		close(c.done)
	})
}

func (c *Channel) readLoop() {
	buf := make([]byte, readChunkSize)
	for {
		n, err := c.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.waitWhilePaused()
			if State(c.state.Load()) == StateExited {
				return
			}
			select {
			case c.output <- chunk:
			case <-c.exitSignal():
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Channel) exitSignal() <-chan struct{} {
	return c.done
}

func (c *Channel) waitWhilePaused() {
	c.pauseMu.Lock()
	for c.paused {
		c.pauseCond.Wait()
	}
	c.pauseMu.Unlock()
}

func (c *Channel) waitLoop() {
	err := c.cmd.Wait()
	info := ExitInfo{}
	if exitErr, ok := err.(*exec.ExitError); ok {
		info.Code = exitErr.ExitCode()
	}
	c.state.Store(int32(StateExited))
	select {
	case c.exit <- info:
	default:
	}
}
