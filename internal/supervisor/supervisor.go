// Package supervisor implements the Lifecycle Supervisor: the keepalive
// sweep, the stale-session reaper, and the graceful shutdown sequence.
package supervisor

import (
	"context"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"termgate/internal/identity"
	"termgate/internal/logging"
	"termgate/internal/metrics"
	"termgate/internal/registry"
)

const (
	// DefaultKeepaliveInterval is how often the keepalive sweep runs.
	DefaultKeepaliveInterval = 20 * time.Second
	// DefaultReapInterval is how often the stale-session reaper runs.
	DefaultReapInterval = time.Hour
	// shutdownWatchdog forces exit if the graceful sequence hangs.
	shutdownWatchdog = 5 * time.Second
)

// Mux is the slice of the Multiplexer Adapter the reaper needs.
type Mux interface {
	ListAll(ctx context.Context) ([]string, error)
	Kill(ctx context.Context, name string) error
}

// Keepaliver is implemented by the Connection Gateway.
type Keepaliver interface {
	SweepKeepalive()
}

// Supervisor runs the periodic maintenance loops.
type Supervisor struct {
	mux Mux
	reg *registry.Registry
	ka  Keepaliver

	sessionTTL        time.Duration
	keepaliveInterval time.Duration
	reapInterval      time.Duration

	// firstSeen baselines sessions that predate this process (no unbind
	// time on record), so a restart doesn't immediately reap everything.
	mu        sync.Mutex
	firstSeen map[string]time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New returns a Supervisor with the default intervals.
func New(mux Mux, reg *registry.Registry, ka Keepaliver, sessionTTL time.Duration) *Supervisor {
	return &Supervisor{
		mux:               mux,
		reg:               reg,
		ka:                ka,
		sessionTTL:        sessionTTL,
		keepaliveInterval: DefaultKeepaliveInterval,
		reapInterval:      DefaultReapInterval,
		firstSeen:         make(map[string]time.Time),
		stop:              make(chan struct{}),
	}
}

// Start launches the keepalive and reaper goroutines.
func (s *Supervisor) Start() {
	go s.keepaliveLoop()
	go s.reapLoop()
}

// Stop terminates both loops.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Supervisor) keepaliveLoop() {
	ticker := time.NewTicker(s.keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.ka.SweepKeepalive()
		case <-s.stop:
			return
		}
	}
}

func (s *Supervisor) reapLoop() {
	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.ReapStale(context.Background())
		case <-s.stop:
			return
		}
	}
}

// ReapStale kills gateway-managed multiplexer sessions that have had no
// bound connection for longer than the TTL. Sessions belonging to other
// tools in the same multiplexer server are never touched.
func (s *Supervisor) ReapStale(ctx context.Context) {
	names, err := s.mux.ListAll(ctx)
	if err != nil {
		logging.L().Warn("reaper: list sessions failed", zap.Error(err))
		return
	}

	active := make(map[string]bool)
	for _, name := range s.reg.ActiveNames() {
		active[name] = true
	}

	now := time.Now()
	for _, name := range names {
		if active[name] || !identity.IsManagedName(name) {
			continue
		}
		baseline := s.reg.LastUnboundAt(name)
		if baseline.IsZero() {
			baseline = s.noteFirstSeen(name, now)
		}
		if now.Sub(baseline) < s.sessionTTL {
			continue
		}
		if err := s.mux.Kill(ctx, name); err != nil {
			logging.L().Warn("reaper: kill failed", zap.String("session", name), zap.Error(err))
			continue
		}
		s.forget(name)
		metrics.Get().SessionsReapedTotal.Inc()
		logging.L().Info("reaper: killed stale session",
			zap.String("session", name), zap.Duration("idle", now.Sub(baseline)))
	}
}

func (s *Supervisor) noteFirstSeen(name string, now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.firstSeen[name]; ok {
		return t
	}
	s.firstSeen[name] = now
	return now
}

func (s *Supervisor) forget(name string) {
	s.mu.Lock()
	delete(s.firstSeen, name)
	s.mu.Unlock()
}

// GatewayShutdowner is implemented by the Connection Gateway.
type GatewayShutdowner interface {
	Shutdown()
}

// GracefulShutdown runs the full termination sequence: stop accepting,
// close every socket with a going-away frame, drain, stop the HTTP
// listeners, close the store. A watchdog forces exit if any step hangs.
func GracefulShutdown(gw GatewayShutdowner, servers []*http.Server, store io.Closer) {
	watchdog := time.AfterFunc(shutdownWatchdog, func() {
		logging.L().Error("graceful shutdown hung, forcing exit")
		logging.Sync()
		os.Exit(1)
	})
	defer watchdog.Stop()

	gw.Shutdown()

	for _, srv := range servers {
		if srv == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(ctx)
		cancel()
	}

	if store != nil {
		if err := store.Close(); err != nil {
			logging.L().Warn("store close failed", zap.Error(err))
		}
	}
	logging.L().Info("shutdown complete")
}
