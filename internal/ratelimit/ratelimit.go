// Package ratelimit implements Auth & Rate Limit (component F): the
// pending-auth slot counter, the per-IP auth-failure bucket, and the
// REST read/write rate limiters. An optional Redis-backed mirror copies
// the per-IP failure counts and the pending-auth counter into Redis. The
// mirrored counts are only written, never read back: IPBlocked and
// TryAcquirePendingAuth decide from the in-process view alone, whether or
// not Redis is configured or available.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"termgate/internal/logging"

	"go.uber.org/zap"
)

const (
	// DefaultPendingAuthCap bounds concurrent not-yet-authenticated sockets.
	DefaultPendingAuthCap = 50
	// DefaultFailureCap is the number of auth failures tolerated per IP
	// within FailureWindow before further attempts are blocked.
	DefaultFailureCap = 5
	// FailureWindow is the fixed window the failure cap applies over; it
	// opens at an address's first failure and is not extended by later ones.
	FailureWindow = 60 * time.Second
	// sweepInterval prunes expired per-IP buckets to bound memory.
	sweepInterval = 5 * time.Minute
)

// DistributedBackend is the optional Redis-backed mirror. Implementations
// must be best-effort: a failing call degrades to the in-process view
// rather than blocking the caller.
type DistributedBackend interface {
	RecordFailure(remoteAddr string) (count int, err error)
	IncrPending() (int, error)
	DecrPending() error
}

type ipBucket struct {
	count   int
	resetAt time.Time
}

// Limiter is the Auth & Rate Limit component.
type Limiter struct {
	pendingAuthCap int
	failureCap     int

	mu          sync.Mutex
	pendingAuth int
	failures    map[string]*ipBucket

	readRate  rate.Limit
	writeRate rate.Limit
	readMu    sync.Mutex
	readers   map[string]*rate.Limiter
	writeMu   sync.Mutex
	writers   map[string]*rate.Limiter

	backend DistributedBackend

	stop chan struct{}
}

// Config bundles the caps and per-minute rates loaded from the
// environment (internal/config.Config).
type Config struct {
	PendingAuthCap  int
	FailureCap      int
	ReadRatePerMin  int
	WriteRatePerMin int
	Backend         DistributedBackend
}

// New starts a Limiter and its background sweep goroutine. Stop must be
// called during graceful shutdown to release the goroutine.
func New(cfg Config) *Limiter {
	if cfg.PendingAuthCap <= 0 {
		cfg.PendingAuthCap = DefaultPendingAuthCap
	}
	if cfg.FailureCap <= 0 {
		cfg.FailureCap = DefaultFailureCap
	}
	l := &Limiter{
		pendingAuthCap: cfg.PendingAuthCap,
		failureCap:     cfg.FailureCap,
		failures:       make(map[string]*ipBucket),
		readRate:       perMinute(cfg.ReadRatePerMin),
		writeRate:      perMinute(cfg.WriteRatePerMin),
		readers:        make(map[string]*rate.Limiter),
		writers:        make(map[string]*rate.Limiter),
		backend:        cfg.Backend,
		stop:           make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

func perMinute(n int) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(n) / 60.0)
}

// Stop terminates the sweep goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

// TryAcquirePendingAuth increments the pending-auth counter and reports
// whether the slot was granted. Mirrors into the optional distributed
// backend best-effort.
func (l *Limiter) TryAcquirePendingAuth() bool {
	l.mu.Lock()
	if l.pendingAuth >= l.pendingAuthCap {
		l.mu.Unlock()
		return false
	}
	l.pendingAuth++
	l.mu.Unlock()

	if l.backend != nil {
		if _, err := l.backend.IncrPending(); err != nil {
			logging.L().Debug("ratelimit: distributed pending-auth mirror failed", zap.Error(err))
		}
	}
	return true
}

// ReleasePendingAuth decrements the counter; safe to call once per
// successful TryAcquirePendingAuth, on auth success, auth failure, or
// close-while-pending.
func (l *Limiter) ReleasePendingAuth() {
	l.mu.Lock()
	if l.pendingAuth > 0 {
		l.pendingAuth--
	}
	l.mu.Unlock()

	if l.backend != nil {
		if err := l.backend.DecrPending(); err != nil {
			logging.L().Debug("ratelimit: distributed pending-auth mirror failed", zap.Error(err))
		}
	}
}

// IPBlocked reports whether remoteAddr currently has an open failure
// block from exceeding the failure cap within the window.
func (l *Limiter) IPBlocked(remoteAddr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.failures[remoteAddr]
	if !ok {
		return false
	}
	if time.Now().After(b.resetAt) {
		delete(l.failures, remoteAddr)
		return false
	}
	return b.count >= l.failureCap
}

// RecordAuthFailure increments remoteAddr's failure count, starting a
// fresh window if none is open or the prior one expired.
func (l *Limiter) RecordAuthFailure(remoteAddr string) {
	now := time.Now()
	l.mu.Lock()
	b, ok := l.failures[remoteAddr]
	if !ok || now.After(b.resetAt) {
		b = &ipBucket{resetAt: now.Add(FailureWindow)}
		l.failures[remoteAddr] = b
	}
	b.count++
	l.mu.Unlock()

	if l.backend != nil {
		if _, err := l.backend.RecordFailure(remoteAddr); err != nil {
			logging.L().Debug("ratelimit: distributed failure mirror failed", zap.Error(err))
		}
	}
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) sweep() {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, b := range l.failures {
		if now.After(b.resetAt) {
			delete(l.failures, addr)
		}
	}
}

// AllowRead reports whether a read-path REST request from ip may proceed.
func (l *Limiter) AllowRead(ip string) bool {
	return limiterFor(&l.readMu, l.readers, ip, l.readRate).Allow()
}

// AllowWrite reports whether a write-path REST request from ip may proceed.
func (l *Limiter) AllowWrite(ip string) bool {
	return limiterFor(&l.writeMu, l.writers, ip, l.writeRate).Allow()
}

func limiterFor(mu *sync.Mutex, m map[string]*rate.Limiter, ip string, limit rate.Limit) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()
	lim, ok := m[ip]
	if !ok {
		lim = rate.NewLimiter(limit, burstFor(limit))
		m[ip] = lim
	}
	return lim
}

func burstFor(limit rate.Limit) int {
	if limit == rate.Inf {
		return 1
	}
	b := int(float64(limit) * 10)
	if b < 1 {
		b = 1
	}
	return b
}
