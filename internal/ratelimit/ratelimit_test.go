package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter() *Limiter {
	return New(Config{PendingAuthCap: 3, FailureCap: 2})
}

func TestPendingAuthCap(t *testing.T) {
	l := newTestLimiter()
	defer l.Stop()

	assert.True(t, l.TryAcquirePendingAuth())
	assert.True(t, l.TryAcquirePendingAuth())
	assert.True(t, l.TryAcquirePendingAuth())
	assert.False(t, l.TryAcquirePendingAuth(), "fourth acquire must be rejected at cap 3")

	l.ReleasePendingAuth()
	assert.True(t, l.TryAcquirePendingAuth(), "release must free a slot")
}

func TestIPFailureBucketBlocksAfterCap(t *testing.T) {
	l := newTestLimiter()
	defer l.Stop()

	assert.False(t, l.IPBlocked("1.2.3.4"))
	l.RecordAuthFailure("1.2.3.4")
	assert.False(t, l.IPBlocked("1.2.3.4"))
	l.RecordAuthFailure("1.2.3.4")
	assert.True(t, l.IPBlocked("1.2.3.4"), "second failure hits the cap of 2")

	assert.False(t, l.IPBlocked("5.6.7.8"), "buckets are per address")
}

func TestIPFailureBucketExpires(t *testing.T) {
	l := newTestLimiter()
	defer l.Stop()

	l.mu.Lock()
	l.failures["1.2.3.4"] = &ipBucket{count: 5, resetAt: time.Now().Add(-time.Second)}
	l.mu.Unlock()

	assert.False(t, l.IPBlocked("1.2.3.4"), "an expired window must not block")
}

func TestAllowReadWriteSeparateBuckets(t *testing.T) {
	l := New(Config{ReadRatePerMin: 60, WriteRatePerMin: 1})
	defer l.Stop()

	require.True(t, l.AllowRead("9.9.9.9"))
	require.True(t, l.AllowWrite("9.9.9.9"))
	assert.False(t, l.AllowWrite("9.9.9.9"), "burst of a 1/min limiter is exhausted by the second call")
}

func TestConcurrentPendingAuth(t *testing.T) {
	l := New(Config{PendingAuthCap: 1000})
	defer l.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquirePendingAuth() {
				l.ReleasePendingAuth()
			}
		}()
	}
	wg.Wait()
}
