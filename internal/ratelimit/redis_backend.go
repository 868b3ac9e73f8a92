package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// redisBackend mirrors the pending-auth counter and per-IP failure counts
// into Redis under keys shared by every gateway process that points at the
// same Redis. The Limiter does not read the mirrored counts back, so they
// do not affect its decisions. Every call is best-effort: a Redis error
// here never blocks or fails the caller.
type redisBackend struct {
	client *redis.Client
}

// NewRedisBackend parses redisURL (redis://[:password@]host:port[/db]) and
// verifies connectivity once at startup.
func NewRedisBackend(redisURL string) (DistributedBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ratelimit: redis ping: %w", err)
	}
	return &redisBackend{client: client}, nil
}

func (b *redisBackend) RecordFailure(remoteAddr string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := "termgate:authfail:" + remoteAddr
	count, err := b.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		b.client.Expire(ctx, key, FailureWindow)
	}
	return int(count), nil
}

func (b *redisBackend) IncrPending() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	count, err := b.client.Incr(ctx, "termgate:pendingauth").Result()
	return int(count), err
}

func (b *redisBackend) DecrPending() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return b.client.Decr(ctx, "termgate:pendingauth").Err()
}
