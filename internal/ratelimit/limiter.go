// Package ratelimit gates chat sends with a per-user cooldown backed by a
// shared Redis instance, so the limit holds across server instances.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of redis commands the limiter issues,
// satisfied by *redis.Client.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

var _ RedisClient = (*redis.Client)(nil)

type Limiter struct {
	client    RedisClient
	keyPrefix string
	cooldown  time.Duration
}

func NewLimiter(client RedisClient, keyPrefix string, cooldown time.Duration) *Limiter {
	return &Limiter{
		client:    client,
		keyPrefix: keyPrefix,
		cooldown:  cooldown,
	}
}

func (l *Limiter) key(userId int) string {
	return fmt.Sprintf("%s%d", l.keyPrefix, userId)
}

// Allow reports whether the user may send now. SET NX makes the check and
// the claim a single atomic write; when denied, retryAfter carries the
// remaining cooldown.
func (l *Limiter) Allow(ctx context.Context, userId int) (bool, time.Duration, error) {
	key := l.key(userId)

	ok, err := l.client.SetNX(ctx, key, 1, l.cooldown).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit setnx: %w", err)
	}
	if ok {
		return true, 0, nil
	}

	remaining, err := l.client.PTTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit pttl: %w", err)
	}
	if remaining < 0 {
		// The key expired between SETNX and PTTL; the next send will pass.
		remaining = 0
	}

	return false, remaining, nil
}

// Reset clears the user's cooldown.
func (l *Limiter) Reset(ctx context.Context, userId int) error {
	return l.client.Del(ctx, l.key(userId)).Err()
}
