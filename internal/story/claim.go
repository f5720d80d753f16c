package story

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Claim is a per-room generation lock held in Redis, so concurrent action
// triggers across server instances cannot start two generations for the
// same room. The TTL bounds how long a crashed holder can wedge a room.
type Claim struct {
	client    RedisClient
	keyPrefix string
	ttl       time.Duration
}

// RedisClient is the subset of redis commands the claim issues,
// satisfied by *redis.Client.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

var _ RedisClient = (*redis.Client)(nil)

func NewClaim(client RedisClient, keyPrefix string, ttl time.Duration) *Claim {
	return &Claim{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

func (c *Claim) key(roomId int) string {
	return fmt.Sprintf("%s%d", c.keyPrefix, roomId)
}

// TryAcquire atomically claims the room. Returns false if another
// generation is already in flight.
func (c *Claim) TryAcquire(ctx context.Context, roomId int) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.key(roomId), 1, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("story claim setnx: %w", err)
	}
	return ok, nil
}

func (c *Claim) Release(ctx context.Context, roomId int) error {
	return c.client.Del(ctx, c.key(roomId)).Err()
}
