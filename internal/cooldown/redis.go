package cooldown

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of go-redis used by RedisGate.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisGate keeps one key per owner, <prefix>:alert:<owner>, that expires
// after the window, so the cooldown holds across processes.
type RedisGate struct {
	client RedisClient
	prefix string
	window time.Duration
}

// NewRedisGate returns a Redis-backed Gate. A non-positive window admits everything.
func NewRedisGate(client RedisClient, prefix string, window time.Duration) *RedisGate {
	return &RedisGate{client: client, prefix: prefix, window: window}
}

// Key returns the Redis key holding owner's cooldown.
func (g *RedisGate) Key(owner int64) string {
	return g.prefix + ":alert:" + strconv.FormatInt(owner, 10)
}

// Reserve sets the owner's key when absent; otherwise it reports the key's remaining TTL.
func (g *RedisGate) Reserve(ctx context.Context, owner int64) (bool, time.Duration, error) {
	if g.window <= 0 {
		return true, 0, nil
	}
	key := g.Key(owner)
	ok, err := g.client.SetNX(ctx, key, time.Now().Unix(), g.window).Result()
	if err != nil {
		return false, 0, fmt.Errorf("reserve cooldown: %w", err)
	}
	if ok {
		return true, 0, nil
	}

	wait, err := g.client.PTTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("read cooldown ttl: %w", err)
	}
	if wait <= 0 {
		wait = g.window
	}
	return false, wait, nil
}

// Release deletes the owner's key.
func (g *RedisGate) Release(ctx context.Context, owner int64) error {
	if g.window <= 0 {
		return nil
	}
	if err := g.client.Del(ctx, g.Key(owner)).Err(); err != nil {
		return fmt.Errorf("release cooldown: %w", err)
	}
	return nil
}

var _ Gate = (*RedisGate)(nil)
