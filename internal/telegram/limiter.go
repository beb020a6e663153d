package telegram

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

const minRetry = 50 * time.Millisecond

// rateAllower is the part of redis_rate.Limiter that Wait needs.
type rateAllower interface {
	Allow(ctx context.Context, key string, limit redis_rate.Limit) (*redis_rate.Result, error)
}

// RedisLimiter shares one per-second budget across every process using the same key.
type RedisLimiter struct {
	limiter rateAllower
	key     string
	limit   redis_rate.Limit
}

// NewRedisLimiter allows perSecond calls per second under key.
func NewRedisLimiter(rdb *redis.Client, key string, perSecond int) *RedisLimiter {
	return &RedisLimiter{
		limiter: redis_rate.NewLimiter(rdb),
		key:     key,
		limit:   redis_rate.PerSecond(perSecond),
	}
}

// Wait polls the limiter until a slot is granted or ctx ends.
func (l *RedisLimiter) Wait(ctx context.Context) error {
	for {
		res, err := l.limiter.Allow(ctx, l.key, l.limit)
		if err != nil {
			return fmt.Errorf("rate limit check failed: %w", err)
		}
		if res.Allowed > 0 {
			return nil
		}

		retry := res.RetryAfter
		if retry <= 0 {
			retry = minRetry
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

var _ Limiter = (*RedisLimiter)(nil)
