package telegram

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis_rate/v10"
)

// scriptedAllower replays results in order and repeats the last one.
type scriptedAllower struct {
	results []*redis_rate.Result
	err     error
	calls   int
	keys    []string
}

func (s *scriptedAllower) Allow(_ context.Context, key string, _ redis_rate.Limit) (*redis_rate.Result, error) {
	s.keys = append(s.keys, key)
	if s.err != nil {
		return nil, s.err
	}
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	return s.results[i], nil
}

func TestRedisLimiterRetriesUntilAllowed(t *testing.T) {
	allower := &scriptedAllower{results: []*redis_rate.Result{
		{Allowed: 0, RetryAfter: 5 * time.Millisecond},
		{Allowed: 0, RetryAfter: 0},
		{Allowed: 1},
	}}
	l := &RedisLimiter{limiter: allower, key: "rw:telegram", limit: redis_rate.PerSecond(30)}

	started := time.Now()
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("最终应获得发送许可: %v", err)
	}
	if allower.calls != 3 {
		t.Fatalf("应查询 3 次, 实际 %d", allower.calls)
	}
	// second denial carries no RetryAfter, so the fallback delay applies
	if elapsed := time.Since(started); elapsed < minRetry {
		t.Fatalf("RetryAfter 为 0 时应至少等待 %s, 实际 %s", minRetry, elapsed)
	}
	if allower.keys[0] != "rw:telegram" {
		t.Fatalf("key 不正确: %v", allower.keys)
	}
}

func TestRedisLimiterReturnsBackendError(t *testing.T) {
	l := &RedisLimiter{limiter: &scriptedAllower{err: errors.New("connection refused")}, limit: redis_rate.PerSecond(1)}
	if err := l.Wait(context.Background()); err == nil {
		t.Fatal("Redis 错误应返回")
	}
}

func TestRedisLimiterStopsOnContext(t *testing.T) {
	allower := &scriptedAllower{results: []*redis_rate.Result{{Allowed: 0, RetryAfter: time.Hour}}}
	l := &RedisLimiter{limiter: allower, limit: redis_rate.PerSecond(1)}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("上下文超时应中止等待, 实际 %v", err)
	}
}
