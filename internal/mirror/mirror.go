// Package mirror copies every published snapshot into Redis so that other
// processes (the bot front-end, dashboards) can read it without a database.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"p2p-rate-watch/internal/config"
	"p2p-rate-watch/internal/market"
)

// Client is the subset of *redis.Client the mirror needs.
type Client interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Mirror writes snapshots under <prefix>:snapshot and announces them on <prefix>:updates.
type Mirror struct {
	client Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// New builds a mirror over an existing client.
func New(client Client, prefix string, ttl time.Duration, logger zerolog.Logger) *Mirror {
	if prefix == "" {
		prefix = "ratewatcher"
	}
	return &Mirror{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With().Str("component", "mirror").Logger(),
	}
}

// NewClient 创建 Redis 客户端并测试连接。
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// SnapshotKey is where the latest snapshot is stored.
func (m *Mirror) SnapshotKey() string {
	return m.prefix + ":snapshot"
}

// Channel is where update notifications are published.
func (m *Mirror) Channel() string {
	return m.prefix + ":updates"
}

// Publish stores snap and notifies subscribers.
func (m *Mirror) Publish(ctx context.Context, snap market.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := m.client.Set(ctx, m.SnapshotKey(), payload, m.ttl).Err(); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	if err := m.client.Publish(ctx, m.Channel(), payload).Err(); err != nil {
		return fmt.Errorf("announce snapshot: %w", err)
	}
	m.logger.Debug().Str("key", m.SnapshotKey()).Msg("snapshot mirrored")
	return nil
}

// Latest reads the mirrored snapshot, returning the empty sentinel when absent.
func (m *Mirror) Latest(ctx context.Context) (market.Snapshot, error) {
	raw, err := m.client.Get(ctx, m.SnapshotKey()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return market.Snapshot{}, nil
		}
		return market.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snap market.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return market.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
