package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"p2p-rate-watch/internal/aggregator"
	"p2p-rate-watch/internal/market"
	"p2p-rate-watch/internal/metrics"
	"p2p-rate-watch/internal/scheduler"
	"p2p-rate-watch/internal/storage"
)

// Aggregator produces a fresh snapshot from the sources.
type Aggregator interface {
	Aggregate(ctx context.Context, previous market.Snapshot) (market.Snapshot, error)
}

// AlertEvaluator fires alerts against a new price.
type AlertEvaluator interface {
	Evaluate(ctx context.Context, price decimal.Decimal, label string) (int, error)
}

// SnapshotMirror copies snapshots to an external cache.
type SnapshotMirror interface {
	Publish(ctx context.Context, snap market.Snapshot) error
}

// Deps groups the collaborators of the polling service. Only Scheduler,
// Aggregator, Store and History are required.
type Deps struct {
	Scheduler  *scheduler.Scheduler
	Aggregator Aggregator
	Store      *market.Store
	History    *market.History
	State      storage.StateStore
	Stats      storage.StatsStore
	Alerts     AlertEvaluator
	Mirror     SnapshotMirror
	Metrics    *metrics.Metrics
	Location   *time.Location
}

// Service orchestrates polling, publication, persistence and alerting.
type Service struct {
	deps   Deps
	loc    *time.Location
	logger zerolog.Logger
}

// New constructs the polling service.
func New(deps Deps, logger zerolog.Logger) *Service {
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		deps:   deps,
		loc:    loc,
		logger: logger.With().Str("component", "service").Logger(),
	}
}

// Run restores the last checkpoint and then begins the polling loop.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if err := s.Restore(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("state restore failed; starting empty")
	}
	return s.deps.Scheduler.Run(ctx, s.ProcessCycle)
}

// Restore loads the persisted snapshot and history into memory.
func (s *Service) Restore(ctx context.Context) error {
	if s.deps.State == nil {
		return nil
	}
	state, err := s.deps.State.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if state == nil {
		s.logger.Info().Msg("no persisted state found")
		return nil
	}
	if !state.Snapshot.IsEmpty() {
		s.deps.Store.Publish(state.Snapshot)
	}
	s.deps.History.Restore(state.History)
	s.logger.Info().
		Time("snapshot_ts", state.Snapshot.Timestamp).
		Int("history_points", len(state.History)).
		Msg("state restored")
	return nil
}

// ProcessCycle 执行单个轮询周期。全部来源失败时保留上一个快照。
func (s *Service) ProcessCycle(ctx context.Context, started time.Time) error {
	logger := s.logger.With().Str("cycle_id", uuid.NewString()).Logger()

	previous := s.deps.Store.Current()
	snap, err := s.deps.Aggregator.Aggregate(ctx, previous)
	if err != nil {
		if errors.Is(err, aggregator.ErrNoQuotes) {
			s.deps.Metrics.ObserveCycle("degraded", started)
			logger.Warn().Time("retained_ts", previous.Timestamp).Msg("all sources failed; keeping previous snapshot")
			return nil
		}
		s.deps.Metrics.ObserveCycle("error", started)
		return fmt.Errorf("aggregate: %w", err)
	}

	s.deps.Store.Publish(snap)
	s.deps.History.Append(snap.Price)
	s.deps.Metrics.SetPrice(snap.Price.InexactFloat64())

	event := logger.Info().
		Str("price", snap.Price.StringFixed(2)).
		Int("available", snap.Available()).
		Bool("reference_usd", snap.Reference.USD.Valid)
	if change, ok := s.deps.History.Change(); ok {
		event = event.Str("change_pct", change.StringFixed(2))
	}
	event.Msg("snapshot published")

	if s.deps.Stats != nil {
		day := snap.Timestamp.In(s.loc)
		if err := s.deps.Stats.AccumulateDailyStat(ctx, day, snap.Price, snap.Reference.USD); err != nil {
			logger.Error().Err(err).Msg("failed to accumulate daily stat")
		}
	}

	if s.deps.Alerts != nil {
		if _, err := s.deps.Alerts.Evaluate(ctx, snap.Price, snap.UpdatedLabel); err != nil {
			logger.Error().Err(err).Msg("failed to evaluate alerts")
		}
	}

	if s.deps.State != nil {
		state := storage.PersistedState{Snapshot: snap, History: s.deps.History.Values()}
		if err := s.deps.State.SaveState(ctx, state); err != nil {
			logger.Error().Err(err).Msg("failed to checkpoint state")
		}
	}

	if s.deps.Mirror != nil {
		if err := s.deps.Mirror.Publish(ctx, snap); err != nil {
			logger.Warn().Err(err).Msg("failed to mirror snapshot")
		}
	}

	s.deps.Metrics.ObserveCycle("ok", started)
	return nil
}
