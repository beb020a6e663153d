package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"p2p-rate-watch/internal/cooldown"
	"p2p-rate-watch/internal/metrics"
	"p2p-rate-watch/internal/storage"
)

var (
	// ErrLimitReached means the owner already holds the maximum number of alerts.
	ErrLimitReached = errors.New("alert limit reached")
	// ErrCooldown means the owner created an alert too recently.
	ErrCooldown = errors.New("alert creation cooling down")
	// ErrInvalidAlert rejects a non-positive target or unknown condition.
	ErrInvalidAlert = errors.New("invalid alert")
)

// Options tune alert creation. When Cooldown is nil an in-process gate is
// built from CreateCooldown.
type Options struct {
	MaxPerOwner    int
	CreateCooldown time.Duration
	Cooldown       cooldown.Gate
}

// Engine creates alerts and fires them against new prices.
type Engine struct {
	store    storage.AlertStore
	notifier Notifier
	cooldown cooldown.Gate
	metrics  *metrics.Metrics
	limit    int
	logger   zerolog.Logger
}

// NewEngine wires an alert engine. With a nil notifier Evaluate leaves every
// alert in place, since nobody could be told it fired.
func NewEngine(opts Options, store storage.AlertStore, notifier Notifier, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	limit := opts.MaxPerOwner
	if limit <= 0 {
		limit = 3
	}
	gate := opts.Cooldown
	if gate == nil {
		gate = cooldown.New(opts.CreateCooldown)
	}
	return &Engine{
		store:    store,
		notifier: notifier,
		cooldown: gate,
		metrics:  m,
		limit:    limit,
		logger:   logger.With().Str("component", "alert_engine").Logger(),
	}
}

// Create registers an alert for owner. ErrLimitReached and ErrCooldown are
// returned as-is so callers can tell them apart from storage failures.
func (e *Engine) Create(ctx context.Context, owner int64, target decimal.Decimal, cond storage.Condition) (storage.Alert, error) {
	if !target.IsPositive() || !cond.Valid() {
		return storage.Alert{}, ErrInvalidAlert
	}

	count, err := e.store.CountActiveAlerts(ctx, owner)
	if err != nil {
		return storage.Alert{}, fmt.Errorf("count alerts: %w", err)
	}
	if count >= e.limit {
		return storage.Alert{}, ErrLimitReached
	}

	reserved, wait, err := e.cooldown.Reserve(ctx, owner)
	switch {
	case err != nil:
		// the cooldown store is optional; creation goes ahead without it
		e.logger.Warn().Err(err).Int64("owner_id", owner).Msg("cooldown check failed")
	case !reserved:
		e.logger.Debug().Int64("owner_id", owner).Dur("wait", wait).Msg("alert creation throttled")
		return storage.Alert{}, ErrCooldown
	}

	alert, err := e.store.InsertAlert(ctx, owner, target, cond, e.limit)
	if err != nil {
		if reserved {
			if relErr := e.cooldown.Release(ctx, owner); relErr != nil {
				e.logger.Warn().Err(relErr).Int64("owner_id", owner).Msg("failed to release cooldown")
			}
		}
		if errors.Is(err, storage.ErrAlertLimitReached) {
			return storage.Alert{}, ErrLimitReached
		}
		return storage.Alert{}, fmt.Errorf("insert alert: %w", err)
	}

	e.logger.Info().Int64("alert_id", alert.ID).
		Int64("owner_id", owner).
		Str("target", target.String()).
		Str("condition", string(cond)).
		Msg("alert created")
	return alert, nil
}

// List returns the owner's outstanding alerts.
func (e *Engine) List(ctx context.Context, owner int64) ([]storage.Alert, error) {
	return e.store.ListAlerts(ctx, owner)
}

// Evaluate removes every alert satisfied by price and notifies each owner.
// Removal happens before delivery, so an alert fires at most once.
func (e *Engine) Evaluate(ctx context.Context, price decimal.Decimal, label string) (int, error) {
	if !price.IsPositive() {
		return 0, nil
	}
	if e.notifier == nil {
		e.logger.Debug().Str("price", price.String()).Msg("no notifier configured; alerts kept")
		return 0, nil
	}

	fired, err := e.store.DeleteTriggeredAlerts(ctx, price)
	if err != nil {
		return 0, fmt.Errorf("select triggered alerts: %w", err)
	}

	for _, alert := range fired {
		failed := false
		note := Notification{Alert: alert, Price: price, Label: label}
		if err := e.notifier.Notify(ctx, note); err != nil {
			failed = true
			e.logger.Error().Err(err).Int64("alert_id", alert.ID).Int64("owner_id", alert.OwnerID).Msg("failed to deliver alert")
		}
		e.metrics.AlertFired(failed)
	}

	if len(fired) > 0 {
		e.logger.Info().Int("fired", len(fired)).Str("price", price.String()).Msg("alerts fired")
	}
	return len(fired), nil
}
