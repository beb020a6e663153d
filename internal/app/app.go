package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"p2p-rate-watch/internal/aggregator"
	"p2p-rate-watch/internal/alerting"
	"p2p-rate-watch/internal/broadcast"
	"p2p-rate-watch/internal/config"
	"p2p-rate-watch/internal/cooldown"
	"p2p-rate-watch/internal/fetcher"
	"p2p-rate-watch/internal/market"
	"p2p-rate-watch/internal/metrics"
	"p2p-rate-watch/internal/mirror"
	"p2p-rate-watch/internal/scheduler"
	"p2p-rate-watch/internal/service"
	"p2p-rate-watch/internal/storage"
	"p2p-rate-watch/internal/telegram"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) location() *time.Location {
	loc, err := a.Config.Location()
	if err != nil {
		return time.UTC
	}
	return loc
}

func (a *App) newAggregator(m *metrics.Metrics) *aggregator.Aggregator {
	cfg := a.Config.Aggregator
	quotes := fetcher.NewP2P(fetcher.P2POptions{
		BaseURL:       cfg.BaseURL,
		Asset:         cfg.Asset,
		Fiat:          cfg.Fiat,
		Rows:          cfg.Rows,
		BestOf:        cfg.BestOf,
		PublisherType: cfg.PublisherType,
		Timeout:       cfg.RequestTimeout,
		UserAgent:     cfg.UserAgent,
	}, a.Logger)

	var reference fetcher.ReferenceFetcher
	if a.Config.Reference.Enabled {
		reference = fetcher.NewReference(fetcher.ReferenceOptions{
			URL:        a.Config.Reference.URL,
			DollarID:   a.Config.Reference.DollarID,
			EuroID:     a.Config.Reference.EuroID,
			Timeout:    a.Config.Reference.Timeout,
			SkipVerify: a.Config.Reference.SkipVerify,
		}, a.Logger)
	}

	return aggregator.New(aggregator.Options{
		Venues:         cfg.Venues,
		NotionalUnits:  decimal.NewFromFloat(cfg.NotionalUnits),
		FallbackPrice:  decimal.NewFromFloat(cfg.FallbackPrice),
		RequestTimeout: cfg.RequestTimeout,
		Location:       a.location(),
	}, quotes, reference, m, a.Logger)
}

func (a *App) newSender(rdb *redis.Client) telegram.Sender {
	cfg := a.Config.Telegram
	if cfg.BotToken == "" {
		return nil
	}
	var limiter telegram.Limiter
	if rdb != nil && cfg.GlobalRate > 0 {
		limiter = telegram.NewRedisLimiter(rdb, a.Config.Redis.KeyPrefix+":telegram", cfg.GlobalRate)
	}
	return telegram.NewClient(telegram.Options{
		BotToken: cfg.BotToken,
		BaseURL:  cfg.APIBase,
		Timeout:  cfg.SendTimeout,
		Limiter:  limiter,
	}, a.Logger)
}

// alertCooldown shares the creation cooldown through Redis so it holds across
// CLI invocations. Without Redis the engine falls back to an in-process tracker.
func (a *App) alertCooldown(rdb *redis.Client) cooldown.Gate {
	if rdb == nil || a.Config.Alerts.CreateCooldown <= 0 {
		return nil
	}
	return cooldown.NewRedisGate(rdb, a.Config.Redis.KeyPrefix, a.Config.Alerts.CreateCooldown)
}

func (a *App) newEngine(store storage.AlertStore, sender telegram.Sender, gate cooldown.Gate, m *metrics.Metrics) *alerting.Engine {
	var notifier alerting.Notifier
	if sender != nil {
		notifier = alerting.NewTelegramNotifier(sender, a.Logger)
	}
	return alerting.NewEngine(alerting.Options{
		MaxPerOwner:    a.Config.Alerts.MaxPerOwner,
		CreateCooldown: a.Config.Alerts.CreateCooldown,
		Cooldown:       gate,
	}, store, notifier, m, a.Logger)
}

func (a *App) newDispatcher(store storage.JobStore, sender telegram.Sender, m *metrics.Metrics) *broadcast.Dispatcher {
	cfg := a.Config.Broadcast
	return broadcast.New(broadcast.Options{
		BatchSize:       cfg.BatchSize,
		BatchCooldown:   cfg.BatchCooldown,
		PollInterval:    cfg.PollInterval,
		ErrorBackoff:    cfg.ErrorBackoff,
		Lease:           cfg.Lease,
		RefreshKeywords: cfg.RefreshKeywords,
		OperatorChatID:  a.Config.Telegram.OperatorChatID,
	}, store, sender, m, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// requireStore opens the database or fails when it is not configured.
func (a *App) requireStore(ctx context.Context, action string) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, fmt.Errorf("database not configured; cannot %s", action)
	}
	return store, closeStore, nil
}

func (a *App) openRedis(ctx context.Context) (*redis.Client, error) {
	if a.Config.Redis.Addr == "" {
		return nil, nil
	}
	return mirror.NewClient(ctx, a.Config.Redis)
}

// serveMetrics runs the metrics listener; its failure never stops the watcher.
func (a *App) serveMetrics(ctx context.Context, addr string) {
	if err := metrics.Serve(ctx, addr, a.Logger); err != nil {
		a.Logger.Error().Err(err).Str("addr", addr).Msg("metrics listener failed")
	}
}

// Run executes the polling service and the broadcast dispatcher until a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence, alerts and broadcasts disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	rdb, err := a.openRedis(ctx)
	if err != nil {
		// the mirror and the shared limiter are optional
		a.Logger.Warn().Err(err).Msg("redis unavailable; mirror and shared rate limit disabled")
		rdb = nil
	}
	if rdb != nil {
		defer rdb.Close()
	}

	m, err := metrics.New(nil)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	sender := a.newSender(rdb)
	if sender == nil {
		a.Logger.Warn().Msg("telegram.bot_token not configured; notifications disabled")
	}

	deps := service.Deps{
		Scheduler: scheduler.New(scheduler.Options{
			Interval:     a.Config.Scheduler.Interval,
			StartupDelay: a.Config.Scheduler.StartupDelay,
		}, a.Logger),
		Aggregator: a.newAggregator(m),
		Store:      market.NewStore(),
		History:    market.NewHistory(a.Config.Scheduler.HistorySize),
		Metrics:    m,
		Location:   a.location(),
	}
	if store != nil {
		deps.State = store
		deps.Stats = store
	}
	switch {
	case store != nil && sender != nil:
		deps.Alerts = a.newEngine(store, sender, a.alertCooldown(rdb), m)
	case store != nil:
		a.Logger.Warn().Msg("alerts stay queued until telegram.bot_token is configured")
	}
	if rdb != nil {
		deps.Mirror = mirror.New(rdb, a.Config.Redis.KeyPrefix, a.Config.Redis.TTL, a.Logger)
	}
	svc := service.New(deps, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})

	if a.Config.Broadcast.Enabled && store != nil && sender != nil {
		dispatcher := a.newDispatcher(store, sender, m)
		g.Go(func() error {
			return dispatcher.Run(gctx)
		})
	} else {
		a.Logger.Info().Msg("broadcast dispatcher disabled")
	}

	if a.Config.Metrics.Listen != "" {
		g.Go(func() error {
			a.serveMetrics(gctx, a.Config.Metrics.Listen)
			return nil
		})
	}

	a.Logger.Info().Dur("interval", a.Config.Scheduler.Interval).Msg("starting rate watcher")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("watcher terminated with error")
		return err
	}

	a.Logger.Info().Msg("rate watcher stopped")
	return nil
}

// ExportOptions hold parameters for exporting daily statistics.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Days int
}
