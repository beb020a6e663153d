package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"p2p-rate-watch/internal/metrics"
	"p2p-rate-watch/internal/storage"
	"p2p-rate-watch/internal/telegram"
)

// RefreshCallback is the callback data carried by the refresh button.
const RefreshCallback = "refresh_price"

// Options tune the dispatcher loop.
type Options struct {
	BatchSize       int
	BatchCooldown   time.Duration
	PollInterval    time.Duration
	ErrorBackoff    time.Duration
	Lease           time.Duration
	RefreshKeywords []string
	OperatorChatID  int64
}

// Result summarises one delivered job.
type Result struct {
	JobID  int64
	Sent   int64
	Failed int64
}

// Dispatcher drains the broadcast queue one job at a time.
type Dispatcher struct {
	opts    Options
	jobs    storage.JobStore
	sender  telegram.Sender
	metrics *metrics.Metrics
	logger  zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New wires a dispatcher.
func New(opts Options, jobs storage.JobStore, sender telegram.Sender, m *metrics.Metrics, logger zerolog.Logger) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 5 * time.Second
	}
	return &Dispatcher{
		opts:    opts,
		jobs:    jobs,
		sender:  sender,
		metrics: m,
		logger:  logger.With().Str("component", "broadcast").Logger(),
		sleep:   sleepCtx,
	}
}

// Enqueue stores a new pending job.
func (d *Dispatcher) Enqueue(ctx context.Context, body string) (storage.BroadcastJob, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return storage.BroadcastJob{}, errors.New("broadcast body is empty")
	}
	return d.jobs.EnqueueJob(ctx, body)
}

// Run loops until ctx is cancelled. Storage failures are logged and retried
// after the error backoff; they never stop the loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().Int("batch_size", d.opts.BatchSize).Msg("broadcast dispatcher started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		processed, err := d.RunOnce(ctx)
		wait := time.Duration(0)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Error().Err(err).Dur("backoff", d.opts.ErrorBackoff).Msg("broadcast iteration failed")
			wait = d.opts.ErrorBackoff
		case !processed:
			wait = d.opts.PollInterval
		}

		if wait > 0 {
			if err := d.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
}

// RunOnce claims and delivers at most one job. It reports whether a job was processed.
func (d *Dispatcher) RunOnce(ctx context.Context) (bool, error) {
	job, err := d.jobs.ClaimNextPendingJob(ctx, d.opts.Lease)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	logger := d.logger.With().Int64("job_id", job.ID).Logger()
	logger.Info().Msg("broadcast job claimed")

	recipients, err := d.jobs.ListActiveRecipients(ctx)
	if err != nil {
		// job stays processing and is claimed again once its lease expires
		return false, fmt.Errorf("list recipients for job %d: %w", job.ID, err)
	}

	res, err := d.deliver(ctx, job, recipients, logger)
	if err != nil {
		return false, err
	}

	if err := d.jobs.MarkJobDone(ctx, job.ID, res.Sent, res.Failed); err != nil {
		return false, fmt.Errorf("mark job %d done: %w", job.ID, err)
	}
	d.metrics.BroadcastDone(res.Sent, res.Failed)
	logger.Info().Int64("sent", res.Sent).Int64("failed", res.Failed).Msg("broadcast job done")

	d.report(ctx, res)
	return true, nil
}

// deliver sends body to every recipient in fixed-size batches. Each batch
// completes before the next one starts.
func (d *Dispatcher) deliver(ctx context.Context, job *storage.BroadcastJob, recipients []int64, logger zerolog.Logger) (Result, error) {
	markup := RefreshMarkup(job.Body, d.opts.RefreshKeywords)
	var sent, failed atomic.Int64

	batches := Batches(recipients, d.opts.BatchSize)
	for i, batch := range batches {
		// sends never return an error so one failure cannot cancel its siblings
		var g errgroup.Group
		for _, chatID := range batch {
			chatID := chatID
			g.Go(func() error {
				if err := d.sender.SendMessage(ctx, chatID, job.Body, markup); err != nil {
					failed.Add(1)
					logger.Debug().Err(err).Int64("chat_id", chatID).Msg("delivery failed")
					return nil
				}
				sent.Add(1)
				return nil
			})
		}
		_ = g.Wait()

		logger.Debug().Int("batch", i+1).Int("batches", len(batches)).Msg("batch delivered")
		if i < len(batches)-1 && d.opts.BatchCooldown > 0 {
			if err := d.sleep(ctx, d.opts.BatchCooldown); err != nil {
				return Result{}, err
			}
		}
	}

	return Result{JobID: job.ID, Sent: sent.Load(), Failed: failed.Load()}, nil
}

func (d *Dispatcher) report(ctx context.Context, res Result) {
	if d.opts.OperatorChatID == 0 {
		return
	}
	text := fmt.Sprintf("📣 Difusión #%d completada\nEnviados: %d\nFallidos: %d", res.JobID, res.Sent, res.Failed)
	if err := d.sender.SendMessage(ctx, d.opts.OperatorChatID, text, nil); err != nil {
		d.logger.Warn().Err(err).Int64("job_id", res.JobID).Msg("failed to send operator summary")
	}
}

// Batches splits ids into consecutive chunks of at most size.
func Batches(ids []int64, size int) [][]int64 {
	if size <= 0 {
		size = 1
	}
	out := make([][]int64, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}

// RefreshMarkup returns a single refresh button when text mentions any of
// the keywords, case-insensitively, and nil otherwise.
func RefreshMarkup(text string, keywords []string) *telegram.Markup {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(lower, kw) {
			return &telegram.Markup{
				InlineKeyboard: [][]telegram.InlineButton{{
					{Text: "🔄 Actualizar", CallbackData: RefreshCallback},
				}},
			}
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
