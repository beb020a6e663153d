package aggregator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"p2p-rate-watch/internal/fetcher"
	"p2p-rate-watch/internal/market"
	"p2p-rate-watch/internal/metrics"
)

// ErrNoQuotes signals that every venue/side request failed in a cycle.
var ErrNoQuotes = errors.New("aggregator: no venue returned a quote")

// Options configure a polling cycle.
type Options struct {
	Venues         []string
	NotionalUnits  decimal.Decimal
	FallbackPrice  decimal.Decimal
	RequestTimeout time.Duration
	Location       *time.Location
}

// Aggregator fans out quote requests and assembles a snapshot.
type Aggregator struct {
	opts      Options
	quotes    fetcher.QuoteFetcher
	reference fetcher.ReferenceFetcher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// New wires an aggregator. reference may be nil when the scrape is disabled.
func New(opts Options, quotes fetcher.QuoteFetcher, reference fetcher.ReferenceFetcher, m *metrics.Metrics, logger zerolog.Logger) *Aggregator {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Aggregator{
		opts:      opts,
		quotes:    quotes,
		reference: reference,
		metrics:   m,
		logger:    logger.With().Str("component", "aggregator").Logger(),
		now:       time.Now,
	}
}

// Aggregate runs one cycle. previous sizes the request amount; when it is
// empty the fallback price is used. Failed requests leave their value at zero.
func (a *Aggregator) Aggregate(ctx context.Context, previous market.Snapshot) (market.Snapshot, error) {
	refPrice := previous.Price
	if previous.IsEmpty() || !refPrice.IsPositive() {
		refPrice = a.opts.FallbackPrice
	}
	amount := refPrice.Mul(a.opts.NotionalUnits)

	var (
		mu     sync.Mutex
		venues = make(map[string]market.Quote, len(a.opts.Venues))
		ref    market.Reference
	)
	for _, venue := range a.opts.Venues {
		venues[venue] = market.Quote{}
	}

	// tasks never return an error so one failure cannot cancel its siblings
	var g errgroup.Group
	for _, venue := range a.opts.Venues {
		for _, side := range market.Sides {
			req := fetcher.QuoteRequest{Venue: venue, Side: side, Amount: amount}
			g.Go(func() error {
				price := a.fetchOne(ctx, req)
				mu.Lock()
				q := venues[req.Venue]
				if req.Side == market.SideBuy {
					q.Bid = price
				} else {
					q.Ask = price
				}
				venues[req.Venue] = q
				mu.Unlock()
				return nil
			})
		}
	}
	if a.reference != nil {
		g.Go(func() error {
			ref = a.fetchReference(ctx)
			return nil
		})
	}
	_ = g.Wait()

	values := make([]decimal.Decimal, 0, len(venues)*2)
	for _, q := range venues {
		values = append(values, q.Bid, q.Ask)
	}
	primary := market.Mean(values)
	if primary.IsZero() {
		return market.Snapshot{}, ErrNoQuotes
	}

	ts := a.now().UTC()
	return market.Snapshot{
		Price:        primary,
		Venues:       venues,
		Reference:    ref,
		Timestamp:    ts,
		UpdatedLabel: market.Label(ts, a.opts.Location),
	}, nil
}

func (a *Aggregator) fetchOne(ctx context.Context, req fetcher.QuoteRequest) decimal.Decimal {
	reqCtx, cancel := context.WithTimeout(ctx, a.opts.RequestTimeout)
	defer cancel()

	price, err := a.quotes.FetchQuote(reqCtx, req)
	if err != nil {
		a.metrics.SourceFailed("p2p")
		a.logger.Warn().Err(err).Str("venue", req.Venue).Str("side", string(req.Side)).Msg("quote unavailable")
		return decimal.Zero
	}
	if !price.IsPositive() {
		return decimal.Zero
	}
	return price
}

func (a *Aggregator) fetchReference(ctx context.Context) market.Reference {
	ref, err := a.reference.FetchReference(ctx)
	if err != nil {
		a.metrics.SourceFailed("reference")
		a.logger.Warn().Err(err).Msg("reference rate unavailable")
		return market.Reference{}
	}
	return ref
}
