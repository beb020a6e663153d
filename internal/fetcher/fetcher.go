package fetcher

import (
	"context"

	"github.com/shopspring/decimal"

	"p2p-rate-watch/internal/market"
)

// QuoteRequest selects one venue/side of the advert book.
type QuoteRequest struct {
	Venue  string
	Side   market.Side
	Amount decimal.Decimal
}

// QuoteFetcher returns the averaged best advertised price for a venue/side.
type QuoteFetcher interface {
	FetchQuote(ctx context.Context, req QuoteRequest) (decimal.Decimal, error)
}

// ReferenceFetcher retrieves the official reference rates.
type ReferenceFetcher interface {
	FetchReference(ctx context.Context) (market.Reference, error)
}
