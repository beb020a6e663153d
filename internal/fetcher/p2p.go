package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"p2p-rate-watch/internal/version"
)

const advSearchPath = "/bapi/c2c/v2/friendly/c2c/adv/search"

// ErrNoAdverts is returned when neither the filtered nor the open search has results.
var ErrNoAdverts = errors.New("no adverts returned")

// P2POptions parameterise the advert search client.
type P2POptions struct {
	BaseURL       string
	Asset         string
	Fiat          string
	Rows          int
	BestOf        int
	PublisherType string
	Timeout       time.Duration
	UserAgent     string
}

// P2P queries the P2P advert search endpoint.
type P2P struct {
	opts    P2POptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewP2P constructs an advert search client.
func NewP2P(opts P2POptions, logger zerolog.Logger) *P2P {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if opts.Rows <= 0 {
		opts.Rows = 5
	}
	if opts.BestOf <= 0 || opts.BestOf > opts.Rows {
		opts.BestOf = opts.Rows
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://p2p.binance.com"
	}

	return &P2P{
		opts:    opts,
		logger:  logger.With().Str("component", "p2p_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchQuote searches merchant adverts first and falls back to the open pool
// once, then averages the first BestOf prices in the order returned.
func (p *P2P) FetchQuote(ctx context.Context, req QuoteRequest) (decimal.Decimal, error) {
	if req.Venue == "" {
		return decimal.Decimal{}, errors.New("venue required")
	}

	prices, err := p.search(ctx, req, p.opts.PublisherType)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(prices) == 0 && p.opts.PublisherType != "" {
		p.logger.Debug().Str("venue", req.Venue).Str("side", string(req.Side)).Msg("no merchant adverts; retrying open pool")
		prices, err = p.search(ctx, req, "")
		if err != nil {
			return decimal.Decimal{}, err
		}
	}
	if len(prices) == 0 {
		return decimal.Decimal{}, ErrNoAdverts
	}

	if len(prices) > p.opts.BestOf {
		prices = prices[:p.opts.BestOf]
	}
	sum := decimal.Zero
	for _, price := range prices {
		sum = sum.Add(price)
	}
	return sum.Div(decimal.NewFromInt(int64(len(prices)))), nil
}

func (p *P2P) search(ctx context.Context, req QuoteRequest, publisherType string) ([]decimal.Decimal, error) {
	payload := searchRequest{
		Asset:     p.opts.Asset,
		Fiat:      p.opts.Fiat,
		TradeType: string(req.Side),
		Page:      1,
		Rows:      p.opts.Rows,
		PayTypes:  []string{req.Venue},
		Countries: []string{},
	}
	if publisherType != "" {
		payload.PublisherType = &publisherType
	}
	if req.Amount.IsPositive() {
		payload.TransAmount = req.Amount.Round(0).String()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+advSearchPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		httpReq.Header.Set("User-Agent", ua)
	} else {
		httpReq.Header.Set("User-Agent", version.UserAgent())
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, raw)
	}

	var res searchResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode adverts: %w", err)
	}
	if !res.Success && res.Code != "" && res.Code != "000000" {
		return nil, fmt.Errorf("p2p api error (%s): %s", res.Code, res.Message)
	}

	prices := make([]decimal.Decimal, 0, len(res.Data))
	for _, item := range res.Data {
		price, err := decimal.NewFromString(item.Adv.Price)
		if err != nil {
			return nil, fmt.Errorf("parse advert price %q: %w", item.Adv.Price, err)
		}
		if !price.IsPositive() {
			continue
		}
		prices = append(prices, price)
	}
	return prices, nil
}

type searchRequest struct {
	Asset         string   `json:"asset"`
	Fiat          string   `json:"fiat"`
	TradeType     string   `json:"tradeType"`
	Page          int      `json:"page"`
	Rows          int      `json:"rows"`
	PayTypes      []string `json:"payTypes"`
	Countries     []string `json:"countries"`
	PublisherType *string  `json:"publisherType"`
	TransAmount   string   `json:"transAmount,omitempty"`
}

type searchResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Success bool   `json:"success"`
	Data    []struct {
		Adv struct {
			Price string `json:"price"`
		} `json:"adv"`
	} `json:"data"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Message != "" {
		return fmt.Errorf("p2p api error (%d): %s", status, apiErr.Message)
	}
	if len(payload) > 0 {
		return fmt.Errorf("p2p api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("p2p api error (%d)", status)
}

var _ QuoteFetcher = (*P2P)(nil)
