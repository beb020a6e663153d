package aggregator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"p2p-rate-watch/internal/fetcher"
	"p2p-rate-watch/internal/market"
)

type stubQuotes struct {
	mu       sync.Mutex
	prices   map[string]decimal.Decimal
	fail     map[string]bool
	requests []fetcher.QuoteRequest
}

func (s *stubQuotes) FetchQuote(_ context.Context, req fetcher.QuoteRequest) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	key := req.Venue + "/" + string(req.Side)
	if s.fail[key] || s.fail["*"] {
		return decimal.Decimal{}, errors.New("boom")
	}
	if p, ok := s.prices[key]; ok {
		return p, nil
	}
	return decimal.NewFromInt(100), nil
}

type stubReference struct {
	ref market.Reference
	err error
}

func (s stubReference) FetchReference(context.Context) (market.Reference, error) {
	return s.ref, s.err
}

func newTestAggregator(q *stubQuotes, ref fetcher.ReferenceFetcher) *Aggregator {
	a := New(Options{
		Venues:         []string{"PagoMovil", "Banesco", "Mercantil", "BancoDeVenezuela"},
		NotionalUnits:  decimal.NewFromInt(20),
		FallbackPrice:  decimal.NewFromInt(40),
		RequestTimeout: time.Second,
		Location:       time.UTC,
	}, q, ref, nil, zerolog.Nop())
	a.now = func() time.Time { return time.Date(2026, 10, 17, 15, 4, 0, 0, time.UTC) }
	return a
}

func TestAggregateIssuesEightRequests(t *testing.T) {
	q := &stubQuotes{}
	a := newTestAggregator(q, nil)

	snap, err := a.Aggregate(context.Background(), market.Snapshot{})
	if err != nil {
		t.Fatalf("聚合失败: %v", err)
	}
	if len(q.requests) != 8 {
		t.Fatalf("应发出 8 个请求, 实际 %d", len(q.requests))
	}
	if !snap.Price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("主价格应为 100, 实际 %s", snap.Price)
	}
	if snap.UpdatedLabel != "17/10/2026 03:04 PM" {
		t.Fatalf("更新时间标签不正确: %s", snap.UpdatedLabel)
	}
	for _, req := range q.requests {
		// no previous snapshot: fallback 40 × 20 units
		if !req.Amount.Equal(decimal.NewFromInt(800)) {
			t.Fatalf("交易金额应为 800, 实际 %s", req.Amount)
		}
	}
}

func TestAggregateSizesFromPreviousPrice(t *testing.T) {
	q := &stubQuotes{}
	a := newTestAggregator(q, nil)

	prev := market.Snapshot{Price: decimal.NewFromInt(50), Timestamp: time.Now()}
	if _, err := a.Aggregate(context.Background(), prev); err != nil {
		t.Fatalf("聚合失败: %v", err)
	}
	if !q.requests[0].Amount.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("交易金额应为 1000, 实际 %s", q.requests[0].Amount)
	}
}

func TestAggregateSingleFailureLeavesZero(t *testing.T) {
	q := &stubQuotes{
		prices: map[string]decimal.Decimal{"Banesco/BUY": decimal.NewFromInt(107)},
		fail:   map[string]bool{"Mercantil/SELL": true},
	}
	a := newTestAggregator(q, nil)

	snap, err := a.Aggregate(context.Background(), market.Snapshot{})
	if err != nil {
		t.Fatalf("部分失败不应报错: %v", err)
	}
	if !snap.Venues["Mercantil"].Ask.IsZero() {
		t.Fatalf("失败的值应为 0: %+v", snap.Venues["Mercantil"])
	}
	if !snap.Venues["Mercantil"].Bid.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("另一侧不应受影响: %+v", snap.Venues["Mercantil"])
	}
	// seven live values: six at 100 and one at 107
	if !snap.Price.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("主价格应忽略 0 值, 期望 101, 实际 %s", snap.Price)
	}
	if snap.Available() != 7 {
		t.Fatalf("可用值应为 7, 实际 %d", snap.Available())
	}
}

func TestAggregateTotalFailure(t *testing.T) {
	q := &stubQuotes{fail: map[string]bool{"*": true}}
	a := newTestAggregator(q, nil)

	if _, err := a.Aggregate(context.Background(), market.Snapshot{}); !errors.Is(err, ErrNoQuotes) {
		t.Fatalf("全部失败应返回 ErrNoQuotes, 实际 %v", err)
	}
}

func TestAggregateReference(t *testing.T) {
	usd := decimal.NewNullDecimal(decimal.RequireFromString("36.5"))
	a := newTestAggregator(&stubQuotes{}, stubReference{ref: market.Reference{USD: usd}})

	snap, err := a.Aggregate(context.Background(), market.Snapshot{})
	if err != nil {
		t.Fatalf("聚合失败: %v", err)
	}
	if !snap.Reference.USD.Valid || !snap.Reference.USD.Decimal.Equal(usd.Decimal) {
		t.Fatalf("参考汇率不正确: %+v", snap.Reference)
	}
	if snap.Reference.EUR.Valid {
		t.Fatal("缺失的 EUR 应保持无效")
	}

	failing := newTestAggregator(&stubQuotes{}, stubReference{err: errors.New("tls")})
	snap, err = failing.Aggregate(context.Background(), market.Snapshot{})
	if err != nil {
		t.Fatalf("参考汇率失败不应影响聚合: %v", err)
	}
	if snap.Reference.USD.Valid || snap.Reference.EUR.Valid {
		t.Fatalf("抓取失败时参考汇率应缺失而非为 0: %+v", snap.Reference)
	}
}
