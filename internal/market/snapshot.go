package market

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies which side of the advert book a quote was taken from.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sides lists both sides in request order.
var Sides = []Side{SideBuy, SideSell}

// LabelLayout formats the human-readable "last updated" label.
const LabelLayout = "02/01/2006 03:04 PM"

// Quote holds one venue's averaged bid/ask. Zero means unavailable.
type Quote struct {
	Bid decimal.Decimal `json:"bid"`
	Ask decimal.Decimal `json:"ask"`
}

// Reference carries the official rates. An invalid value was not obtained
// and must never be rendered as zero.
type Reference struct {
	USD decimal.NullDecimal `json:"usd"`
	EUR decimal.NullDecimal `json:"eur"`
}

// Snapshot is the immutable published market view.
type Snapshot struct {
	Price        decimal.Decimal  `json:"price"`
	Venues       map[string]Quote `json:"venues"`
	Reference    Reference        `json:"reference"`
	Timestamp    time.Time        `json:"timestamp"`
	UpdatedLabel string           `json:"updated_label"`
}

// IsEmpty reports whether this is the initializing sentinel.
func (s Snapshot) IsEmpty() bool {
	return s.Timestamp.IsZero()
}

// VenueNames returns the venue keys in stable order.
func (s Snapshot) VenueNames() []string {
	names := make([]string, 0, len(s.Venues))
	for name := range s.Venues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Available counts non-zero venue/side values.
func (s Snapshot) Available() int {
	n := 0
	for _, q := range s.Venues {
		if q.Bid.IsPositive() {
			n++
		}
		if q.Ask.IsPositive() {
			n++
		}
	}
	return n
}

// clone copies the venue map so callers cannot mutate a published value.
func (s Snapshot) clone() Snapshot {
	venues := make(map[string]Quote, len(s.Venues))
	for k, v := range s.Venues {
		venues[k] = v
	}
	s.Venues = venues
	return s
}

// Label renders ts for display in loc.
func Label(ts time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return ts.In(loc).Format(LabelLayout)
}

// Mean averages the positive values and returns zero when none are.
func Mean(values []decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	n := 0
	for _, v := range values {
		if !v.IsPositive() {
			continue
		}
		sum = sum.Add(v)
		n++
	}
	if n == 0 {
		return decimal.Zero
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}
