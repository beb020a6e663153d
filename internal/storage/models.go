package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"p2p-rate-watch/internal/market"
)

// Condition is the direction a price alert waits for.
type Condition string

const (
	ConditionAbove Condition = "ABOVE"
	ConditionBelow Condition = "BELOW"
)

// Valid reports whether c is a known condition.
func (c Condition) Valid() bool {
	return c == ConditionAbove || c == ConditionBelow
}

// Triggered reports whether price satisfies the condition for target, with the
// same comparisons as deleteTriggeredAlertsSQL.
func (c Condition) Triggered(price, target decimal.Decimal) bool {
	switch c {
	case ConditionAbove:
		return price.GreaterThanOrEqual(target)
	case ConditionBelow:
		return price.LessThanOrEqual(target)
	default:
		return false
	}
}

// Alert is an outstanding user price alert.
type Alert struct {
	ID        int64
	OwnerID   int64
	Target    decimal.Decimal
	Condition Condition
	CreatedAt time.Time
}

// JobStatus tracks a broadcast job through pending → processing → done.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
)

// BroadcastJob is one queued operator message.
type BroadcastJob struct {
	ID         int64
	Body       string
	Status     JobStatus
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Sent       int64
	Failed     int64
}

// DailyStat accumulates the prices observed on one calendar day.
type DailyStat struct {
	Day            time.Time
	PriceSum       decimal.Decimal
	PriceCount     int64
	ReferenceSum   decimal.Decimal
	ReferenceCount int64
}

// Average returns the mean primary price of the day.
func (d DailyStat) Average() decimal.Decimal {
	if d.PriceCount == 0 {
		return decimal.Zero
	}
	return d.PriceSum.Div(decimal.NewFromInt(d.PriceCount))
}

// ReferenceAverage returns the mean reference rate, invalid when none was observed.
func (d DailyStat) ReferenceAverage() decimal.NullDecimal {
	if d.ReferenceCount == 0 {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d.ReferenceSum.Div(decimal.NewFromInt(d.ReferenceCount)))
}

// PersistedState is the checkpoint restored at startup.
type PersistedState struct {
	Snapshot market.Snapshot   `json:"snapshot"`
	History  []decimal.Decimal `json:"history"`
}
