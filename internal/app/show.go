package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"p2p-rate-watch/internal/market"
	"p2p-rate-watch/internal/mirror"
	"p2p-rate-watch/internal/storage"
)

// Show prints the last checkpointed snapshot and recent daily averages.
// Without a database it falls back to the Redis mirror.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	var (
		snap    market.Snapshot
		history []decimal.Decimal
	)
	switch {
	case store != nil:
		state, err := store.LoadState(ctx)
		if err != nil {
			return err
		}
		if state != nil {
			snap, history = state.Snapshot, state.History
		}
	case a.Config.Redis.Addr != "":
		rdb, err := a.openRedis(ctx)
		if err != nil {
			return err
		}
		defer rdb.Close()
		snap, err = mirror.New(rdb, a.Config.Redis.KeyPrefix, a.Config.Redis.TTL, a.Logger).Latest(ctx)
		if err != nil {
			return err
		}
	default:
		return errors.New("neither database nor redis configured; nothing to show")
	}

	if snap.IsEmpty() {
		fmt.Fprintln(os.Stdout, "no snapshot published yet")
	} else {
		writeSnapshot(os.Stdout, snap, history)
	}

	if store == nil || opts.Days <= 0 {
		return nil
	}
	loc := a.location()
	to := time.Now().In(loc).AddDate(0, 0, 1)
	from := to.AddDate(0, 0, -opts.Days)
	stats, err := store.ListDailyStats(ctx, from, to)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout)
	writeDailyStats(os.Stdout, stats)
	return nil
}

func writeSnapshot(w io.Writer, snap market.Snapshot, history []decimal.Decimal) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Updated\t%s\n", snap.UpdatedLabel)
	fmt.Fprintf(writer, "Price\t%s\n", formatDecimal(snap.Price, 2))
	if change, ok := market.PercentChange(history); ok {
		fmt.Fprintf(writer, "Change\t%s%%\n", change.StringFixed(2))
	}
	fmt.Fprintf(writer, "Reference USD\t%s\n", formatNullable(snap.Reference.USD, 4))
	fmt.Fprintf(writer, "Reference EUR\t%s\n", formatNullable(snap.Reference.EUR, 4))
	fmt.Fprintln(writer)

	fmt.Fprintln(writer, "Venue\tBuy\tSell")
	for _, name := range snap.VenueNames() {
		q := snap.Venues[name]
		fmt.Fprintf(writer, "%s\t%s\t%s\n", name, formatQuote(q.Bid), formatQuote(q.Ask))
	}
	writer.Flush()
}

func writeDailyStats(w io.Writer, stats []storage.DailyStat) {
	if len(stats) == 0 {
		fmt.Fprintln(w, "no daily stats found")
		return
	}
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Day\tAvg price\tAvg reference\tSamples")
	for _, stat := range stats {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\n",
			stat.Day.Format("2006-01-02"),
			formatDecimal(stat.Average(), 2),
			formatNullable(stat.ReferenceAverage(), 4),
			stat.PriceCount,
		)
	}
	writer.Flush()
}

func formatQuote(d decimal.Decimal) string {
	if !d.IsPositive() {
		return "n/a"
	}
	return formatDecimal(d, 2)
}

func formatNullable(d decimal.NullDecimal, places int32) string {
	if !d.Valid {
		return "n/a"
	}
	return formatDecimal(d.Decimal, places)
}
