package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"p2p-rate-watch/internal/storage"
)

// Export renders daily averages as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.requireStore(ctx, "export")
	if err != nil {
		return err
	}
	defer closeStore()

	loc := a.location()
	to := time.Now().In(loc).AddDate(0, 0, 1)
	if opts.To != nil {
		to = opts.To.In(loc)
	}

	from := to.AddDate(0, 0, -opts.MaxPoints)
	if opts.From != nil {
		from = opts.From.In(loc)
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	stats, err := store.ListDailyStats(ctx, from, to)
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		a.Logger.Info().Msg("no daily stats found for export window")
		return nil
	}

	downsampled := downsampleStats(stats, opts.MaxPoints)
	a.Logger.Info().Int("total", len(stats)).Int("exported", len(downsampled)).Msg("exporting daily stats")

	if opts.CSVPath != "" {
		if err := writeStatsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeStatsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleStats(stats []storage.DailyStat, max int) []storage.DailyStat {
	if max <= 0 || len(stats) <= max {
		return stats
	}
	if max == 1 {
		return stats[len(stats)-1:]
	}

	result := make([]storage.DailyStat, 0, max)
	step := float64(len(stats)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(stats) {
			idx = len(stats) - 1
		}
		result = append(result, stats[idx])
	}
	return result
}

func writeStatsCSV(path string, stats []storage.DailyStat) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"day", "avg_price", "avg_reference", "samples", "reference_samples"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, stat := range stats {
		ref := ""
		if avg := stat.ReferenceAverage(); avg.Valid {
			ref = avg.Decimal.StringFixed(4)
		}
		record := []string{
			stat.Day.Format("2006-01-02"),
			stat.Average().StringFixed(4),
			ref,
			strconv.FormatInt(stat.PriceCount, 10),
			strconv.FormatInt(stat.ReferenceCount, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeStatsPNG(path string, stats []storage.DailyStat) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, 0, len(stats))
	price := make([]float64, 0, len(stats))
	refX := make([]time.Time, 0, len(stats))
	reference := make([]float64, 0, len(stats))
	for _, stat := range stats {
		x = append(x, stat.Day)
		price = append(price, stat.Average().InexactFloat64())
		if avg := stat.ReferenceAverage(); avg.Valid {
			refX = append(refX, stat.Day)
			reference = append(reference, avg.Decimal.InexactFloat64())
		}
	}

	rateFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	series := []chart.Series{
		chart.TimeSeries{
			Name:    "P2P average",
			XValues: x,
			YValues: price,
		},
	}
	// go-chart needs at least two points per series
	if len(reference) > 1 {
		series = append(series, chart.TimeSeries{
			Name:    "Reference average",
			XValues: refX,
			YValues: reference,
		})
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Rate (fiat per unit)",
			ValueFormatter: rateFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
