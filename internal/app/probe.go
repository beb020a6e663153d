package app

import (
	"context"
	"os"

	"p2p-rate-watch/internal/market"
)

// Probe 执行一次实时聚合并打印结果, 不写入任何存储。
func (a *App) Probe(ctx context.Context) error {
	agg := a.newAggregator(nil)
	snap, err := agg.Aggregate(ctx, market.Snapshot{})
	if err != nil {
		return err
	}
	writeSnapshot(os.Stdout, snap, nil)
	return nil
}
