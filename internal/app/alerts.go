package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"p2p-rate-watch/internal/alerting"
	"p2p-rate-watch/internal/cooldown"
	"p2p-rate-watch/internal/storage"
)

// AddAlert 为指定 owner 创建价格告警。
func (a *App) AddAlert(ctx context.Context, owner int64, target decimal.Decimal, condition string) error {
	store, closeStore, err := a.requireStore(ctx, "create alerts")
	if err != nil {
		return err
	}
	defer closeStore()

	var gate cooldown.Gate
	if a.Config.Alerts.CreateCooldown > 0 {
		rdb, err := a.openRedis(ctx)
		switch {
		case err != nil:
			a.Logger.Warn().Err(err).Msg("redis unavailable; creation cooldown not enforced")
		case rdb == nil:
			a.Logger.Warn().Msg("redis.addr not configured; creation cooldown only applies within one process")
		default:
			defer rdb.Close()
			gate = a.alertCooldown(rdb)
		}
	}

	engine := a.newEngine(store, nil, gate, nil)
	alert, err := engine.Create(ctx, owner, target, storage.Condition(strings.ToUpper(condition)))
	switch {
	case errors.Is(err, alerting.ErrCooldown):
		return fmt.Errorf("owner %d must wait %s between alerts", owner, a.Config.Alerts.CreateCooldown)
	case errors.Is(err, alerting.ErrLimitReached):
		return fmt.Errorf("owner %d already holds %d alerts", owner, a.Config.Alerts.MaxPerOwner)
	case errors.Is(err, alerting.ErrInvalidAlert):
		return errors.New("target must be positive and condition ABOVE or BELOW")
	case err != nil:
		return err
	}

	fmt.Fprintf(os.Stdout, "alert %d created: %s %s\n", alert.ID, alert.Condition, alert.Target.StringFixed(2))
	return nil
}

// ListAlerts prints the owner's outstanding alerts.
func (a *App) ListAlerts(ctx context.Context, owner int64) error {
	store, closeStore, err := a.requireStore(ctx, "list alerts")
	if err != nil {
		return err
	}
	defer closeStore()

	alerts, err := a.newEngine(store, nil, nil, nil).List(ctx, owner)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tCondition\tTarget\tCreated")
	for _, alert := range alerts {
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\n",
			alert.ID,
			alert.Condition,
			formatDecimal(alert.Target, 2),
			alert.CreatedAt.In(a.location()).Format("2006-01-02 15:04"),
		)
	}
	writer.Flush()
	return nil
}
