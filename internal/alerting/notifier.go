package alerting

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"p2p-rate-watch/internal/storage"
	"p2p-rate-watch/internal/telegram"
)

// Notification 封装一次触发的告警上下文。
type Notification struct {
	Alert storage.Alert
	Price decimal.Decimal
	Label string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 将触发的告警私信给其 owner。
type TelegramNotifier struct {
	sender telegram.Sender
	logger zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(sender telegram.Sender, logger zerolog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		sender: sender,
		logger: logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify sends the rendered alert to the owner's chat.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	if err := n.sender.SendMessage(ctx, note.Alert.OwnerID, renderMessage(note), nil); err != nil {
		return fmt.Errorf("notify owner %d: %w", note.Alert.OwnerID, err)
	}

	n.logger.Info().Int64("alert_id", note.Alert.ID).
		Int64("owner_id", note.Alert.OwnerID).
		Str("condition", string(note.Alert.Condition)).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	direction := "subió a"
	if note.Alert.Condition == storage.ConditionBelow {
		direction = "bajó a"
	}

	builder := strings.Builder{}
	builder.WriteString("🔔 Alerta de precio\n")
	builder.WriteString(fmt.Sprintf("El dólar P2P %s %s Bs.\n", direction, note.Price.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Tu objetivo: %s Bs.\n", note.Alert.Target.StringFixed(2)))
	if note.Label != "" {
		builder.WriteString(fmt.Sprintf("Actualizado: %s\n", note.Label))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
