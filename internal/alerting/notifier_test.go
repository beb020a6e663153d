package alerting

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"p2p-rate-watch/internal/storage"
	"p2p-rate-watch/internal/telegram"
)

type recordingSender struct {
	chats []int64
	texts []string
	err   error
}

func (s *recordingSender) SendMessage(_ context.Context, chatID int64, text string, _ *telegram.Markup) error {
	if s.err != nil {
		return s.err
	}
	s.chats = append(s.chats, chatID)
	s.texts = append(s.texts, text)
	return nil
}

func TestTelegramNotifierSendsToOwner(t *testing.T) {
	sender := &recordingSender{}
	notifier := NewTelegramNotifier(sender, testLogger())
	note := Notification{
		Alert: storage.Alert{ID: 1, OwnerID: 99, Target: decimal.NewFromInt(75), Condition: storage.ConditionAbove},
		Price: decimal.NewFromInt(76),
		Label: "17/10/2026 03:04 PM",
	}

	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Notify 应成功: %v", err)
	}
	if len(sender.chats) != 1 || sender.chats[0] != 99 {
		t.Fatalf("应发送给 owner: %v", sender.chats)
	}
	if !strings.Contains(sender.texts[0], "76.00") || !strings.Contains(sender.texts[0], "75.00") {
		t.Fatalf("消息应包含价格与目标: %q", sender.texts[0])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	notifier := NewTelegramNotifier(&recordingSender{err: errors.New("blocked")}, testLogger())
	note := Notification{Alert: storage.Alert{OwnerID: 1, Condition: storage.ConditionBelow}, Price: decimal.NewFromInt(1)}
	if err := notifier.Notify(context.Background(), note); err == nil {
		t.Fatal("发送失败应返回错误")
	}
}

func TestRenderMessageDirection(t *testing.T) {
	below := renderMessage(Notification{Alert: storage.Alert{Condition: storage.ConditionBelow, Target: decimal.NewFromInt(70)}, Price: decimal.NewFromInt(69)})
	if !strings.Contains(below, "bajó") {
		t.Fatalf("BELOW 告警应描述下跌: %q", below)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
