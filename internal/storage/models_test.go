package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"p2p-rate-watch/internal/config"
	"p2p-rate-watch/internal/market"
)

func TestConditionTriggered(t *testing.T) {
	target := decimal.NewFromInt(75)
	cases := []struct {
		cond  Condition
		price int64
		want  bool
	}{
		{ConditionAbove, 76, true},
		{ConditionAbove, 75, true},
		{ConditionAbove, 74, false},
		{ConditionBelow, 74, true},
		{ConditionBelow, 75, true},
		{ConditionBelow, 76, false},
		{Condition("SIDEWAYS"), 75, false},
	}
	for _, tc := range cases {
		if got := tc.cond.Triggered(decimal.NewFromInt(tc.price), target); got != tc.want {
			t.Fatalf("%s @ %d: 期望 %v, 实际 %v", tc.cond, tc.price, tc.want, got)
		}
	}
	if Condition("x").Valid() || !ConditionBelow.Valid() {
		t.Fatal("Valid 判断错误")
	}
}

// Triggered and deleteTriggeredAlertsSQL must agree: ABOVE fires at
// price >= target, i.e. target <= $1; BELOW at price <= target.
func TestTriggeredMatchesDeleteSQL(t *testing.T) {
	sql := strings.Join(strings.Fields(deleteTriggeredAlertsSQL), " ")
	predicates := map[Condition]string{
		ConditionAbove: "(condition = 'ABOVE' AND target <= $1::numeric)",
		ConditionBelow: "(condition = 'BELOW' AND target >= $1::numeric)",
	}
	target := decimal.NewFromInt(75)
	for cond, predicate := range predicates {
		if !strings.Contains(sql, predicate) {
			t.Fatalf("SQL 缺少 %s 的触发条件: %s", cond, sql)
		}
		// equality fires on both sides, as "<=" / ">=" in the SQL
		if !cond.Triggered(target, target) {
			t.Fatalf("%s 在价格等于目标时应触发", cond)
		}
	}
	if !ConditionAbove.Triggered(decimal.NewFromInt(80), target) || ConditionAbove.Triggered(decimal.NewFromInt(70), target) {
		t.Fatal("ABOVE 与 SQL 中的 target <= price 不一致")
	}
	if !ConditionBelow.Triggered(decimal.NewFromInt(70), target) || ConditionBelow.Triggered(decimal.NewFromInt(80), target) {
		t.Fatal("BELOW 与 SQL 中的 target >= price 不一致")
	}
}

func TestDailyStatAverages(t *testing.T) {
	stat := DailyStat{
		PriceSum:   decimal.NewFromInt(300),
		PriceCount: 3,
	}
	if !stat.Average().Equal(decimal.NewFromInt(100)) {
		t.Fatalf("日均价应为 100, 实际 %s", stat.Average())
	}
	if stat.ReferenceAverage().Valid {
		t.Fatal("没有参考汇率观测时应为无效值")
	}
	if !(DailyStat{}).Average().IsZero() {
		t.Fatal("空统计均价应为 0")
	}
}

func TestPersistedStateJSON(t *testing.T) {
	ts := time.Date(2026, 10, 17, 19, 4, 0, 0, time.UTC)
	state := PersistedState{
		Snapshot: market.Snapshot{
			Price:     decimal.RequireFromString("101.5"),
			Venues:    map[string]market.Quote{"Banesco": {Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(103)}},
			Reference: market.Reference{USD: decimal.NewNullDecimal(decimal.RequireFromString("36.5"))},
			Timestamp: ts,
		},
		History: []decimal.Decimal{decimal.NewFromInt(99), decimal.RequireFromString("101.5")},
	}
	payload, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	var decoded PersistedState
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if !decoded.Snapshot.Price.Equal(state.Snapshot.Price) || !decoded.Snapshot.Timestamp.Equal(ts) {
		t.Fatalf("快照恢复不一致: %+v", decoded.Snapshot)
	}
	if decoded.Snapshot.Reference.EUR.Valid {
		t.Fatal("缺失的 EUR 恢复后仍应无效")
	}
	if len(decoded.History) != 2 {
		t.Fatalf("历史长度不一致: %v", decoded.History)
	}
}

func TestStoreWithoutPool(t *testing.T) {
	var s *Store
	if err := s.SaveState(context.Background(), PersistedState{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("未配置连接池应返回 ErrNotConfigured, 实际 %v", err)
	}
	if _, err := NewStore(nil).ClaimNextPendingJob(context.Background(), time.Hour); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("未配置连接池应返回 ErrNotConfigured, 实际 %v", err)
	}
	if _, err := NewPool(context.Background(), config.DatabaseConfig{}); err == nil {
		t.Fatal("缺少 DSN 时应报错")
	}
}

func TestTruncateDay(t *testing.T) {
	loc := time.FixedZone("VET", -4*3600)
	got := truncateDay(time.Date(2026, 10, 17, 23, 30, 0, 0, loc))
	if !got.Equal(time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("应按本地日期截断, 实际 %s", got)
	}
}
