package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveCycle("ok", time.Now())
	m.SourceFailed("p2p")
	m.SetPrice(1)
	m.AlertFired(true)
	m.BroadcastDone(1, 1)
}

func TestMetricsRecord(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("注册指标失败: %v", err)
	}

	m.ObserveCycle("degraded", time.Now())
	m.SourceFailed("reference")
	m.AlertFired(true)
	m.AlertFired(false)
	m.BroadcastDone(55, 5)

	if got := testutil.ToFloat64(m.CyclesTotal.WithLabelValues("degraded")); got != 1 {
		t.Fatalf("degraded 次数应为 1, 实际 %v", got)
	}
	if got := testutil.ToFloat64(m.AlertsFired); got != 2 {
		t.Fatalf("告警次数应为 2, 实际 %v", got)
	}
	if got := testutil.ToFloat64(m.NotifyFailures); got != 1 {
		t.Fatalf("通知失败次数应为 1, 实际 %v", got)
	}
	if got := testutil.ToFloat64(m.BroadcastMessages.WithLabelValues("failed")); got != 5 {
		t.Fatalf("失败消息数应为 5, 实际 %v", got)
	}
}

func TestDuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatalf("首次注册不应失败: %v", err)
	}
	if _, err := New(reg); err == nil {
		t.Fatal("重复注册应返回错误")
	}
}
