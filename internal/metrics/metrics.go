// Package metrics exposes the Prometheus collectors shared by the watcher loops.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "ratewatcher"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	CyclesTotal       *prometheus.CounterVec
	CycleDuration     prometheus.Histogram
	SourceFailures    *prometheus.CounterVec
	PrimaryPrice      prometheus.Gauge
	AlertsFired       prometheus.Counter
	NotifyFailures    prometheus.Counter
	BroadcastJobs     prometheus.Counter
	BroadcastMessages *prometheus.CounterVec
}

// New 创建并注册指标; reg 为 nil 时使用默认注册器。
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Polling cycles by outcome",
		}, []string{"outcome"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_cycle_duration_seconds",
			Help:      "Polling cycle duration in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		SourceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_failures_total",
			Help:      "Failed quote or reference fetches",
		}, []string{"source"}),
		PrimaryPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "primary_price",
			Help:      "Last published primary price",
		}),
		AlertsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fired_total",
			Help:      "Alerts removed because their condition held",
		}),
		NotifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_notify_failures_total",
			Help:      "Alert notifications that could not be delivered",
		}),
		BroadcastJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_jobs_total",
			Help:      "Broadcast jobs completed",
		}),
		BroadcastMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_messages_total",
			Help:      "Broadcast deliveries by result",
		}, []string{"result"}),
	}

	collectors := []prometheus.Collector{
		m.CyclesTotal,
		m.CycleDuration,
		m.SourceFailures,
		m.PrimaryPrice,
		m.AlertsFired,
		m.NotifyFailures,
		m.BroadcastJobs,
		m.BroadcastMessages,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveCycle records one polling cycle.
func (m *Metrics) ObserveCycle(outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(time.Since(started).Seconds())
}

// SourceFailed counts a failed fetch for source.
func (m *Metrics) SourceFailed(source string) {
	if m == nil {
		return
	}
	m.SourceFailures.WithLabelValues(source).Inc()
}

// SetPrice tracks the latest published primary price.
func (m *Metrics) SetPrice(price float64) {
	if m == nil {
		return
	}
	m.PrimaryPrice.Set(price)
}

// AlertFired counts one triggered alert and whether its notification failed.
func (m *Metrics) AlertFired(notifyFailed bool) {
	if m == nil {
		return
	}
	m.AlertsFired.Inc()
	if notifyFailed {
		m.NotifyFailures.Inc()
	}
}

// BroadcastDone records a finished job.
func (m *Metrics) BroadcastDone(sent, failed int64) {
	if m == nil {
		return
	}
	m.BroadcastJobs.Inc()
	m.BroadcastMessages.WithLabelValues("sent").Add(float64(sent))
	m.BroadcastMessages.WithLabelValues("failed").Add(float64(failed))
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics listener started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
