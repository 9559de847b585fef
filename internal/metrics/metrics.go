// Package metrics exposes the scheduler's Prometheus instruments and the
// optional debug HTTP server that serves them alongside pprof.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics owns the registry and every instrument fed by the scheduler. A nil
// *Metrics is valid and drops all observations, so wiring stays optional.
type Metrics struct {
	reg *prometheus.Registry

	enqueued   *prometheus.CounterVec
	dispatched *prometheus.CounterVec
	completed  *prometheus.CounterVec
	failed     *prometheus.CounterVec
	cancelled  *prometheus.CounterVec
	denied     *prometheus.CounterVec
	watchdog   *prometheus.CounterVec

	execSeconds *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autogram_activities_enqueued_total",
			Help: "Activities accepted into the queue.",
		}, []string{"type"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autogram_activities_dispatched_total",
			Help: "Activities handed to the worker pool.",
		}, []string{"type"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autogram_activities_completed_total",
			Help: "Activities that finished successfully.",
		}, []string{"type"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autogram_activities_failed_total",
			Help: "Activity attempts that failed, by failure kind.",
		}, []string{"type", "kind"}),
		cancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autogram_activities_cancelled_total",
			Help: "Activities cancelled before dispatch.",
		}, []string{"type"}),
		denied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autogram_dispatch_denied_total",
			Help: "Dispatch admissions denied by the rate limiter.",
		}, []string{"reason", "type"}),
		watchdog: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autogram_watchdog_expired_total",
			Help: "Running activities force-failed by the watchdog.",
		}, []string{"type"}),
		execSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autogram_execution_seconds",
			Help:    "Wall time of executor calls.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"type"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.enqueued,
		m.dispatched,
		m.completed,
		m.failed,
		m.cancelled,
		m.denied,
		m.watchdog,
		m.execSeconds,
	)
	return m
}

// Registry exposes the underlying registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Enqueued(typ string) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(typ).Inc()
}

func (m *Metrics) Dispatched(typ string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(typ).Inc()
}

func (m *Metrics) Completed(typ string, took time.Duration) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(typ).Inc()
	m.execSeconds.WithLabelValues(typ).Observe(took.Seconds())
}

func (m *Metrics) Failed(typ, kind string, took time.Duration) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(typ, kind).Inc()
	m.execSeconds.WithLabelValues(typ).Observe(took.Seconds())
}

func (m *Metrics) Cancelled(typ string) {
	if m == nil {
		return
	}
	m.cancelled.WithLabelValues(typ).Inc()
}

func (m *Metrics) Denied(reason, typ string) {
	if m == nil {
		return
	}
	m.denied.WithLabelValues(reason, typ).Inc()
}

func (m *Metrics) WatchdogExpired(typ string) {
	if m == nil {
		return
	}
	m.watchdog.WithLabelValues(typ).Inc()
}

// RegisterActivityGauge exposes live queue depth by status. The callback is
// invoked at scrape time.
func (m *Metrics) RegisterActivityGauge(fn func() map[string]int) {
	if m == nil || fn == nil {
		return
	}
	m.reg.MustRegister(&snapshotCollector{
		desc: prometheus.NewDesc("autogram_activities", "Activities currently held, by status.", []string{"status"}, nil),
		fn:   fn,
	})
}

// RegisterSessionGauge exposes the session pool by health state.
func (m *Metrics) RegisterSessionGauge(fn func() map[string]int) {
	if m == nil || fn == nil {
		return
	}
	m.reg.MustRegister(&snapshotCollector{
		desc: prometheus.NewDesc("autogram_sessions", "Sessions in the pool, by health.", []string{"health"}, nil),
		fn:   fn,
	})
}

// RegisterInFlight exposes the number of dispatched-but-unfinished activities.
func (m *Metrics) RegisterInFlight(fn func() int) {
	if m == nil || fn == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "autogram_in_flight_activities",
		Help: "Activities dispatched to workers and not yet finished.",
	}, func() float64 { return float64(fn()) }))
}

// snapshotCollector renders a labeled snapshot map as gauges at scrape time.
type snapshotCollector struct {
	desc *prometheus.Desc
	fn   func() map[string]int
}

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	for label, v := range c.fn() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(v), label)
	}
}
