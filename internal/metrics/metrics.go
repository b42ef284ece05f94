// Package metrics holds the prometheus collectors for the scheduler and
// dispatcher. A nil *Metrics is valid and records nothing, so components can
// be built without a registry in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "icecron"

type Metrics struct {
	reg *prometheus.Registry

	ticks        prometheus.Counter
	ticksSkipped prometheus.Counter
	entries      prometheus.Gauge

	dispatched *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	runs       *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	queueDepth prometheus.Gauge
	inFlight   prometheus.Gauge

	restarts *prometheus.CounterVec
}

// New creates a registry with the process/go collectors and every icecron
// metric registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		reg: reg,
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "ticks_total",
			Help: "Boundaries evaluated by the ticker.",
		}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "ticks_skipped_total",
			Help: "Boundaries passed over because the ticker fell behind.",
		}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "entries",
			Help: "Registered schedule entries.",
		}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "dispatched_total",
			Help: "Jobs handed to the dispatcher, by task.",
		}, []string{"task"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "dropped_total",
			Help: "Jobs rejected by the dispatcher, by reason.",
		}, []string{"reason"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "runs_total",
			Help: "Finished job runs, by task and result.",
		}, []string{"task", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "engine", Name: "run_duration_seconds",
			Help:    "Job run duration including retries.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"task"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "engine", Name: "queue_depth",
			Help: "Jobs waiting for a worker.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "engine", Name: "in_flight",
			Help: "Jobs currently executing.",
		}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "runtime", Name: "goroutine_restarts_total",
			Help: "Supervised goroutine restarts, by name.",
		}, []string{"name"}),
	}
	reg.MustRegister(
		m.ticks, m.ticksSkipped, m.entries,
		m.dispatched, m.dropped, m.runs, m.duration, m.queueDepth, m.inFlight,
		m.restarts,
	)
	return m
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Tick() {
	if m != nil {
		m.ticks.Inc()
	}
}

func (m *Metrics) TicksSkipped(n int) {
	if m != nil && n > 0 {
		m.ticksSkipped.Add(float64(n))
	}
}

func (m *Metrics) SetEntries(n int) {
	if m != nil {
		m.entries.Set(float64(n))
	}
}

func (m *Metrics) Dispatched(task string) {
	if m != nil {
		m.dispatched.WithLabelValues(task).Inc()
	}
}

// Dropped counts a rejected job. reason is a short code such as
// "queue_full" or "overlap_skip".
func (m *Metrics) Dropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

// ObserveRun records the outcome of one job run.
func (m *Metrics) ObserveRun(task string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.runs.WithLabelValues(task, result).Inc()
	m.duration.WithLabelValues(task).Observe(d.Seconds())
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *Metrics) AddInFlight(delta int) {
	if m != nil {
		m.inFlight.Add(float64(delta))
	}
}

func (m *Metrics) Restarted(name string) {
	if m != nil {
		m.restarts.WithLabelValues(name).Inc()
	}
}
