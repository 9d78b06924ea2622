// Package metrics exposes orchestrator counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "callcapture"

// Metrics groups every collector the service updates.
type Metrics struct {
	registry *prometheus.Registry

	EventsTotal     *prometheus.CounterVec
	SessionsActive  prometheus.Gauge
	SessionDuration prometheus.Histogram
	CapturesStarted *prometheus.CounterVec
	CaptureFailures *prometheus.CounterVec
	HandOffs        *prometheus.CounterVec
	Originates      *prometheus.CounterVec
	TicketsCreated  prometheus.Counter
	TicketsConsumed *prometheus.CounterVec
	SweepOutcomes   *prometheus.CounterVec
	PumpsActive     prometheus.Gauge
	PumpExits       *prometheus.CounterVec
	Chunks          prometheus.Counter
	ChunkBytes      prometheus.Counter
}

// New registers the collectors on a fresh registry, so several
// instances can live in one process (tests).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Controller events dispatched, by kind.",
		}, []string{"kind"}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently tracked.",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Time from first sight to release of a session.",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 900, 1800, 3600},
		}),
		CapturesStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captures_started_total",
			Help:      "Verified captures, by strategy.",
		}, []string{"strategy"}),
		CaptureFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_failures_total",
			Help:      "Captures that could not be established, by reason.",
		}, []string{"reason"}),
		HandOffs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Conference hand-offs, by result.",
		}, []string{"result"}),
		Originates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "originates_total",
			Help:      "Carrier legs originated, by result.",
		}, []string{"result"}),
		TicketsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_created_total",
			Help:      "Pending capture tickets created.",
		}),
		TicketsConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_consumed_total",
			Help:      "Pending capture tickets consumed, by path.",
		}, []string{"path"}),
		SweepOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_outcomes_total",
			Help:      "Per-ticket sweep outcomes.",
		}, []string{"outcome"}),
		PumpsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pumps_active",
			Help:      "Media stream pumps running.",
		}),
		PumpExits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pump_exits_total",
			Help:      "Media stream pumps ended, by reason.",
		}, []string{"reason"}),
		Chunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Audio chunks published.",
		}),
		ChunkBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_bytes_total",
			Help:      "Audio bytes published.",
		}),
	}
}

// Registry returns the registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// GaugeFunc registers a gauge read from fn at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

// CounterFunc registers a counter read from fn at scrape time.
func (m *Metrics) CounterFunc(name, help string, fn func() float64) {
	promauto.With(m.registry).NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

// ObserveSession records a released session's lifetime.
func (m *Metrics) ObserveSession(d time.Duration) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(d.Seconds())
}
