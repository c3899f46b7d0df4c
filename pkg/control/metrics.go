package control

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a narrow, purpose-built exporter — only the gauges/counters a
// reader would actually want while operating the agent, grounded on
// etalazz-vsa's internal/ratelimiter/telemetry/churn/exporter.go approach of
// exposing a handful of named series rather than auto-instrumenting.
type Metrics struct {
	reg *prometheus.Registry

	LiveSamplers   prometheus.Gauge
	DedupEntries   prometheus.Gauge
	WindowBuffers  prometheus.Gauge
	Verdicts       *prometheus.CounterVec
	DroppedEvents  prometheus.Counter
	ParseFailures  prometheus.Counter
}

// NewMetrics builds a fresh registry and series set. Call Handler to expose
// it; nothing is registered with the global default registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		reg: reg,
		LiveSamplers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hpcsentry",
			Name:      "live_samplers",
			Help:      "Number of samplers currently attached to a process.",
		}),
		DedupEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hpcsentry",
			Name:      "dedup_entries",
			Help:      "Number of entries currently held in the dedup table.",
		}),
		WindowBuffers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hpcsentry",
			Name:      "window_buffers",
			Help:      "Number of per-process window buffers currently held by the inference engine.",
		}),
		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hpcsentry",
			Name:      "verdicts_total",
			Help:      "Count of verdicts emitted, by label.",
		}, []string{"label"}),
		DroppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hpcsentry",
			Name:      "dropped_events_total",
			Help:      "Process-creation events dropped because MAX_PIDS was reached.",
		}),
		ParseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hpcsentry",
			Name:      "chunk_parse_failures_total",
			Help:      "Batch chunks discarded by the multiplexer parser.",
		}),
	}

	reg.MustRegister(m.LiveSamplers, m.DedupEntries, m.WindowBuffers, m.Verdicts, m.DroppedEvents, m.ParseFailures)
	return m
}

// Handler returns the http.Handler to mount under --metrics-addr.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
