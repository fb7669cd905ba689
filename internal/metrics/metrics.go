// Package metrics defines the Prometheus collectors exported by the server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors, registered on a private registry so tests
// can create as many instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	GateVerdicts     *prometheus.CounterVec   // gate, verdict
	Streams          *prometheus.CounterVec   // kind, outcome
	StreamDuration   *prometheus.HistogramVec // kind
	PacerWait        prometheus.Histogram
	Turns            *prometheus.CounterVec // mode, outcome
	StoreWrites      *prometheus.CounterVec // result
	Transcriptions   *prometheus.CounterVec // outcome
	DegradedKeys     prometheus.Gauge
	ActiveSSEStreams prometheus.Gauge
}

// New creates and registers every collector.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		GateVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moodchat",
			Name:      "gate_verdicts_total",
			Help:      "Classification gate results by gate and verdict.",
		}, []string{"gate", "verdict"}),
		Streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moodchat",
			Name:      "completion_streams_total",
			Help:      "Streaming completions by kind and outcome.",
		}, []string{"kind", "outcome"}),
		StreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "moodchat",
			Name:      "completion_stream_seconds",
			Help:      "Wall time of streaming completions.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"kind"}),
		PacerWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "moodchat",
			Name:      "pacer_wait_seconds",
			Help:      "Time spent waiting for the shared-key request spacing.",
			Buckets:   []float64{0, 0.1, 0.5, 1, 2, 3, 5},
		}),
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moodchat",
			Name:      "turns_total",
			Help:      "Chat turns by effective mode and outcome.",
		}, []string{"mode", "outcome"}),
		StoreWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moodchat",
			Name:      "transcript_writes_total",
			Help:      "Transcript persistence attempts by result.",
		}, []string{"result"}),
		Transcriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moodchat",
			Name:      "transcriptions_total",
			Help:      "Speech transcription requests by outcome.",
		}, []string{"outcome"}),
		DegradedKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "moodchat",
			Name:      "shared_keys_active",
			Help:      "1 while the shared fallback keys are in use.",
		}),
		ActiveSSEStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "moodchat",
			Name:      "sse_streams_active",
			Help:      "Open server-sent event responses.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.GateVerdicts,
		m.Streams,
		m.StreamDuration,
		m.PacerWait,
		m.Turns,
		m.StoreWrites,
		m.Transcriptions,
		m.DegradedKeys,
		m.ActiveSSEStreams,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetDegraded records whether shared keys are active.
func (m *Metrics) SetDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.DegradedKeys.Set(1)
		return
	}
	m.DegradedKeys.Set(0)
}

// The helpers below tolerate a nil receiver so components can run without
// metrics in tests.

// ObserveGate counts a gate verdict.
func (m *Metrics) ObserveGate(gate, verdict string) {
	if m == nil {
		return
	}
	m.GateVerdicts.WithLabelValues(gate, verdict).Inc()
}

// ObserveStream counts a finished stream and records its duration.
func (m *Metrics) ObserveStream(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Streams.WithLabelValues(kind, outcome).Inc()
	m.StreamDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// ObservePacerWait records time blocked by the pacer.
func (m *Metrics) ObservePacerWait(d time.Duration) {
	if m == nil {
		return
	}
	m.PacerWait.Observe(d.Seconds())
}

// ObserveTurn counts a finished chat turn.
func (m *Metrics) ObserveTurn(mode, outcome string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(mode, outcome).Inc()
}

// ObserveStoreWrite counts a transcript write.
func (m *Metrics) ObserveStoreWrite(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.StoreWrites.WithLabelValues("error").Inc()
		return
	}
	m.StoreWrites.WithLabelValues("ok").Inc()
}

// ObserveTranscription counts a transcription attempt.
func (m *Metrics) ObserveTranscription(outcome string) {
	if m == nil {
		return
	}
	m.Transcriptions.WithLabelValues(outcome).Inc()
}

// SSEOpened increments the open event stream gauge.
func (m *Metrics) SSEOpened() {
	if m == nil {
		return
	}
	m.ActiveSSEStreams.Inc()
}

// SSEClosed decrements the open event stream gauge.
func (m *Metrics) SSEClosed() {
	if m == nil {
		return
	}
	m.ActiveSSEStreams.Dec()
}
