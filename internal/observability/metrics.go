package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveCalls       prometheus.Gauge
	CallEvents        *prometheus.CounterVec
	StreamMessages    *prometheus.CounterVec
	ModelErrors       *prometheus.CounterVec
	ToolDispatches    *prometheus.CounterVec
	ToolLatency       *prometheus.HistogramVec
	MicModeChanges    *prometheus.CounterVec
	HoldAudioStarts   prometheus.Counter
	Interruptions     prometheus.Counter
	FirstAudioLatency prometheus.Histogram

	turnStages *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of active bridged phone calls.",
		}),
		CallEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call lifecycle events by type.",
		}, []string{"event"}),
		StreamMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_messages_total",
			Help:      "Media stream messages by direction and type.",
		}, []string{"direction", "type"}),
		ModelErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_errors_total",
			Help:      "Speech model errors by code.",
		}, []string{"code"}),
		ToolDispatches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_dispatches_total",
			Help:      "Capability dispatches by name and outcome.",
		}, []string{"name", "outcome"}),
		ToolLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_latency_ms",
			Help:      "Capability execution latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"name"}),
		MicModeChanges: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mic_mode_changes_total",
			Help:      "Microphone mode change requests by target mode and decision.",
		}, []string{"mode", "decision"}),
		HoldAudioStarts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hold_audio_starts_total",
			Help:      "Times hold audio started playing while a capability ran long.",
		}),
		Interruptions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Caller barge-ins that truncated assistant playback.",
		}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency to first assistant audio frame in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		turnStages: newTurnStageWindow(256),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveToolLatency(name string, d time.Duration) {
	m.ToolLatency.WithLabelValues(name).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	m.turnStages.Observe(stage, float64(d.Microseconds())/1000.0)
}

func (m *Metrics) ObserveTurnIndicator(name string) {
	m.turnStages.ObserveIndicator(name)
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	return m.turnStages.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	m.turnStages.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
