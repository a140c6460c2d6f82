package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline stages observed by StageDuration.
const (
	StageLLM   = "llm"
	StageTTS   = "tts"
	StageTotal = "total"
)

// Metrics holds all Prometheus metrics for the voice server.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  *prometheus.CounterVec

	// Transport metrics
	ConnectionsActive *prometheus.GaugeVec
	EventsTotal       *prometheus.CounterVec
	PollRequestsTotal prometheus.Counter

	// Audio metrics
	AudioBytesTotal    *prometheus.CounterVec
	FramesDroppedTotal *prometheus.CounterVec

	// Pipeline metrics
	PipelineRunsTotal *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
}

// New creates a Metrics instance with its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voiceloop"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live client sessions",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions created, by initial transport mode",
		}, []string{"transport"}),
		ConnectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "socket_connections_active",
			Help:      "Attached websocket sub-channels",
		}, []string{"channel"}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Control events by direction and type",
		}, []string{"direction", "type"}),
		PollRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_requests_total",
			Help:      "Fallback polling GET requests",
		}),
		AudioBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes by direction",
		}, []string{"direction"}),
		FramesDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Inbound audio frames not forwarded to the recognizer",
		}, []string{"reason"}),
		PipelineRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Pipeline executions by outcome",
		}, []string{"outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Latency of each pipeline stage",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"stage"}),
	}

	m.registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.ConnectionsActive,
		m.EventsTotal,
		m.PollRequestsTotal,
		m.AudioBytesTotal,
		m.FramesDroppedTotal,
		m.PipelineRunsTotal,
		m.StageDuration,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveStage records the duration of one pipeline stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordEvent counts one control event. Direction is "in" or "out".
func (m *Metrics) RecordEvent(direction, eventType string) {
	m.EventsTotal.WithLabelValues(direction, eventType).Inc()
}

// RecordDroppedFrame counts an audio frame that was not forwarded.
func (m *Metrics) RecordDroppedFrame(reason string) {
	m.FramesDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordPipeline counts a finished pipeline run. Outcome is "success", "llm_error", "tts_error" or "skipped".
func (m *Metrics) RecordPipeline(outcome string) {
	m.PipelineRunsTotal.WithLabelValues(outcome).Inc()
}

// AddAudioBytes counts audio traffic. Direction is "in" or "out".
func (m *Metrics) AddAudioBytes(direction string, n int) {
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(n))
}
