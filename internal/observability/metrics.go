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
	ActiveSessions      prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	TurnsTotal          *prometheus.CounterVec
	ProviderErrors      *prometheus.CounterVec
	ProviderFallbacks   *prometheus.CounterVec
	CacheEvents         *prometheus.CounterVec
	PlaybackTransitions *prometheus.CounterVec
	SynthesisLatency    prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active conversation sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		TurnsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed turns by kind.",
		}, []string{"kind"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and class.",
		}, []string{"provider", "class"}),
		ProviderFallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_fallbacks_total",
			Help:      "Calls answered by a non-primary provider.",
		}, []string{"provider"}),
		CacheEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_cache_events_total",
			Help:      "Speech cache lookups by result.",
		}, []string{"result"}),
		PlaybackTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_transitions_total",
			Help:      "Playback state machine transitions by target state.",
		}, []string{"state"}),
		SynthesisLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synthesis_latency_ms",
			Help:      "Speech synthesis latency in milliseconds, cache misses only.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 5000, 10000, 20000},
		}),
	}
}

func (m *Metrics) ObserveSynthesisLatency(d time.Duration) {
	m.SynthesisLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
