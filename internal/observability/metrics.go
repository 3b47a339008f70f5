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
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	FramesProcessed   prometheus.Counter
	DroppedFrames     prometheus.Counter
	NoiseReduction    prometheus.Histogram
	VADTransitions    *prometheus.CounterVec
	EmotionCommits    *prometheus.CounterVec
	SynthFallbacks    prometheus.Counter
	ChunkLoadLatency  prometheus.Histogram
	FirstAudioLatency prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active voice sessions.",
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
		FramesProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_processed_total",
			Help:      "Audio frames pushed through the processing pipeline.",
		}),
		DroppedFrames: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped by slow consumers.",
		}),
		NoiseReduction: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "noise_reduction_fraction",
			Help:      "Fractional RMS removed by spectral suppression per frame.",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.7, 0.9},
		}),
		VADTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vad_transitions_total",
			Help:      "Voice activity transitions by kind.",
		}, []string{"kind"}),
		EmotionCommits: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emotion_commits_total",
			Help:      "Committed emotion detections by primary category.",
		}, []string{"emotion"}),
		SynthFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_fallbacks_total",
			Help:      "Chunks synthesized by the local fallback after a network failure.",
		}),
		ChunkLoadLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_load_latency_ms",
			Help:      "Synthesis chunk load latency in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 800, 1200, 2000},
		}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from speak request to first audio chunk in milliseconds.",
			Buckets:   []float64{50, 100, 150, 200, 300, 500, 900, 1500},
		}),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveChunkLoad(d time.Duration) {
	m.ChunkLoadLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
