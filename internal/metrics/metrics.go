package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the recording pipeline.
type Metrics struct {
	// Audio pipeline metrics
	ChunksCaptured prometheus.Counter
	ChunksSent     prometheus.Counter
	ChunksBuffered prometheus.Counter
	ChunksFlushed  prometheus.Counter
	BufferedAudio  prometheus.Gauge

	// Transport metrics
	ReconnectAttempts prometheus.Counter
	HeartbeatMisses   prometheus.Counter

	// Capture metrics
	CaptureRestarts prometheus.Counter

	// Session metrics
	SessionsStarted   prometheus.Counter
	SessionsFinalized prometheus.Counter
	SilenceSignals    prometheus.Counter
}

// NewMetrics creates and registers all metrics against the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ChunksCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "aiarec_chunks_captured_total",
			Help: "Total number of audio chunks produced by the capture pipeline",
		}),
		ChunksSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "aiarec_chunks_sent_total",
			Help: "Total number of audio chunks delivered over the stream channel",
		}),
		ChunksBuffered: factory.NewCounter(prometheus.CounterOpts{
			Name: "aiarec_chunks_buffered_total",
			Help: "Total number of audio chunks parked in the retention buffer",
		}),
		ChunksFlushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "aiarec_chunks_flushed_total",
			Help: "Total number of buffered chunks replayed after reconnect",
		}),
		BufferedAudio: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aiarec_buffered_audio_seconds",
			Help: "Seconds of audio currently held in the retention buffer",
		}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "aiarec_reconnect_attempts_total",
			Help: "Total number of stream reconnect attempts",
		}),
		HeartbeatMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "aiarec_heartbeat_misses_total",
			Help: "Total number of heartbeat intervals without an inbound server signal",
		}),
		CaptureRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "aiarec_capture_restarts_total",
			Help: "Total number of capture pipeline restarts after stalls or read failures",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "aiarec_sessions_started_total",
			Help: "Total number of recording sessions started",
		}),
		SessionsFinalized: factory.NewCounter(prometheus.CounterOpts{
			Name: "aiarec_sessions_finalized_total",
			Help: "Total number of recording sessions finalized",
		}),
		SilenceSignals: factory.NewCounter(prometheus.CounterOpts{
			Name: "aiarec_silence_signals_total",
			Help: "Total number of sustained-silence notifications raised",
		}),
	}
}
