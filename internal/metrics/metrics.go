package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains the engine's Prometheus collectors.
type Metrics struct {
	// Transport metrics
	TransportsActive  *prometheus.GaugeVec
	Joins             *prometheus.CounterVec
	Migrations        prometheus.Counter
	ForcedDisconnects prometheus.Counter
	RTPPacketsSent    prometheus.Counter
	RTPPacketsDropped prometheus.Counter
	PlaybackDuration  *prometheus.HistogramVec

	// Pipeline metrics
	Utterances         *prometheus.CounterVec
	UtteranceDuration  prometheus.Histogram
	ProcessingDuration prometheus.Histogram
	ProcessingFailures *prometheus.CounterVec
	BufferEvictions    prometheus.Counter
	IdentityMisses     prometheus.Counter

	// Archive metrics
	ArchiveWrites *prometheus.CounterVec
}

var (
	defaultOnce sync.Once
	defaultM    *Metrics
)

// Default returns collectors registered with the global Prometheus registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultM = New(prometheus.DefaultRegisterer)
	})
	return defaultM
}

// New creates collectors registered with reg. A nil reg creates unregistered
// collectors, which tests use to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TransportsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voice_transports_active",
			Help: "Current number of connected voice transports",
		}, []string{"kind"}),
		Joins: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_joins_total",
			Help: "Voice join attempts by result",
		}, []string{"result"}),
		Migrations: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_server_migrations_total",
			Help: "Transports recreated after a voice server change",
		}),
		ForcedDisconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_forced_disconnects_total",
			Help: "Transports destroyed because the voice server was withdrawn",
		}),
		RTPPacketsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_rtp_packets_sent_total",
			Help: "Encrypted RTP packets sent on the legacy transport",
		}),
		RTPPacketsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_rtp_packets_dropped_total",
			Help: "Packets dropped because the transport was not ready",
		}),
		PlaybackDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voice_playback_duration_seconds",
			Help:    "Wall time spent playing one reply",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40},
		}, []string{"kind"}),
		Utterances: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_utterances_total",
			Help: "Utterances by gate result",
		}, []string{"result"}),
		UtteranceDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_utterance_audio_seconds",
			Help:    "Buffered audio length of accepted utterances",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 20},
		}),
		ProcessingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_utterance_processing_seconds",
			Help:    "Time from dequeue to end of reply playback",
			Buckets: prometheus.DefBuckets,
		}),
		ProcessingFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_utterance_failures_total",
			Help: "Processing failures by stage",
		}, []string{"stage"}),
		BufferEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_buffer_evicted_chunks_total",
			Help: "PCM chunks evicted to respect the per-participant cap",
		}),
		IdentityMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_identity_misses_total",
			Help: "Frames or speaker events that matched no subscribed participant",
		}),
		ArchiveWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_archive_writes_total",
			Help: "Utterance archive writes by backend and result",
		}, []string{"backend", "result"}),
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
