package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors used by the feed server.
type Registry struct {
	reg *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SamplesAppended prometheus.Counter
	RingSize        prometheus.Gauge
	FramesSent      *prometheus.CounterVec
	SeqGaps         prometheus.Counter
	SeriesGaps      prometheus.Counter
	HeartbeatsSent  prometheus.Counter
	ResumeTruncated prometheus.Counter
	ProtocolErrors  prometheus.Counter
}

// NewRegistry creates all collectors on a private Prometheus registry so
// multiple servers can coexist in one process (tests rely on this).
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "feed_sessions_active",
			Help: "Number of client sessions currently connected",
		}),
		SamplesAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "feed_samples_appended_total",
			Help: "Total samples appended to the ring by producers",
		}),
		RingSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "feed_ring_size",
			Help: "Number of samples currently retained in the ring",
		}),
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_frames_sent_total",
			Help: "Total frames written to clients by frame type",
		}, []string{"type"}),
		SeqGaps: factory.NewCounter(prometheus.CounterOpts{
			Name: "feed_seq_gaps_total",
			Help: "Global sequence gaps observed by live senders (ring truncation)",
		}),
		SeriesGaps: factory.NewCounter(prometheus.CounterOpts{
			Name: "feed_series_gaps_total",
			Help: "Per-series sequence gaps observed by live senders",
		}),
		HeartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "feed_heartbeats_sent_total",
			Help: "Total heartbeat frames sent",
		}),
		ResumeTruncated: factory.NewCounter(prometheus.CounterOpts{
			Name: "feed_resume_truncated_total",
			Help: "Resumes that requested a seq older than the retention window",
		}),
		ProtocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "feed_protocol_errors_total",
			Help: "Client protocol violations (bad or missing resume frames)",
		}),
	}
}

// Handler returns an HTTP handler exposing this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
