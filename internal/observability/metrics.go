package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the recording core. Session
// names are used as labels; a process records a handful of sources at most.
type Metrics struct {
	registry *prometheus.Registry

	FramesEncoded      *prometheus.CounterVec
	PipelineErrors     *prometheus.CounterVec
	SegmentsDiscovered *prometheus.CounterVec
	SignaturesWritten  *prometheus.CounterVec
	SignatureFailures  *prometheus.CounterVec
	WatchdogFires      *prometheus.CounterVec
	SessionState       *prometheus.GaugeVec
	SessionsSwept      prometheus.Counter
}

// NewMetrics creates the collectors on a private registry that also exposes
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		FramesEncoded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "capturr_frames_encoded_total",
			Help: "Frames submitted to the encoder, by session.",
		}, []string{"session"}),
		PipelineErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "capturr_pipeline_errors_total",
			Help: "Capture, convert or encode failures, by session.",
		}, []string{"session"}),
		SegmentsDiscovered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "capturr_segments_discovered_total",
			Help: "Segments discovered by the segment monitor, by session.",
		}, []string{"session"}),
		SignaturesWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "capturr_signatures_written_total",
			Help: "Signature artifacts written, by session.",
		}, []string{"session"}),
		SignatureFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "capturr_signature_failures_total",
			Help: "Signature attempts that failed, by session.",
		}, []string{"session"}),
		WatchdogFires: f.NewCounterVec(prometheus.CounterOpts{
			Name: "capturr_watchdog_fires_total",
			Help: "Sessions force-stopped by the stall watchdog, by session.",
		}, []string{"session"}),
		SessionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "capturr_session_state",
			Help: "Lifecycle state of each session (0 idle, 1 recording, 2 stopping, 3 stopped, 4 failed).",
		}, []string{"session"}),
		SessionsSwept: f.NewCounter(prometheus.CounterOpts{
			Name: "capturr_sessions_swept_total",
			Help: "Finished sessions removed by the registry sweep.",
		}),
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
