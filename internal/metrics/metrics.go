// Package metrics exposes Prometheus instrumentation for the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one engine instance.
type Metrics struct {
	registry *prometheus.Registry

	Publishes      *prometheus.CounterVec
	PatchOps       prometheus.Histogram
	DiffDuration   prometheus.Histogram
	Delivered      prometheus.Counter
	Channels       prometheus.Gauge
	Sessions       prometheus.Gauge
	SessionsOpened prometheus.Counter
	Drains         *prometheus.CounterVec
	Resyncs        *prometheus.CounterVec
	PersistErrors  prometheus.Counter
	FramesWritten  *prometheus.CounterVec
}

// New registers the collectors on a fresh registry. Each engine gets its own
// registry so that tests can build many engines in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// result: "patch", "noop", "malformed", "unknown_channel"
		Publishes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "patchsync_publishes_total",
			Help: "Publish calls by result",
		}, []string{"result"}),

		PatchOps: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "patchsync_patch_operations",
			Help:    "Operations per sequenced patch",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		}),

		DiffDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "patchsync_diff_duration_seconds",
			Help:    "Time spent diffing and emitting one publish",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1},
		}),

		Delivered: f.NewCounter(prometheus.CounterOpts{
			Name: "patchsync_patches_enqueued_total",
			Help: "Patches accepted into session queues",
		}),

		Channels: f.NewGauge(prometheus.GaugeOpts{
			Name: "patchsync_channels",
			Help: "Registered channels",
		}),

		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "patchsync_sessions",
			Help: "Open client sessions",
		}),

		SessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "patchsync_sessions_opened_total",
			Help: "Client sessions opened",
		}),

		// reason: "overflow", "gap"
		Drains: f.NewCounterVec(prometheus.CounterOpts{
			Name: "patchsync_session_drains_total",
			Help: "Sessions that dropped their queue, by reason",
		}, []string{"reason"}),

		// mode: "snapshot", "backlog"
		Resyncs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "patchsync_session_loads_total",
			Help: "Sessions loaded with state, by mode",
		}, []string{"mode"}),

		PersistErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "patchsync_persist_errors_total",
			Help: "Failed snapshot writes",
		}),

		// transport: "sse", "ws"
		FramesWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "patchsync_frames_written_total",
			Help: "Patch frames written to clients, by transport",
		}, []string{"transport"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
