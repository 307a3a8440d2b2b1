// Package metrics registers the Prometheus collectors the core exposes,
// constructed per-process (not package-level globals) so tests can build
// an isolated registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector the session supervisor and protocol
// engine update, grounded on the teacher's metrics.go naming conventions
// generalized from a single global connection pool to per-session
// counters.
type Registry struct {
	reg *prometheus.Registry

	SessionsActive   prometheus.Gauge
	SessionsTotal    prometheus.Counter
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal prometheus.Counter

	EnvelopesSent   *prometheus.CounterVec // labels: type
	EnvelopesDropped *prometheus.CounterVec // labels: type, reason

	QueueDepth *prometheus.GaugeVec // labels: session_id

	CommitLogSize *prometheus.GaugeVec // labels: session_id

	ReplayHits   prometheus.Counter
	ReplayMisses prometheus.Counter

	ResumeOutcomes *prometheus.CounterVec // labels: outcome (snapshot, new, gap)

	CUDASessionsInUse prometheus.Gauge

	ErrorsTotal *prometheus.CounterVec // labels: code
}

// New constructs and registers a fresh Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loquilex_sessions_active",
			Help: "Current number of active streaming sessions.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loquilex_sessions_total",
			Help: "Total number of sessions started.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loquilex_connections_active",
			Help: "Current number of active WebSocket connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loquilex_connections_total",
			Help: "Total number of WebSocket connections accepted.",
		}),
		EnvelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loquilex_envelopes_sent_total",
			Help: "Total envelopes delivered to clients, by type.",
		}, []string{"type"}),
		EnvelopesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loquilex_envelopes_dropped_total",
			Help: "Total envelopes dropped by queue policy, by type and reason.",
		}, []string{"type", "reason"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loquilex_queue_depth",
			Help: "Current per-connection outbound queue depth.",
		}, []string{"session_id"}),
		CommitLogSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loquilex_commitlog_size",
			Help: "Current per-session commit log record count.",
		}, []string{"session_id"}),
		ReplayHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loquilex_replay_hits_total",
			Help: "Total resume requests served from the replay buffer.",
		}),
		ReplayMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loquilex_replay_misses_total",
			Help: "Total resume requests that could not be served (gap too large).",
		}),
		ResumeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loquilex_resume_outcomes_total",
			Help: "Resume attempts by outcome.",
		}, []string{"outcome"}),
		CUDASessionsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loquilex_cuda_sessions_in_use",
			Help: "Current number of sessions holding a CUDA exclusivity slot.",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loquilex_errors_total",
			Help: "Total server.error envelopes emitted, by code.",
		}, []string{"code"}),
	}

	reg.MustRegister(
		r.SessionsActive, r.SessionsTotal,
		r.ConnectionsActive, r.ConnectionsTotal,
		r.EnvelopesSent, r.EnvelopesDropped,
		r.QueueDepth, r.CommitLogSize,
		r.ReplayHits, r.ReplayMisses, r.ResumeOutcomes,
		r.CUDASessionsInUse, r.ErrorsTotal,
	)

	return r
}

// Handler returns an http.Handler serving this registry's metrics in the
// Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
