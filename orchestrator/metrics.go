package orchestrator

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dshills/agentpipeline/sessionstore"
)

// Metrics holds the Prometheus collectors for the façade's HTTP surface,
// namespaced "orchestrator_" per spec.md §6.
type Metrics struct {
	gatherer prometheus.Gatherer

	sessionsTotal    prometheus.Counter
	sessionsByStatus *prometheus.GaugeVec
	approvalsTotal   prometheus.Counter
	rejectionsTotal  prometheus.Counter
}

// NewMetrics registers the orchestrator's counters/gauges against registry.
// A nil registry uses the global default registerer/gatherer pair.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if registry != nil {
		reg = registry
		gatherer = registry
	}
	factory := promauto.With(reg)

	return &Metrics{
		gatherer:         gatherer,
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "sessions_total",
			Help:      "Cumulative count of sessions started.",
		}),
		sessionsByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "sessions_by_status",
			Help:      "Current number of sessions in each denormalized status.",
		}, []string{"status"}),
		approvalsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "approvals_total",
			Help:      "Cumulative count of human-gate approvals.",
		}),
		rejectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "rejections_total",
			Help:      "Cumulative count of human-gate rejections.",
		}),
	}
}

// refreshSessionsByStatus recomputes the sessions_by_status gauge from the session store's
// current rows. Called on each /metrics scrape rather than kept incrementally
// in sync, since status transitions happen inside the façade's own calls and
// TTL expiry happens lazily on read.
func (m *Metrics) refreshSessionsByStatus(f *Facade) {
	statuses := []sessionstore.Status{
		sessionstore.StatusPending, sessionstore.StatusRunning, sessionstore.StatusAwaitingApproval,
		sessionstore.StatusCompleted, sessionstore.StatusFailed, sessionstore.StatusExpired,
	}
	ctx := context.Background()
	for _, status := range statuses {
		infos, err := f.store.ListSessions(ctx, status, 0)
		if err != nil {
			continue
		}
		m.sessionsByStatus.WithLabelValues(string(status)).Set(float64(len(infos)))
	}
}
