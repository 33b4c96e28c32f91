// Package metrics exposes Prometheus counters for tracker domain mutations.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RelationshipsCreated counts relationships established through invite
	// acceptance or request acceptance.
	RelationshipsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keybound_relationships_created_total",
		Help: "Number of relationships established.",
	})

	// SessionsStarted counts wearing sessions started.
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keybound_sessions_started_total",
		Help: "Number of wearing sessions started.",
	})

	// SessionsEnded counts wearing sessions ended.
	SessionsEnded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keybound_sessions_ended_total",
		Help: "Number of wearing sessions ended.",
	})

	// TaskTransitions counts task status transitions by resulting status.
	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keybound_task_transitions_total",
		Help: "Number of task status transitions by resulting status.",
	}, []string{"status"})

	// EventsLogged counts audit events appended.
	EventsLogged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keybound_events_logged_total",
		Help: "Number of audit events appended.",
	})

	// WriteConflicts counts conditional writes rejected by the store.
	WriteConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keybound_write_conflicts_total",
		Help: "Number of optimistic writes that lost a race.",
	})
)

// Handler returns the HTTP handler serving the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
