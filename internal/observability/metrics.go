package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the core's operational metrics.
//
// All recording methods are nil-safe so components can run without
// metrics wired (tests, embedded use).
type Metrics struct {
	// EventsAppended counts events written to the log.
	// Labels: type (event type)
	EventsAppended *prometheus.CounterVec

	// EventAppendFailures counts failed appends.
	// Labels: stage (sequence|store)
	EventAppendFailures *prometheus.CounterVec

	// RateLimitDecisions counts admission outcomes.
	// Labels: outcome (admitted|rejected|fail_open)
	RateLimitDecisions *prometheus.CounterVec

	// QueueJobs counts job state transitions.
	// Labels: lane, status (enqueued|succeeded|retried|failed)
	QueueJobs *prometheus.CounterVec

	// QueueJobDuration measures handler execution time in seconds.
	// Labels: lane
	QueueJobDuration *prometheus.HistogramVec

	// ApprovalsResolved counts terminal approval transitions.
	// Labels: outcome (approved|rejected|expired)
	ApprovalsResolved *prometheus.CounterVec

	// ApprovalsPending is a gauge of registered in-process waiters.
	ApprovalsPending prometheus.Gauge

	// NotificationsDropped counts envelopes dropped on full subscriber buffers.
	NotificationsDropped prometheus.Counter
}

// NewMetrics creates and registers the metric set with the given
// registerer (nil means the default registry).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		EventsAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_events_appended_total",
			Help: "Events appended to the session event log.",
		}, []string{"type"}),

		EventAppendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_event_append_failures_total",
			Help: "Failed event appends by stage.",
		}, []string{"stage"}),

		RateLimitDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_ratelimit_decisions_total",
			Help: "Rate limit admission outcomes.",
		}, []string{"outcome"}),

		QueueJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_queue_jobs_total",
			Help: "Work queue job transitions by lane and status.",
		}, []string{"lane", "status"}),

		QueueJobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentcore_queue_job_duration_seconds",
			Help:    "Work queue handler duration.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"lane"}),

		ApprovalsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_approvals_resolved_total",
			Help: "Approval requests reaching a terminal state.",
		}, []string{"outcome"}),

		ApprovalsPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentcore_approvals_pending",
			Help: "Approval waiters currently registered in this process.",
		}),

		NotificationsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentcore_notifications_dropped_total",
			Help: "Notification envelopes dropped on full subscriber buffers.",
		}),
	}
}

// EventAppended records a successful append.
func (m *Metrics) EventAppended(eventType string) {
	if m == nil {
		return
	}
	m.EventsAppended.WithLabelValues(eventType).Inc()
}

// EventAppendFailed records a failed append.
func (m *Metrics) EventAppendFailed(stage string) {
	if m == nil {
		return
	}
	m.EventAppendFailures.WithLabelValues(stage).Inc()
}

// RateLimitDecision records an admission outcome.
func (m *Metrics) RateLimitDecision(outcome string) {
	if m == nil {
		return
	}
	m.RateLimitDecisions.WithLabelValues(outcome).Inc()
}

// QueueJob records a job transition.
func (m *Metrics) QueueJob(lane, status string) {
	if m == nil {
		return
	}
	m.QueueJobs.WithLabelValues(lane, status).Inc()
}

// ObserveQueueJobDuration records handler execution time.
func (m *Metrics) ObserveQueueJobDuration(lane string, seconds float64) {
	if m == nil {
		return
	}
	m.QueueJobDuration.WithLabelValues(lane).Observe(seconds)
}

// ApprovalResolved records a terminal approval transition.
func (m *Metrics) ApprovalResolved(outcome string) {
	if m == nil {
		return
	}
	m.ApprovalsResolved.WithLabelValues(outcome).Inc()
}

// ApprovalWaiterAdded tracks waiter registration.
func (m *Metrics) ApprovalWaiterAdded() {
	if m == nil {
		return
	}
	m.ApprovalsPending.Inc()
}

// ApprovalWaiterRemoved tracks waiter removal.
func (m *Metrics) ApprovalWaiterRemoved() {
	if m == nil {
		return
	}
	m.ApprovalsPending.Dec()
}

// NotificationDropped records a dropped envelope.
func (m *Metrics) NotificationDropped() {
	if m == nil {
		return
	}
	m.NotificationsDropped.Inc()
}
