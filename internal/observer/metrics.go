package observer

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsEnabled = true // Flag to control metric collection

	tenantLabels        = []string{"tenant_id"}
	tenantStateLabels   = []string{"tenant_id", "state"}
	tenantOutcomeLabels = []string{"tenant_id", "outcome"}

	// ConnectionTransitionsTotal counts state changes of per-tenant connections.
	ConnectionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_fleet_connection_transitions_total",
			Help: "Total number of connection state transitions, labeled by target state.",
		},
		tenantStateLabels,
	)
	// ReconnectsScheduledTotal counts armed reconnect timers.
	ReconnectsScheduledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_fleet_reconnects_scheduled_total",
			Help: "Total number of reconnect attempts scheduled after a recoverable close.",
		},
		tenantLabels,
	)
	// ActiveSessions is the number of connections held by the session manager.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_fleet_active_sessions",
		Help: "Current number of sessions registered in the session manager.",
	})

	// InboundEventsTotal counts inbound events by the pipeline stage that finished them.
	InboundEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_fleet_inbound_events_total",
			Help: "Total number of inbound events, labeled by pipeline outcome.",
		},
		tenantOutcomeLabels,
	)
	// PipelineDurationSeconds observes the time spent in the gate per event.
	PipelineDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bot_fleet_pipeline_duration_seconds",
			Help:    "Histogram of inbound pipeline durations.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
		},
		tenantOutcomeLabels,
	)
	// DispatcherQueuedEvents is the number of events waiting in per-conversation queues.
	DispatcherQueuedEvents = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_fleet_dispatcher_queued_events",
			Help: "Current number of inbound events queued behind their conversation.",
		},
		tenantLabels,
	)
	DispatcherOverflowTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_fleet_dispatcher_overflow_total",
			Help: "Total number of conversation drainers started outside the saturated worker pool.",
		},
		tenantLabels,
	)

	// ResponderDurationSeconds observes responder calls.
	ResponderDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bot_fleet_responder_duration_seconds",
			Help:    "Histogram of responder call durations.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"operation", "status"},
	)

	// BroadcastRecipientsTotal counts terminal recipient results.
	BroadcastRecipientsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_fleet_broadcast_recipients_total",
			Help: "Total number of campaign recipients, labeled by terminal result.",
		},
		[]string{"tenant_id", "result"},
	)
	// BroadcastSendAttemptsTotal counts individual send attempts, retries included.
	BroadcastSendAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_fleet_broadcast_send_attempts_total",
			Help: "Total number of campaign send attempts.",
		},
		tenantLabels,
	)
	// ActiveCampaigns is the number of campaigns currently running.
	ActiveCampaigns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_fleet_active_campaigns",
		Help: "Current number of running broadcast campaigns.",
	})

	// RemindersFiredTotal counts reminder dispatches.
	RemindersFiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_fleet_reminders_fired_total",
			Help: "Total number of reminders processed by the scheduler, labeled by status.",
		},
		[]string{"tenant_id", "status"},
	)

	// EventsPublishedTotal counts sink publications to NATS.
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_fleet_events_published_total",
			Help: "Total number of bot events published, labeled by kind and status.",
		},
		[]string{"kind", "status"},
	)

	// ControlCommandsTotal counts control plane commands.
	ControlCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_fleet_control_commands_total",
			Help: "Total number of control commands handled, labeled by command and error type.",
		},
		[]string{"command", "error_type"},
	)

	// RetentionDeletedTotal counts rows removed by the retention job.
	RetentionDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_fleet_retention_deleted_total",
			Help: "Total number of messages deleted by the retention job, labeled by rule.",
		},
		[]string{"rule"},
	)
)

// Labels for database operations
var (
	dbOperationLabels = []string{"operation", "entity", "tenant_id", "status"}

	DatabaseOperationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bot_fleet_db_operation_duration_seconds",
			Help:    "Histogram of database operation durations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		dbOperationLabels,
	)
)

// InitMetrics toggles metric collection. Metrics are registered by promauto regardless.
func InitMetrics(enabled bool) {
	metricsEnabled = enabled
}

// sanitizeTenant ensures the tenant label is valid or returns a default value.
func sanitizeTenant(tenant string) string {
	if tenant == "" {
		return "unknown"
	}
	return tenant
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// IncConnectionTransition records a connection entering state.
func IncConnectionTransition(tenantID, state string) {
	if !metricsEnabled {
		return
	}
	ConnectionTransitionsTotal.WithLabelValues(sanitizeTenant(tenantID), strings.ToLower(state)).Inc()
}

// IncReconnectScheduled records an armed reconnect timer.
func IncReconnectScheduled(tenantID string) {
	if !metricsEnabled {
		return
	}
	ReconnectsScheduledTotal.WithLabelValues(sanitizeTenant(tenantID)).Inc()
}

// SetActiveSessions sets the current session count.
func SetActiveSessions(n int) {
	if !metricsEnabled {
		return
	}
	ActiveSessions.Set(float64(n))
}

// ObservePipeline records the outcome and duration of one inbound event.
func ObservePipeline(tenantID, outcome string, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	InboundEventsTotal.WithLabelValues(sanitizeTenant(tenantID), outcome).Inc()
	PipelineDurationSeconds.WithLabelValues(sanitizeTenant(tenantID), outcome).Observe(duration.Seconds())
}

// AddDispatcherQueued adjusts the queued event gauge for a tenant.
func AddDispatcherQueued(tenantID string, delta int) {
	if !metricsEnabled {
		return
	}
	DispatcherQueuedEvents.WithLabelValues(sanitizeTenant(tenantID)).Add(float64(delta))
}

// IncDispatcherOverflow counts a drainer that ran outside the pool.
func IncDispatcherOverflow(tenantID string) {
	if !metricsEnabled {
		return
	}
	DispatcherOverflowTotal.WithLabelValues(sanitizeTenant(tenantID)).Inc()
}

// ObserveResponder records a responder call.
func ObserveResponder(operation string, duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	ResponderDurationSeconds.WithLabelValues(operation, statusOf(err)).Observe(duration.Seconds())
}

// IncBroadcastRecipient records a terminal recipient result.
func IncBroadcastRecipient(tenantID, result string) {
	if !metricsEnabled {
		return
	}
	BroadcastRecipientsTotal.WithLabelValues(sanitizeTenant(tenantID), strings.ToLower(result)).Inc()
}

// IncBroadcastAttempt records one send attempt.
func IncBroadcastAttempt(tenantID string) {
	if !metricsEnabled {
		return
	}
	BroadcastSendAttemptsTotal.WithLabelValues(sanitizeTenant(tenantID)).Inc()
}

// AddActiveCampaigns adjusts the running campaign gauge.
func AddActiveCampaigns(delta int) {
	if !metricsEnabled {
		return
	}
	ActiveCampaigns.Add(float64(delta))
}

// IncReminderFired records a reminder dispatch.
func IncReminderFired(tenantID string, err error) {
	if !metricsEnabled {
		return
	}
	RemindersFiredTotal.WithLabelValues(sanitizeTenant(tenantID), statusOf(err)).Inc()
}

// IncEventPublished records a sink publication.
func IncEventPublished(kind string, err error) {
	if !metricsEnabled {
		return
	}
	EventsPublishedTotal.WithLabelValues(kind, statusOf(err)).Inc()
}

// IncControlCommand records a handled control command.
func IncControlCommand(command string, err error) {
	if !metricsEnabled {
		return
	}
	errType := "none"
	if err != nil {
		errType = SanitizeErrorType(err.Error())
	}
	ControlCommandsTotal.WithLabelValues(command, errType).Inc()
}

// AddRetentionDeleted records rows removed by one retention rule.
func AddRetentionDeleted(rule string, n int64) {
	if !metricsEnabled || n <= 0 {
		return
	}
	RetentionDeletedTotal.WithLabelValues(rule).Add(float64(n))
}

// ObserveDbOperationDuration records the duration for a database operation.
func ObserveDbOperationDuration(operation, entity, tenantID string, duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	DatabaseOperationDurationSeconds.WithLabelValues(operation, entity, sanitizeTenant(tenantID), statusOf(err)).Observe(duration.Seconds())
}

// SanitizeErrorType maps specific errors or provides a default category.
// Keep this simple to avoid high cardinality.
func SanitizeErrorType(errStr string) string {
	if errStr == "" || errStr == "none" {
		return "none"
	}

	switch {
	case strings.Contains(errStr, "database"), strings.Contains(errStr, "SQL"), strings.Contains(errStr, "duplicate"), strings.Contains(errStr, "constraint"):
		return "database"
	case strings.Contains(errStr, "validation failed"), strings.Contains(errStr, "bad request"), strings.Contains(errStr, "invalid"):
		return "validation"
	case strings.Contains(errStr, "not found"), strings.Contains(errStr, "no rows"):
		return "not_found"
	case strings.Contains(errStr, "not connected"), strings.Contains(errStr, "transport"):
		return "transport"
	case strings.Contains(errStr, "nats"), strings.Contains(errStr, "jetstream"):
		return "nats"
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errStr, "unmarshal"), strings.Contains(errStr, "json"):
		return "unmarshal"
	case strings.Contains(errStr, "panic"):
		return "panic"
	default:
		return "unknown"
	}
}
