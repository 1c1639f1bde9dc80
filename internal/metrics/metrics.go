package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the lock gateway:
// - Device sessions and frame traffic
// - Caller commands and correlation outcomes
// - Asynchronous state-sync / fan-out delivery
// - HTTP API and credential decisions

var (
	// Session Metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lockgate_sessions_active",
			Help: "Current number of open lock TCP connections",
		},
	)

	DevicesBound = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lockgate_devices_bound",
			Help: "Current number of device identities bound to a live session",
		},
	)

	SessionsSuperseded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lockgate_sessions_superseded_total",
			Help: "Total number of sessions replaced by a reconnect of the same device",
		},
	)

	// Frame Metrics
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockgate_frames_received_total",
			Help: "Total number of valid inbound frames",
		},
		[]string{"command"},
	)

	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockgate_frames_sent_total",
			Help: "Total number of outbound frames written",
		},
		[]string{"command"},
	)

	FrameErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockgate_frame_errors_total",
			Help: "Total number of inbound frames rejected",
		},
		[]string{"reason"}, // "parse", "unknown_command", "identity_mismatch"
	)

	// Command Metrics
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockgate_commands_total",
			Help: "Total number of caller commands by outcome",
		},
		[]string{"command", "outcome"}, // "ok", "not_connected", "already_pending", "timeout", "send_failed"
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lockgate_command_duration_seconds",
			Help:    "Time from command write to correlated reply",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 7.5, 10},
		},
		[]string{"command"},
	)

	PendingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lockgate_pending_requests",
			Help: "Current number of exclusive commands awaiting a reply",
		},
	)

	// Delivery Metrics
	NotificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lockgate_notifications_dropped_total",
			Help: "Total number of state/event notifications dropped on a full queue",
		},
	)

	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockgate_notification_failures_total",
			Help: "Total number of failed sink deliveries",
		},
		[]string{"sink"},
	)

	SinkBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lockgate_sink_breaker_state",
			Help: "Circuit breaker state per sink (0=closed, 1=half-open, 2=open)",
		},
		[]string{"sink"},
	)

	// Domain Metrics
	AlarmsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockgate_alarms_total",
			Help: "Total number of alarms reported by locks",
		},
		[]string{"code"},
	)

	CredentialDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockgate_credential_decisions_total",
			Help: "Total number of RFID unlock authorization decisions",
		},
		[]string{"decision"}, // "granted", "denied", "error"
	)

	FirmwareChunksServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lockgate_firmware_chunks_served_total",
			Help: "Total number of firmware upgrade packets sent",
		},
	)

	// API Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockgate_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lockgate_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 15},
		},
		[]string{"method", "route"},
	)

	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lockgate_websocket_clients",
			Help: "Current number of connected WebSocket observers",
		},
	)
)

// RecordCommand records a caller command outcome.
// duration is only observed for successful correlated commands.
func RecordCommand(command, outcome string, duration time.Duration) {
	CommandsTotal.WithLabelValues(command, outcome).Inc()
	if outcome == "ok" && duration > 0 {
		CommandDuration.WithLabelValues(command).Observe(duration.Seconds())
	}
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, route, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordFrameError records a rejected inbound frame.
func RecordFrameError(reason string) {
	FrameErrors.WithLabelValues(reason).Inc()
}
