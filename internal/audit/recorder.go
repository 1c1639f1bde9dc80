package audit

import (
	"context"
	"sync"

	"github.com/nerrad567/lockgate/internal/bridges/omni"
)

// Logger is the logging interface used by the Recorder.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Recorder writes audit entries for commands and credential decisions.
//
// Command recording never fails the caller: a storage error is logged and
// the command result stands. As an omni.EventSink it returns storage errors
// so the notifier's breaker sees them.
type Recorder struct {
	repo Repository

	logger   Logger
	loggerMu sync.RWMutex
}

// NewRecorder creates a Recorder backed by repo.
func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo, logger: noopLogger{}}
}

// SetLogger sets the logger for storage failures.
func (r *Recorder) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	defer r.loggerMu.Unlock()
	r.logger = logger
}

// RecordCommand stores a caller command and its outcome.
//
// Parameters:
//   - source: SourceAPI or SourceMQTT
//   - userID: Authenticated caller, empty when unknown
//   - deviceID: Target lock
//   - command: Command name ("unlock", "info", ...)
//   - outcome: omni.Outcome of the command error
func (r *Recorder) RecordCommand(ctx context.Context, source, userID, deviceID, command, outcome string) {
	r.record(ctx, &AuditLog{
		Action:     ActionCommand,
		EntityType: EntityLock,
		EntityID:   deviceID,
		UserID:     userID,
		Source:     source,
		Details:    map[string]any{"command": command, "outcome": outcome},
	})
}

// RecordCredentialChange stores a credential create or delete.
func (r *Recorder) RecordCredentialChange(ctx context.Context, action, userID, credentialID, label string) {
	details := map[string]any{}
	if label != "" {
		details["label"] = label
	}
	r.record(ctx, &AuditLog{
		Action:     action,
		EntityType: EntityCredential,
		EntityID:   credentialID,
		UserID:     userID,
		Source:     SourceAPI,
		Details:    details,
	})
}

// PublishEvent records credential decisions reported by the gateway.
// Other event types are ignored.
func (r *Recorder) PublishEvent(ctx context.Context, ev omni.Event) error {
	var action string
	switch ev.Type {
	case omni.EventCredentialGranted:
		action = ActionCredentialGranted
	case omni.EventCredentialDenied:
		action = ActionCredentialDenied
	default:
		return nil
	}

	details := map[string]any{}
	if info, ok := ev.Payload.(map[string]any); ok {
		for k, v := range info {
			details[k] = v
		}
		if card, ok := details["card"].(string); ok {
			details["card"] = omni.MaskCard(card)
		}
	}

	return r.repo.Create(ctx, &AuditLog{
		Action:     action,
		EntityType: EntityLock,
		EntityID:   ev.DeviceID,
		Source:     SourceGateway,
		Details:    details,
		CreatedAt:  ev.Timestamp.UTC(),
	})
}

func (r *Recorder) record(ctx context.Context, log *AuditLog) {
	if err := r.repo.Create(ctx, log); err != nil {
		r.loggerMu.RLock()
		logger := r.logger
		r.loggerMu.RUnlock()
		logger.Warn("writing audit log failed", "action", log.Action, "entity_id", log.EntityID, "error", err)
	}
}
