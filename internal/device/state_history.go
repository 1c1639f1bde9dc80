package device

import (
	"context"
	"time"
)

// State history source values.
const (
	StateHistorySourceGateway = "gateway"
	StateHistorySourceAPI     = "api"
)

// StateHistoryEntry represents a single state patch received for a lock.
//
// Entries keep the patch as received rather than the merged state, so the
// history shows exactly what each report changed.
type StateHistoryEntry struct {
	// ID is the auto-incremented primary key for the history row.
	ID int64 `json:"id"`

	// DeviceID is the lock's device identity.
	DeviceID string `json:"device_id"`

	// Patch is the JSON form of the applied patch.
	Patch State `json:"patch"`

	// Source identifies how the change was recorded (gateway, api).
	Source string `json:"source"`

	// CreatedAt is the timestamp of the change (UTC).
	CreatedAt time.Time `json:"created_at"`
}

// StateHistoryRepository stores and retrieves lock state change history.
//
// Implementations must be thread-safe and use UTC timestamps.
type StateHistoryRepository interface {
	// RecordStateChange records a state patch.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - deviceID: Lock device identity
	//   - patch: Patch to persist
	//   - source: Origin of the change (gateway, api)
	//
	// Returns:
	//   - error: nil on success, otherwise the underlying persistence error
	RecordStateChange(ctx context.Context, deviceID string, patch State, source string) error

	// GetHistory returns recent state change history for the lock.
	//
	// Returns:
	//   - []StateHistoryEntry: Ordered newest-first history entries (may be empty)
	//   - error: nil on success, otherwise the underlying query error
	GetHistory(ctx context.Context, deviceID string, limit int) ([]StateHistoryEntry, error)
}
