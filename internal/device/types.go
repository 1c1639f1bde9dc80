package device

import (
	"encoding/json"
	"fmt"
	"time"
)

// State holds the merged telemetry and status fields reported by a lock.
// Keys are the patch keys produced by the gateway ("locked", "battery",
// "latitude", ...). Values are JSON-compatible.
type State map[string]any

// Keys the repository lifts out of the state into dedicated columns.
const (
	stateOnline       = "online"
	stateFirmwareType = "firmware_type"
)

// Lock is the persisted view of a smart lock.
type Lock struct {
	// ID is the lock's device identity as sent in every frame.
	ID string `json:"id"`

	// DeviceType is the firmware model (e.g. "OMNI"), once reported.
	DeviceType string `json:"device_type,omitempty"`

	// Name is an optional operator-assigned label.
	Name string `json:"name,omitempty"`

	// Online reports whether the lock currently holds a TCP session.
	Online bool `json:"online"`

	// State is the merge of every patch received for this lock.
	State State `json:"state"`

	// LastSeen is when the lock last reported while online.
	LastSeen *time.Time `json:"last_seen,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy creates a deep copy of the Lock.
// The state map is recursively copied so callers can mutate the result
// without affecting cached data.
func (l *Lock) DeepCopy() *Lock {
	if l == nil {
		return nil
	}
	cpy := *l
	cpy.State = deepCopyMap(l.State)
	if l.LastSeen != nil {
		t := *l.LastSeen
		cpy.LastSeen = &t
	}
	return &cpy
}

// deepCopyMap recursively copies a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case State:
		return State(deepCopyMap(val))
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v
	}
}

// NormalizeState converts a patch into its JSON form (times become RFC 3339
// strings, numbers become float64) so cached and reloaded state compare equal.
func NormalizeState(patch map[string]any) (State, error) {
	if len(patch) == 0 {
		return State{}, nil
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	var out State
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	return out, nil
}
