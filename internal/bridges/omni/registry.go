package omni

import (
	"sort"
	"sync"

	"github.com/nerrad567/lockgate/internal/metrics"
)

// Registry maps device identities to their current live session.
//
// Registration is last-writer-wins; unregistration is identity-guarded so a
// stale connection's disconnect cannot evict a newer one.
//
// Thread Safety: All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register binds deviceID to s, replacing any existing mapping.
//
// Returns:
//   - *Session: The superseded session, or nil if there was none or it was s
func (r *Registry) Register(deviceID string, s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.sessions[deviceID]
	r.sessions[deviceID] = s
	metrics.DevicesBound.Set(float64(len(r.sessions)))
	if prev == s {
		return nil
	}
	if prev != nil {
		prev.superseded.Store(true)
	}
	return prev
}

// Unregister removes the mapping for s's device identity only if it still
// points at s. Returns true if an entry was removed.
func (r *Registry) Unregister(s *Session) bool {
	if s == nil {
		return false
	}
	deviceID := s.DeviceID()
	if deviceID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[deviceID] != s {
		return false
	}
	delete(r.sessions, deviceID)
	metrics.DevicesBound.Set(float64(len(r.sessions)))
	return true
}

// Release is called once when s's connection ends. It removes s's mapping
// like Unregister and reports whether the device is now offline: true when s
// was the live session, or when s was already evicted and nothing has
// replaced it. A superseded session never reports offline.
func (r *Registry) Release(s *Session) bool {
	if s == nil {
		return false
	}
	deviceID := s.DeviceID()
	if deviceID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch cur := r.sessions[deviceID]; cur {
	case s:
		delete(r.sessions, deviceID)
		metrics.DevicesBound.Set(float64(len(r.sessions)))
		return true
	case nil:
		return !s.superseded.Load()
	default:
		return false
	}
}

// Lookup returns the live session for deviceID.
func (r *Registry) Lookup(deviceID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[deviceID]
	return s, ok
}

// Len returns the number of bound devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns session info for every bound device, sorted by device ID.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].DeviceID < infos[j].DeviceID })
	return infos
}
