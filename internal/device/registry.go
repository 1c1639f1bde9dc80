package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry provides lock state management with caching and thread safety.
// It wraps a Repository and adds an in-memory cache for fast lookups.
//
// The cache is populated on startup via RefreshCache() and kept in sync by
// every write going through the registry. Registry implements the gateway's
// state sink: each patch is merged, cached and recorded in the history.
//
// All public methods are thread-safe.
type Registry struct {
	repo    Repository
	history StateHistoryRepository // optional
	cache   map[string]*Lock
	cacheMu sync.RWMutex
	logger  Logger
	now     func() time.Time
}

// NewRegistry creates a new lock registry.
// history may be nil to disable state history.
func NewRegistry(repo Repository, history StateHistoryRepository) *Registry {
	return &Registry{
		repo:    repo,
		history: history,
		cache:   make(map[string]*Lock),
		logger:  noopLogger{},
		now:     time.Now,
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all locks from the repository into the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	locks, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading locks: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]*Lock, len(locks))
	for i := range locks {
		r.cache[locks[i].ID] = locks[i].DeepCopy()
	}

	r.logger.Info("lock cache refreshed", "count", len(locks))
	return nil
}

// MarkAllOffline clears the presence flag of every cached lock that is
// still marked online. Called at startup, before any lock can connect, so
// state left behind by an unclean shutdown does not report phantom sessions.
func (r *Registry) MarkAllOffline(ctx context.Context) error {
	r.cacheMu.RLock()
	var stale []string
	for id, l := range r.cache {
		if l.Online {
			stale = append(stale, id)
		}
	}
	r.cacheMu.RUnlock()

	for _, id := range stale {
		if err := r.UpsertState(ctx, id, map[string]any{stateOnline: false}); err != nil {
			return err
		}
	}
	return nil
}

// GetLock retrieves a lock by device identity.
// Returns ErrLockNotFound if the lock has never reported.
// The returned lock is a deep copy; callers can safely modify it.
func (r *Registry) GetLock(ctx context.Context, id string) (*Lock, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()

	if ok {
		return cached.DeepCopy(), nil
	}

	lock, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[id] = lock.DeepCopy()
	r.cacheMu.Unlock()

	return lock, nil
}

// ListLocks returns every cached lock ordered by ID.
// The returned locks are deep copies; callers can safely modify them.
func (r *Registry) ListLocks() []Lock {
	r.cacheMu.RLock()
	locks := make([]Lock, 0, len(r.cache))
	for _, l := range r.cache {
		locks = append(locks, *l.DeepCopy())
	}
	r.cacheMu.RUnlock()

	sort.Slice(locks, func(i, j int) bool { return locks[i].ID < locks[j].ID })
	return locks
}

// UpsertState merges a state patch into the lock's persisted state, creating
// the lock on first sight, and records the patch in the state history.
//
// A history write failure is logged and does not fail the update.
func (r *Registry) UpsertState(ctx context.Context, id string, patch map[string]any) error {
	return r.upsert(ctx, id, patch, StateHistorySourceGateway)
}

// SetState applies an operator-supplied patch, recorded with source "api".
func (r *Registry) SetState(ctx context.Context, id string, patch map[string]any) error {
	if _, err := r.GetLock(ctx, id); err != nil {
		return err
	}
	return r.upsert(ctx, id, patch, StateHistorySourceAPI)
}

func (r *Registry) upsert(ctx context.Context, id string, patch map[string]any, source string) error {
	if id == "" {
		return ErrInvalidID
	}
	normalized, err := NormalizeState(patch)
	if err != nil {
		return err
	}

	lock, err := r.repo.MergeState(ctx, id, normalized, r.now())
	if err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[id] = lock.DeepCopy()
	r.cacheMu.Unlock()

	if r.history != nil {
		if err := r.history.RecordStateChange(ctx, id, normalized, source); err != nil {
			r.logger.Warn("recording state history failed", "device_id", id, "error", err)
		}
	}

	r.logger.Debug("lock state updated", "device_id", id, "keys", len(normalized))
	return nil
}

// SetName sets the operator label of a lock.
func (r *Registry) SetName(ctx context.Context, id, name string) error {
	if err := r.repo.SetName(ctx, id, name); err != nil {
		return err
	}

	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		updated := cached.DeepCopy()
		updated.Name = name
		updated.UpdatedAt = r.now().UTC()
		r.cache[id] = updated
	}
	r.cacheMu.Unlock()
	return nil
}

// DeleteLock forgets a lock. It reappears on its next report.
func (r *Registry) DeleteLock(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()

	r.logger.Info("lock deleted", "device_id", id)
	return nil
}

// History returns recent state patches for a lock, newest first.
func (r *Registry) History(ctx context.Context, id string, limit int) ([]StateHistoryEntry, error) {
	if r.history == nil {
		return []StateHistoryEntry{}, nil
	}
	return r.history.GetHistory(ctx, id, limit)
}

// Stats holds registry statistics.
type Stats struct {
	Total   int `json:"total"`
	Online  int `json:"online"`
	Offline int `json:"offline"`
}

// GetStats returns registry statistics from the cache.
func (r *Registry) GetStats() Stats {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	stats := Stats{Total: len(r.cache)}
	for _, l := range r.cache {
		if l.Online {
			stats.Online++
		} else {
			stats.Offline++
		}
	}
	return stats
}
