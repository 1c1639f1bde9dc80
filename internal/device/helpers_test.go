package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/lockgate/internal/infrastructure/database"
	"github.com/nerrad567/lockgate/migrations"
)

// openTestDB opens a migrated in-memory database.
func openTestDB(t testing.TB) *database.DB {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Path: database.MemoryPath, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return db
}

// MockRepository is a test implementation of Repository.
type MockRepository struct {
	mu    sync.Mutex
	locks map[string]*Lock

	mergeErr error
	calls    int
}

func NewMockRepository() *MockRepository {
	return &MockRepository{locks: make(map[string]*Lock)}
}

func (m *MockRepository) GetByID(_ context.Context, id string) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[id]; ok {
		return l.DeepCopy(), nil
	}
	return nil, ErrLockNotFound
}

func (m *MockRepository) List(_ context.Context) ([]Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	locks := make([]Lock, 0, len(m.locks))
	for _, l := range m.locks {
		locks = append(locks, *l.DeepCopy())
	}
	return locks, nil
}

func (m *MockRepository) MergeState(_ context.Context, id string, patch State, at time.Time) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.mergeErr != nil {
		return nil, m.mergeErr
	}
	l, ok := m.locks[id]
	if !ok {
		l = &Lock{ID: id, State: State{}, CreatedAt: at}
		m.locks[id] = l
	}
	l.State = mergeState(l.State, patch)
	if v, ok := patch[stateOnline].(bool); ok {
		l.Online = v
	}
	l.UpdatedAt = at
	return l.DeepCopy(), nil
}

func (m *MockRepository) SetName(_ context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		return ErrLockNotFound
	}
	l.Name = name
	return nil
}

func (m *MockRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locks[id]; !ok {
		return ErrLockNotFound
	}
	delete(m.locks, id)
	return nil
}

// mockHistory records patches in memory.
type mockHistory struct {
	mu      sync.Mutex
	entries []StateHistoryEntry
	err     error
}

func (h *mockHistory) RecordStateChange(_ context.Context, deviceID string, patch State, source string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.entries = append(h.entries, StateHistoryEntry{DeviceID: deviceID, Patch: patch, Source: source})
	return nil
}

func (h *mockHistory) GetHistory(_ context.Context, deviceID string, _ int) ([]StateHistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []StateHistoryEntry
	for i := len(h.entries) - 1; i >= 0; i-- {
		if h.entries[i].DeviceID == deviceID {
			out = append(out, h.entries[i])
		}
	}
	return out, nil
}

// mergeState applies patch on top of base, returning a new map.
func mergeState(base, patch State) State {
	merged := make(State, len(base)+len(patch))
	for k, v := range base {
		merged[k] = deepCopyValue(v)
	}
	for k, v := range patch {
		merged[k] = deepCopyValue(v)
	}
	return merged
}
