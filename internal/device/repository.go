package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Repository defines the interface for lock persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves a lock by its device identity.
	// Returns ErrLockNotFound if the lock has never been seen.
	GetByID(ctx context.Context, id string) (*Lock, error)

	// List retrieves all locks ordered by ID.
	List(ctx context.Context) ([]Lock, error)

	// MergeState applies a normalized patch to the lock's stored state,
	// creating the lock on first sight, and returns the merged result.
	// An "online" key also updates the presence column; a "firmware_type"
	// key also updates the device type.
	MergeState(ctx context.Context, id string, patch State, at time.Time) (*Lock, error)

	// SetName sets the operator label.
	// Returns ErrLockNotFound if the lock does not exist.
	SetName(ctx context.Context, id, name string) error

	// Delete removes a lock by ID.
	// Returns ErrLockNotFound if the lock does not exist.
	Delete(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectLock = `
	SELECT device_id, device_type, name, online, state, last_seen, created_at, updated_at
	FROM locks`

// GetByID retrieves a lock by its device identity.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Lock, error) {
	row := r.db.QueryRowContext(ctx, selectLock+" WHERE device_id = ?", id)
	lock, err := scanLock(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLockNotFound
		}
		return nil, fmt.Errorf("querying lock: %w", err)
	}
	return lock, nil
}

// List retrieves all locks ordered by ID.
func (r *SQLiteRepository) List(ctx context.Context) ([]Lock, error) {
	rows, err := r.db.QueryContext(ctx, selectLock+" ORDER BY device_id")
	if err != nil {
		return nil, fmt.Errorf("querying locks: %w", err)
	}
	defer rows.Close()

	var locks []Lock
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning lock: %w", err)
		}
		locks = append(locks, *lock)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating locks: %w", err)
	}
	return locks, nil
}

// MergeState upserts the lock row, merging patch into the stored state with
// SQLite's json_patch (keys absent from the patch are preserved).
func (r *SQLiteRepository) MergeState(ctx context.Context, id string, patch State, at time.Time) (*Lock, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if patch == nil {
		patch = State{}
	}

	stateJSON, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}

	ts := at.UTC().Format(time.RFC3339)

	// Presence: only an explicit "online" key changes the column. Going
	// offline keeps the previous last_seen.
	var online sql.NullInt64
	lastSeen := sql.NullString{String: ts, Valid: true}
	if v, ok := patch[stateOnline].(bool); ok {
		online = sql.NullInt64{Int64: int64(boolToInt(v)), Valid: true}
		if !v {
			lastSeen = sql.NullString{}
		}
	}

	var deviceType sql.NullString
	if v, ok := patch[stateFirmwareType].(string); ok && v != "" {
		deviceType = sql.NullString{String: v, Valid: true}
	}

	query := `
		INSERT INTO locks (device_id, device_type, online, state, last_seen, created_at, updated_at)
		VALUES (?, COALESCE(?, ''), COALESCE(?, 0), json(?), ?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET
			device_type = COALESCE(?, locks.device_type),
			online      = COALESCE(?, locks.online),
			state       = json_patch(locks.state, excluded.state),
			last_seen   = COALESCE(?, locks.last_seen),
			updated_at  = excluded.updated_at`

	if _, err := r.db.ExecContext(ctx, query,
		id, deviceType, online, string(stateJSON), lastSeen, ts, ts,
		deviceType, online, lastSeen,
	); err != nil {
		return nil, fmt.Errorf("merging lock state: %w", err)
	}

	return r.GetByID(ctx, id)
}

// SetName sets the operator label of a lock.
func (r *SQLiteRepository) SetName(ctx context.Context, id, name string) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE locks SET name = ?, updated_at = ? WHERE device_id = ?",
		name,
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating lock name: %w", err)
	}
	return requireRow(result)
}

// Delete removes a lock by ID. Its state history is kept.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM locks WHERE device_id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting lock: %w", err)
	}
	return requireRow(result)
}

func requireRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrLockNotFound
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanLock(row rowScanner) (*Lock, error) {
	var (
		lock      Lock
		online    int64
		stateJSON string
		lastSeen  sql.NullString
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&lock.ID, &lock.DeviceType, &lock.Name, &online, &stateJSON, &lastSeen, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	lock.Online = online != 0
	if err := json.Unmarshal([]byte(stateJSON), &lock.State); err != nil {
		return nil, fmt.Errorf("unmarshalling state: %w", err)
	}
	if lock.State == nil {
		lock.State = State{}
	}
	if lastSeen.Valid {
		t, err := time.Parse(time.RFC3339, lastSeen.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_seen: %w", err)
		}
		lock.LastSeen = &t
	}

	var err error
	if lock.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if lock.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &lock, nil
}

// boolToInt converts a bool to SQLite integer (0 or 1).
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
