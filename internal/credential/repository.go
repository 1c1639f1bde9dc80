package credential

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// Credential is an authorized card, identified by its keyed hash.
type Credential struct {
	ID       string `json:"id"`
	CardHash string `json:"-"`
	Label    string `json:"label,omitempty"`

	// Devices limits the credential to these locks. Empty allows every lock.
	Devices []string `json:"devices"`

	CreatedAt time.Time `json:"created_at"`
}

// Allows reports whether the credential opens deviceID.
func (c Credential) Allows(deviceID string) bool {
	if len(c.Devices) == 0 {
		return true
	}
	for _, d := range c.Devices {
		if d == deviceID {
			return true
		}
	}
	return false
}

// Repository persists credentials.
type Repository interface {
	Create(ctx context.Context, c *Credential) error
	List(ctx context.Context) ([]Credential, error)
	Delete(ctx context.Context, id string) error
}

// SQLiteRepository stores credentials in the credentials table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a credential repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts a credential. ID and CreatedAt are generated if empty.
// Returns ErrDuplicateCard if the hash is already registered.
func (r *SQLiteRepository) Create(ctx context.Context, c *Credential) error {
	if c.ID == "" {
		c.ID = "cred-" + uuid.NewString()[:8]
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Devices == nil {
		c.Devices = []string{}
	}

	devicesJSON, err := json.Marshal(c.Devices)
	if err != nil {
		return fmt.Errorf("marshalling devices: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO credentials (id, card_hash, label, devices, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.CardHash, c.Label, string(devicesJSON), c.CreatedAt.Format(time.RFC3339),
	)
	if isUniqueViolation(err) {
		return ErrDuplicateCard
	}
	if err != nil {
		return fmt.Errorf("inserting credential: %w", err)
	}
	return nil
}

// List returns every credential ordered by creation time.
func (r *SQLiteRepository) List(ctx context.Context) ([]Credential, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, card_hash, label, devices, created_at FROM credentials ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer rows.Close()

	creds := []Credential{}
	for rows.Next() {
		var c Credential
		var devicesJSON, createdAt string
		if err := rows.Scan(&c.ID, &c.CardHash, &c.Label, &devicesJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		if err := json.Unmarshal([]byte(devicesJSON), &c.Devices); err != nil {
			return nil, fmt.Errorf("unmarshalling devices of %s: %w", c.ID, err)
		}
		if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at of %s: %w", c.ID, err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credentials: %w", err)
	}
	return creds, nil
}

// Delete removes a credential by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM credentials WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// isUniqueViolation checks if a SQLite error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
