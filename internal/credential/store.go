package credential

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nerrad567/lockgate/internal/infrastructure/config"
)

// Logger is the logging interface used by the Store.
type Logger interface {
	Info(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}

// Store is the cached credential set. It implements omni.CredentialStore.
//
// All methods are safe for concurrent use.
type Store struct {
	repo   Repository
	hasher *Hasher

	mu     sync.RWMutex
	byHash map[string]Credential

	logger Logger
}

// NewStore creates a Store. Call Load before serving requests.
func NewStore(repo Repository, hasher *Hasher) *Store {
	return &Store{
		repo:   repo,
		hasher: hasher,
		byHash: make(map[string]Credential),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger.
func (s *Store) SetLogger(logger Logger) {
	s.logger = logger
}

// Load replaces the cache with the persisted credentials.
func (s *Store) Load(ctx context.Context) error {
	creds, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}

	byHash := make(map[string]Credential, len(creds))
	for _, c := range creds {
		byHash[c.CardHash] = c
	}

	s.mu.Lock()
	s.byHash = byHash
	s.mu.Unlock()

	s.logger.Info("credentials loaded", "count", len(creds))
	return nil
}

// Authorize reports whether card may open deviceID.
// A malformed card is denied without error.
func (s *Store) Authorize(_ context.Context, deviceID, card string) (bool, error) {
	hash, err := s.hasher.Hash(card)
	if err != nil {
		return false, nil //nolint:nilerr // malformed cards are a plain denial
	}

	s.mu.RLock()
	c, ok := s.byHash[hash]
	s.mu.RUnlock()

	return ok && c.Allows(deviceID), nil
}

// Add registers a card.
//
// Parameters:
//   - card: Card number as reported by the lock
//   - label: Optional operator label
//   - devices: Locks the card may open; empty for all
//
// Returns:
//   - Credential: The stored credential (without the card number)
//   - error: ErrInvalidCard, ErrDuplicateCard or a storage error
func (s *Store) Add(ctx context.Context, card, label string, devices []string) (Credential, error) {
	hash, err := s.hasher.Hash(card)
	if err != nil {
		return Credential{}, err
	}

	c := Credential{CardHash: hash, Label: label, Devices: devices}
	if err := s.repo.Create(ctx, &c); err != nil {
		return Credential{}, err
	}

	s.mu.Lock()
	s.byHash[hash] = c
	s.mu.Unlock()
	return c, nil
}

// Remove deletes a credential by ID.
func (s *Store) Remove(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	for hash, c := range s.byHash {
		if c.ID == id {
			delete(s.byHash, hash)
			break
		}
	}
	s.mu.Unlock()
	return nil
}

// List returns the cached credentials ordered by creation time.
func (s *Store) List() []Credential {
	s.mu.RLock()
	creds := make([]Credential, 0, len(s.byHash))
	for _, c := range s.byHash {
		c.Devices = append([]string(nil), c.Devices...)
		creds = append(creds, c)
	}
	s.mu.RUnlock()

	sort.Slice(creds, func(i, j int) bool {
		if creds[i].CreatedAt.Equal(creds[j].CreatedAt) {
			return creds[i].ID < creds[j].ID
		}
		return creds[i].CreatedAt.Before(creds[j].CreatedAt)
	})
	return creds
}

// Seed registers configured cards that are not yet stored.
// Returns the number of cards added.
func (s *Store) Seed(ctx context.Context, cards []config.RFIDCard) (int, error) {
	added := 0
	for i, card := range cards {
		_, err := s.Add(ctx, card.Card, card.Label, card.Devices)
		switch {
		case err == nil:
			added++
		case errors.Is(err, ErrDuplicateCard):
		default:
			return added, fmt.Errorf("seeding card %d: %w", i, err)
		}
	}
	if added > 0 {
		s.logger.Info("credentials seeded", "added", added)
	}
	return added, nil
}
