package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters, OWASP minimum profile. Lookup hashes run on every card
// tap, so memory is kept well below the password profile.
const (
	argonTime    = 2
	argonMemory  = 19 * 1024 // 19 MiB
	argonThreads = 1
	argonKeyLen  = 32
	argonSaltLen = 16

	// maxCardLength bounds accepted card numbers.
	maxCardLength = 64
)

// Hasher derives deterministic keyed hashes from card numbers.
type Hasher struct {
	salt []byte
}

// NewHasher creates a Hasher keyed by key.
func NewHasher(key string) (*Hasher, error) {
	if key == "" {
		return nil, ErrHashKeyRequired
	}
	sum := sha256.Sum256([]byte(key))
	return &Hasher{salt: sum[:argonSaltLen]}, nil
}

// Hash returns the hex-encoded hash of a normalized card number.
func (h *Hasher) Hash(card string) (string, error) {
	normalized, err := NormalizeCard(card)
	if err != nil {
		return "", err
	}
	sum := argon2.IDKey([]byte(normalized), h.salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return hex.EncodeToString(sum), nil
}

// NormalizeCard trims and upper-cases a card number so readers that report
// hex digits in different cases map to one credential.
func NormalizeCard(card string) (string, error) {
	card = strings.ToUpper(strings.TrimSpace(card))
	if card == "" {
		return "", ErrInvalidCard
	}
	if len(card) > maxCardLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidCard, maxCardLength)
	}
	if strings.ContainsAny(card, ",*#") {
		return "", fmt.Errorf("%w: contains frame delimiters", ErrInvalidCard)
	}
	return card, nil
}
