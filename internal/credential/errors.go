package credential

import "errors"

var (
	// ErrCredentialNotFound is returned when a credential ID does not exist.
	ErrCredentialNotFound = errors.New("credential: not found")

	// ErrDuplicateCard is returned when a card is already registered.
	ErrDuplicateCard = errors.New("credential: card already registered")

	// ErrInvalidCard is returned for an empty or malformed card number.
	ErrInvalidCard = errors.New("credential: invalid card number")

	// ErrHashKeyRequired is returned when no hash key is configured.
	ErrHashKeyRequired = errors.New("credential: hash key is required")
)
