package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrLockNotFound) {
//	    // handle not found case
//	}
var (
	// ErrLockNotFound is returned when a lock ID has never been seen.
	ErrLockNotFound = errors.New("device: lock not found")

	// ErrInvalidState is returned when a state patch cannot be encoded as JSON.
	ErrInvalidState = errors.New("device: invalid state")

	// ErrInvalidID is returned when a lock ID is empty.
	ErrInvalidID = errors.New("device: invalid id")
)
