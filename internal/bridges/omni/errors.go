package omni

import "errors"

// Domain errors for the Omni lock gateway.
var (
	// ErrFrameParse is returned when inbound bytes are not a well-formed frame,
	// or when a frame carries fewer payload fields than its command requires.
	ErrFrameParse = errors.New("omni: frame parse error")

	// ErrUnknownCommand is returned when a frame carries a command code that
	// is not part of the protocol vocabulary.
	ErrUnknownCommand = errors.New("omni: unknown command")

	// ErrInvalidField is returned when an outbound payload field contains a
	// separator, terminator, line break or non-printable byte.
	ErrInvalidField = errors.New("omni: invalid payload field")

	// ErrNotCallerCommand is returned when a caller issues a lock-initiated
	// command code, or a command that has its own Controller method.
	ErrNotCallerCommand = errors.New("omni: command not issuable by callers")

	// ErrDeviceNotConnected is returned when no live session is bound to the
	// requested device identity.
	ErrDeviceNotConnected = errors.New("omni: device not connected")

	// ErrRequestAlreadyPending is returned when an exclusive command is issued
	// while a previous one of the same kind is still awaiting its reply.
	ErrRequestAlreadyPending = errors.New("omni: request already pending")

	// ErrCorrelationTimeout is returned when the device does not reply to an
	// exclusive command before its deadline.
	ErrCorrelationTimeout = errors.New("omni: request timed out")

	// ErrWriteFailed is returned when writing to a device connection fails.
	// The session is evicted when this happens.
	ErrWriteFailed = errors.New("omni: send failed")

	// ErrStateSync is logged when the persisted state collaborator rejects a patch.
	ErrStateSync = errors.New("omni: state sync failed")

	// ErrFanOut is logged when an event publisher rejects an event.
	ErrFanOut = errors.New("omni: event fan-out failed")

	// ErrServerClosed is returned by Serve after Close has been called.
	ErrServerClosed = errors.New("omni: server closed")

	// ErrSessionClosed is returned when writing to a session that has been closed.
	ErrSessionClosed = errors.New("omni: session closed")

	// ErrFirmwareNotFound is returned by firmware stores when no image exists
	// for a device type, or a chunk index is out of range.
	ErrFirmwareNotFound = errors.New("omni: firmware not found")
)
