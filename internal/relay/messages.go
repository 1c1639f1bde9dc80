package relay

import (
	"errors"
	"time"

	"github.com/nerrad567/lockgate/internal/bridges/omni"
)

// CommandMessage is a broker request to run a command on a lock.
// Topic: lockgate/command/{deviceId}
type CommandMessage struct {
	// ID correlates the response. Generated when empty.
	ID string `json:"id"`

	// Command is a command name ("unlock", "info") or raw code ("L0").
	Command string `json:"command"`

	// Fields are the raw payload fields sent to the lock.
	Fields []string `json:"fields,omitempty"`

	// UserID is recorded in the audit trail.
	UserID string `json:"user_id,omitempty"`

	// DeviceType selects the firmware image for upgrade_offer.
	DeviceType string `json:"device_type,omitempty"`
}

// ResponseStatus is the outcome of a relayed command.
type ResponseStatus string

const (
	StatusOK     ResponseStatus = "ok"
	StatusFailed ResponseStatus = "failed"
)

// ResponseMessage answers a CommandMessage.
// Topic: lockgate/response/{deviceId}/{requestId}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	DeviceID  string         `json:"device_id"`
	Command   string         `json:"command"`
	Status    ResponseStatus `json:"status"`
	Timestamp time.Time      `json:"timestamp"`

	// Result is the decoded lock reply for correlated commands.
	Result omni.Payload `json:"result,omitempty"`

	Error *ResponseError `json:"error,omitempty"`
}

// ResponseError carries a failure code and message.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for relayed command failures.
const (
	ErrCodeInvalidMessage = "INVALID_MESSAGE"
	ErrCodeInvalidCommand = "INVALID_COMMAND"
	ErrCodeNoFirmware     = "FIRMWARE_NOT_FOUND"
	ErrCodeNotConnected   = "NOT_CONNECTED"
	ErrCodeBusy           = "ALREADY_PENDING"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeSendFailed     = "SEND_FAILED"
	ErrCodeCancelled      = "CANCELLED"
	ErrCodeGatewayError   = "GATEWAY_ERROR"
	ErrCodeOverloaded     = "OVERLOADED"
)

// StateMessage carries a partial state patch.
// Topic: lockgate/state/{deviceId}
type StateMessage struct {
	DeviceID  string         `json:"device_id"`
	Timestamp time.Time      `json:"timestamp"`
	State     map[string]any `json:"state"`
}

// errorCode maps a gateway error to a response error code.
func errorCode(err error) string {
	switch omni.Outcome(err) {
	case omni.OutcomeNotConnected:
		return ErrCodeNotConnected
	case omni.OutcomeAlreadyPending:
		return ErrCodeBusy
	case omni.OutcomeTimeout:
		return ErrCodeTimeout
	case omni.OutcomeSendFailed:
		return ErrCodeSendFailed
	case omni.OutcomeCancelled:
		return ErrCodeCancelled
	}
	switch {
	case errors.Is(err, omni.ErrInvalidField):
		return ErrCodeInvalidMessage
	case errors.Is(err, omni.ErrUnknownCommand), errors.Is(err, omni.ErrNotCallerCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, omni.ErrFirmwareNotFound):
		return ErrCodeNoFirmware
	}
	return ErrCodeGatewayError
}
