package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/lockgate/internal/bridges/omni"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
	ErrCodeUnavailable  = "service_unavailable"
	ErrCodeUnknownCmd   = "unknown_command"
	ErrCodeNoFirmware   = "firmware_not_found"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeForbidden writes a 403 error response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// writeConflict writes a 409 error response.
func writeConflict(w http.ResponseWriter, message string) {
	writeError(w, http.StatusConflict, ErrCodeConflict, message)
}

// writeUnavailable writes a 503 error response.
func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// commandStatus maps a gateway command error to an HTTP status and code.
// The code is the command outcome reported in metrics and the audit trail.
func commandStatus(err error) (int, string) {
	switch {
	case errors.Is(err, omni.ErrFirmwareNotFound):
		return http.StatusNotFound, ErrCodeNoFirmware
	case errors.Is(err, omni.ErrUnknownCommand), errors.Is(err, omni.ErrNotCallerCommand):
		return http.StatusBadRequest, ErrCodeUnknownCmd
	case errors.Is(err, omni.ErrInvalidField):
		return http.StatusBadRequest, omni.OutcomeInvalidField
	}

	outcome := omni.Outcome(err)
	switch outcome {
	case omni.OutcomeNotConnected:
		return http.StatusNotFound, outcome
	case omni.OutcomeAlreadyPending:
		return http.StatusConflict, outcome
	case omni.OutcomeTimeout:
		return http.StatusGatewayTimeout, outcome
	case omni.OutcomeSendFailed:
		return http.StatusBadGateway, outcome
	case omni.OutcomeCancelled:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout, outcome
		}
		return http.StatusServiceUnavailable, outcome
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// writeCommandError writes the response for a failed lock command.
func writeCommandError(w http.ResponseWriter, err error) {
	status, code := commandStatus(err)
	writeError(w, status, code, err.Error())
}
