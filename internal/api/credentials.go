package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/lockgate/internal/audit"
	"github.com/nerrad567/lockgate/internal/credential"
)

// createCredentialRequest is the body of POST /credentials.
type createCredentialRequest struct {
	Card    string   `json:"card"`
	Label   string   `json:"label"`
	Devices []string `json:"devices"`
}

// handleListCredentials returns every stored credential. Card numbers are
// never returned.
func (s *Server) handleListCredentials(w http.ResponseWriter, _ *http.Request) {
	if s.credentials == nil {
		writeUnavailable(w, "credential store not configured")
		return
	}
	creds := s.credentials.List()
	writeJSON(w, http.StatusOK, map[string]any{"credentials": creds, "count": len(creds)})
}

// handleCreateCredential registers a card.
func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	if s.credentials == nil {
		writeUnavailable(w, "credential store not configured")
		return
	}

	var req createCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	cred, err := s.credentials.Add(r.Context(), req.Card, req.Label, req.Devices)
	if err != nil {
		switch {
		case errors.Is(err, credential.ErrInvalidCard):
			writeBadRequest(w, err.Error())
		case errors.Is(err, credential.ErrDuplicateCard):
			writeConflict(w, "card already registered")
		default:
			s.logger.Error("failed to create credential", "error", err)
			writeInternalError(w, "failed to create credential")
		}
		return
	}

	if s.auditor != nil {
		s.auditor.RecordCredentialChange(r.Context(), audit.ActionCredentialCreate, callerID(r.Context()), cred.ID, cred.Label)
	}
	writeJSON(w, http.StatusCreated, cred)
}

// handleDeleteCredential removes a credential by ID.
func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	if s.credentials == nil {
		writeUnavailable(w, "credential store not configured")
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.credentials.Remove(r.Context(), id); err != nil {
		if errors.Is(err, credential.ErrCredentialNotFound) {
			writeNotFound(w, "credential not found")
			return
		}
		s.logger.Error("failed to delete credential", "credential_id", id, "error", err)
		writeInternalError(w, "failed to delete credential")
		return
	}

	if s.auditor != nil {
		s.auditor.RecordCredentialChange(r.Context(), audit.ActionCredentialDelete, callerID(r.Context()), id, "")
	}
	w.WriteHeader(http.StatusNoContent)
}
