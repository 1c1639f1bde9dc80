package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/lockgate/internal/audit"
	"github.com/nerrad567/lockgate/internal/bridges/omni"
	"github.com/nerrad567/lockgate/internal/device"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// maxQueryParamLen bounds IDs taken from the URL.
	maxQueryParamLen = 128
)

// lockView is a persisted lock plus its live connection flag.
type lockView struct {
	device.Lock
	Connected bool `json:"connected"`
}

// commandRequest is the optional body of POST /locks/{id}/{command}.
type commandRequest struct {
	// Fields are the raw payload fields. Unlock fills them from the caller
	// identity when empty.
	Fields []string `json:"fields"`

	// DeviceType selects the firmware image for upgrade_offer.
	DeviceType string `json:"device_type"`
}

// commandResponse is returned for a completed lock command.
type commandResponse struct {
	DeviceID string `json:"device_id"`
	Command  string `json:"command"`
	Status   string `json:"status"`
	Result   any    `json:"result,omitempty"`
}

// updateLockRequest is the body of PATCH /locks/{id}.
type updateLockRequest struct {
	Name  *string        `json:"name"`
	State map[string]any `json:"state"`
}

// connectedSet returns the device IDs that hold a live session.
func (s *Server) connectedSet() map[string]bool {
	sessions := s.sessions.Sessions()
	set := make(map[string]bool, len(sessions))
	for _, info := range sessions {
		if info.DeviceID != "" {
			set[info.DeviceID] = true
		}
	}
	return set
}

// handleListLocks returns every known lock.
//
// Query parameters:
//   - online: "true" or "false" to filter by presence
func (s *Server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	var onlineFilter *bool
	if v := r.URL.Query().Get("online"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeBadRequest(w, "online must be true or false")
			return
		}
		onlineFilter = &b
	}

	connected := s.connectedSet()
	locks := s.registry.ListLocks()
	views := make([]lockView, 0, len(locks))
	for _, l := range locks {
		if onlineFilter != nil && l.Online != *onlineFilter {
			continue
		}
		views = append(views, lockView{Lock: l, Connected: connected[l.ID]})
	}

	writeJSON(w, http.StatusOK, map[string]any{"locks": views, "count": len(views)})
}

// handleGetLock returns a single lock by ID.
func (s *Server) handleGetLock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	l, err := s.registry.GetLock(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrLockNotFound) {
			writeNotFound(w, "lock not found")
			return
		}
		s.logger.Error("failed to get lock", "device_id", id, "error", err)
		writeInternalError(w, "failed to get lock")
		return
	}

	writeJSON(w, http.StatusOK, lockView{Lock: *l, Connected: s.connectedSet()[id]})
}

// handleUpdateLock renames a lock and/or merges an operator state patch.
func (s *Server) handleUpdateLock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req updateLockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == nil && len(req.State) == 0 {
		writeBadRequest(w, "name or state is required")
		return
	}

	if req.Name != nil {
		if err := s.registry.SetName(ctx, id, *req.Name); err != nil {
			s.writeLockError(w, id, err)
			return
		}
	}
	if len(req.State) > 0 {
		if err := s.registry.SetState(ctx, id, req.State); err != nil {
			s.writeLockError(w, id, err)
			return
		}
	}

	l, err := s.registry.GetLock(ctx, id)
	if err != nil {
		s.writeLockError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, lockView{Lock: *l, Connected: s.connectedSet()[id]})
}

// handleDeleteLock forgets a lock. A connected lock cannot be deleted.
func (s *Server) handleDeleteLock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if s.connectedSet()[id] {
		writeConflict(w, "lock is connected")
		return
	}
	if err := s.registry.DeleteLock(r.Context(), id); err != nil {
		s.writeLockError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetLockHistory returns recorded state patches for a lock, newest first.
//
// Query parameters:
//   - limit: max results (default 50, max 200)
func (s *Server) handleGetLockHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid lock ID")
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"), defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	entries, err := s.registry.History(r.Context(), id, limit)
	if err != nil {
		s.writeLockError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "history": entries, "count": len(entries)})
}

// handleLockCommand issues a command to a connected lock and, for
// correlated commands, waits for its reply.
func (s *Server) handleLockCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid lock ID")
		return
	}

	kind, ok := omni.CallerKind(chi.URLParam(r, "command"))
	if !ok {
		writeError(w, http.StatusBadRequest, ErrCodeUnknownCmd, "unknown command "+strconv.Quote(chi.URLParam(r, "command")))
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	for _, field := range append([]string{req.DeviceType}, req.Fields...) {
		if err := omni.ValidateField(field); err != nil {
			writeError(w, http.StatusBadRequest, omni.OutcomeInvalidField, err.Error())
			return
		}
	}

	userID := callerID(ctx)
	var result any
	var err error

	switch kind {
	case omni.KindUpgradeOffer:
		if req.DeviceType == "" {
			writeBadRequest(w, "device_type is required")
			return
		}
		var img omni.FirmwareImage
		img, err = s.controller.OfferUpgrade(ctx, id, req.DeviceType)
		result = img
	default:
		fields := req.Fields
		if kind == omni.KindUnlock && len(fields) == 0 {
			fields = omni.UnlockFields(userID, s.now())
		}
		var res omni.Result
		res, err = s.controller.Execute(ctx, id, kind, fields...)
		if res.Payload != nil {
			result = res.Payload
		}
	}

	if s.auditor != nil {
		s.auditor.RecordCommand(ctx, audit.SourceAPI, userID, id, kind.Name(), omni.Outcome(err))
	}
	if err != nil {
		s.logger.Info("lock command failed", "device_id", id, "command", kind.Name(), "error", err)
		writeCommandError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, commandResponse{
		DeviceID: id,
		Command:  kind.Name(),
		Status:   omni.OutcomeOK,
		Result:   result,
	})
}

// handleListSessions returns every open lock connection, bound or not.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.sessions.Sessions()
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].DeviceID != sessions[j].DeviceID {
			return sessions[i].DeviceID < sessions[j].DeviceID
		}
		return sessions[i].SessionID < sessions[j].SessionID
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
		"stats":    s.sessions.Stats(),
	})
}
