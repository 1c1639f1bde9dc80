package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/lockgate/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// System metrics (no auth required for basic monitoring)
		r.Get("/metrics", s.handleMetrics)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/auth/me", s.handleAuthMe)
			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/locks", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermLockRead)).Get("/", s.handleListLocks)

				r.Route("/{id}", func(r chi.Router) {
					r.With(s.requirePermission(auth.PermLockRead)).Get("/", s.handleGetLock)
					r.With(s.requirePermission(auth.PermLockRead)).Get("/history", s.handleGetLockHistory)
					r.With(s.requirePermission(auth.PermLockConfigure)).Patch("/", s.handleUpdateLock)
					r.With(s.requirePermission(auth.PermLockConfigure)).Delete("/", s.handleDeleteLock)
					r.With(s.requirePermission(auth.PermLockCommand)).Post("/{command}", s.handleLockCommand)
				})
			})

			r.With(s.requirePermission(auth.PermSystemRead)).Get("/sessions", s.handleListSessions)
			r.With(s.requirePermission(auth.PermLockRead)).Get("/firmware", s.handleListFirmware)

			r.Route("/credentials", func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermCredentialManage))
				r.Get("/", s.handleListCredentials)
				r.Post("/", s.handleCreateCredential)
				r.Delete("/{id}", s.handleDeleteCredential)
			})

			r.With(s.requirePermission(auth.PermAuditRead)).Get("/audit", s.handleListAuditLogs)
		})
	})

	return r
}

// handleHealth returns the server health status. The gateway is degraded
// when the lock listener is down.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	listening := s.sessions.IsListening()
	if !listening {
		status = "degraded"
	}

	resp := map[string]any{
		"status":  status,
		"version": s.version,
		"gateway": map[string]any{"listening": listening},
	}
	if s.mqtt != nil {
		resp["mqtt"] = map[string]any{"connected": s.mqtt.IsConnected()}
	}
	writeJSON(w, http.StatusOK, resp)
}
