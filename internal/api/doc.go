// Package api implements the HTTP REST API and WebSocket server for Lockgate.
//
// This package provides:
//   - REST endpoints for lock state, history and caller commands
//   - Session, credential and audit trail endpoints
//   - WebSocket hub for real-time lock events and state patches
//   - JWT authentication with role permissions and ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS, metrics)
//
// # Architecture
//
// The API server sits between operators (dashboards, fleet tooling) and the
// lock gateway. Commands flow from the API through the omni Controller to the
// lock's TCP session; the HTTP request blocks until the lock replies or the
// correlation deadline passes. Lock events and state patches reach the Hub
// through the gateway's notifier and are broadcast to WebSocket clients.
//
// # Command Errors
//
// Gateway errors map to HTTP status codes:
//
//	device not connected     404
//	request already pending  409
//	reply timed out          504
//	write failed             502
//
// # Security
//
// Every route except health and metrics requires a Bearer JWT signed with the
// configured secret. Tokens are issued out of band by "lockgate token".
// WebSocket connections use single-use tickets so the JWT never appears in a
// URL.
package api
