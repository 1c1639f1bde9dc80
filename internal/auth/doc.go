// Package auth provides bearer-token authentication and role-based
// authorisation for the Lockgate API.
//
// Tokens are HS256 JWTs carrying a subject and a role. They are validated by
// signature only, so the gateway needs no user database: tokens are issued
// out of band with "lockgate token".
//
// Roles form a ladder (viewer → operator → admin) mapped statically to
// permissions:
//   - viewer reads lock state, sessions and history
//   - operator also sends commands to locks
//   - admin also manages RFID credentials and reads the audit trail
package auth
