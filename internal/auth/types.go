package auth

import "errors"

// Role represents an authorisation tier.
type Role string

const (
	// RoleViewer can read lock state and history.
	RoleViewer Role = "viewer"

	// RoleOperator can additionally send commands to locks.
	RoleOperator Role = "operator"

	// RoleAdmin has full control including credentials and audit.
	RoleAdmin Role = "admin"
)

// ValidRoles is the set of roles a token may carry.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole returns true if r is a known role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// Sentinel errors for auth operations.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrForbidden    = errors.New("insufficient permissions")
	ErrInvalidRole  = errors.New("invalid role")
)
