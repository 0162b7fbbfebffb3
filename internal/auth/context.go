// ABOUTME: Authentication context for tracking the calling operator through handlers
// ABOUTME: Provides WithAuth/FromContext for propagating identity via context

package auth

import (
	"context"
)

// RoleOperator is held by every authenticated operator.
const RoleOperator = "operator"

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	OperatorID string
	Name       string
	Roles      []string
}

// HasRole reports whether the caller holds role.
func (a *AuthContext) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// Actor returns the operator name for audit records, or "unknown".
func Actor(ctx context.Context) string {
	if a := FromContext(ctx); a != nil {
		return a.Name
	}
	return "unknown"
}
