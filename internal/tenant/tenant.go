// Package tenant derives the caller's isolation scope from an authenticated
// identity. A scope is required by every store operation; there is no
// shared or default tenant.
package tenant

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrMissingTenant   = errors.New("tenant identifier missing")
	ErrMalformedTenant = errors.New("tenant identifier malformed")
	ErrMissingUser     = errors.New("user identifier missing")
	ErrMalformedUser   = errors.New("user identifier malformed")
	ErrNoScope         = errors.New("no tenant scope in context")
)

// Identity is the authenticated caller as supplied by the auth middleware.
type Identity struct {
	UserID   string
	TenantID string
}

// Scope is a validated (tenant, user) pair.
type Scope struct {
	TenantID uuid.UUID
	UserID   uuid.UUID
}

// Resolver turns identities into scopes.
type Resolver struct{}

// NewResolver returns a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve validates both identifiers. A missing, malformed, or nil-UUID
// tenant is rejected rather than replaced.
func (r *Resolver) Resolve(identity Identity) (Scope, error) {
	tenantID, err := parseID(identity.TenantID, ErrMissingTenant, ErrMalformedTenant)
	if err != nil {
		return Scope{}, err
	}
	userID, err := parseID(identity.UserID, ErrMissingUser, ErrMalformedUser)
	if err != nil {
		return Scope{}, err
	}
	return Scope{TenantID: tenantID, UserID: userID}, nil
}

// ParseTenantID validates a bare tenant identifier, e.g. from a queue message.
func ParseTenantID(raw string) (uuid.UUID, error) {
	return parseID(raw, ErrMissingTenant, ErrMalformedTenant)
}

func parseID(raw string, missing, malformed error) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return uuid.Nil, missing
	}
	id, err := uuid.Parse(trimmed)
	if err != nil {
		return uuid.Nil, malformed
	}
	if id == uuid.Nil {
		return uuid.Nil, malformed
	}
	return id, nil
}

type scopeContextKey struct{}

// WithScope attaches a resolved scope to ctx.
func WithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, scope)
}

// ScopeFromContext returns the scope attached by WithScope.
func ScopeFromContext(ctx context.Context) (Scope, error) {
	scope, ok := ctx.Value(scopeContextKey{}).(Scope)
	if !ok || scope.TenantID == uuid.Nil || scope.UserID == uuid.Nil {
		return Scope{}, ErrNoScope
	}
	return scope, nil
}
