package tenant

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestResolve(t *testing.T) {
	tenantID := uuid.New()
	userID := uuid.New()

	tests := []struct {
		name     string
		identity Identity
		wantErr  error
	}{
		{
			name:     "valid identity",
			identity: Identity{UserID: userID.String(), TenantID: tenantID.String()},
		},
		{
			name:     "valid identity with surrounding whitespace",
			identity: Identity{UserID: " " + userID.String(), TenantID: tenantID.String() + "\n"},
		},
		{
			name:     "missing tenant",
			identity: Identity{UserID: userID.String()},
			wantErr:  ErrMissingTenant,
		},
		{
			name:     "blank tenant",
			identity: Identity{UserID: userID.String(), TenantID: "   "},
			wantErr:  ErrMissingTenant,
		},
		{
			name:     "malformed tenant",
			identity: Identity{UserID: userID.String(), TenantID: "default"},
			wantErr:  ErrMalformedTenant,
		},
		{
			name:     "nil uuid tenant is not a shared fallback",
			identity: Identity{UserID: userID.String(), TenantID: uuid.Nil.String()},
			wantErr:  ErrMalformedTenant,
		},
		{
			name:     "missing user",
			identity: Identity{TenantID: tenantID.String()},
			wantErr:  ErrMissingUser,
		},
		{
			name:     "malformed user",
			identity: Identity{UserID: "user_abc", TenantID: tenantID.String()},
			wantErr:  ErrMalformedUser,
		},
	}

	resolver := NewResolver()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scope, err := resolver.Resolve(tt.identity)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				if scope != (Scope{}) {
					t.Fatalf("expected empty scope on error, got %+v", scope)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if scope.TenantID != tenantID || scope.UserID != userID {
				t.Fatalf("unexpected scope %+v", scope)
			}
		})
	}
}

func TestScopeContextRoundTrip(t *testing.T) {
	if _, err := ScopeFromContext(context.Background()); !errors.Is(err, ErrNoScope) {
		t.Fatalf("expected ErrNoScope for empty context, got %v", err)
	}

	want := Scope{TenantID: uuid.New(), UserID: uuid.New()}
	got, err := ScopeFromContext(WithScope(context.Background(), want))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}

	if _, err := ScopeFromContext(WithScope(context.Background(), Scope{})); !errors.Is(err, ErrNoScope) {
		t.Fatalf("expected ErrNoScope for zero scope, got %v", err)
	}
}
