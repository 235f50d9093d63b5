package auth

import (
	"context"
	"fmt"
)

type identityKey struct{}

// Identity is the authenticated identity produced by a Kerberos login.
// Operations that need the login (creating a security context, sending
// messages) run inside Run, which makes the identity available through the
// context instead of through process-wide state.
type Identity struct {
	principal string
	mechanism string
	handle    any
}

// NewIdentity creates an identity. handle is the mechanism's credential
// (a go-krb5 client, a GSSAPI credential, SSPI credentials).
func NewIdentity(principal, mechanism string, handle any) *Identity {
	return &Identity{principal: principal, mechanism: mechanism, handle: handle}
}

// Principal returns the principal name the identity was logged in as.
func (id *Identity) Principal() string { return id.principal }

// Mechanism returns the name of the mechanism that created the identity.
func (id *Identity) Mechanism() string { return id.mechanism }

// Handle returns the mechanism specific credential.
func (id *Identity) Handle() any { return id.handle }

// Run executes fn with the identity attached to ctx. A non-nil error from fn
// is returned wrapped in a *ScopeError.
func (id *Identity) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := fn(WithIdentity(ctx, id)); err != nil {
		return &ScopeError{Principal: id.principal, Err: err}
	}
	return nil
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity attached by Run, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok && id != nil
}

// ScopeError reports a failure inside an identity scope.
type ScopeError struct {
	Principal string
	Err       error
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("failure in authenticated scope of %s: %v", e.Principal, e.Err)
}

func (e *ScopeError) Unwrap() error { return e.Err }
