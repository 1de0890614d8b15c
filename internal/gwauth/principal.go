// Package gwauth holds the gateway's authenticated-principal model and the
// request-scoped context propagation for it. The principal is threaded
// through context.Context rather than a process global or side-channel
// variable.
package gwauth

import (
	"context"
	"encoding/json"
	"fmt"
)

// Principal is the authenticated subject derived from a validated inbound
// JWT. Its lifetime is the duration of one inbound request.
type Principal struct {
	// Subject is the 'sub' claim.
	Subject string
	// Username is 'preferred_username' when present, else Subject.
	Username string
	// Roles is the set of realm roles parsed from claims.
	Roles map[string]struct{}
	// RawToken is the original compact JWT, needed as the subject_token for
	// RFC 8693 exchange.
	RawToken string
	// ExpiresAt is the JWT's exp claim.
	ExpiresAt int64
}

// HasRole reports whether the principal holds the given realm role.
func (p *Principal) HasRole(role string) bool {
	if p == nil || p.Roles == nil {
		return false
	}
	_, ok := p.Roles[role]
	return ok
}

// String redacts RawToken to avoid leaking bearer tokens into logs.
func (p *Principal) String() string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Principal{Subject:%q}", p.Subject)
}

// MarshalJSON redacts RawToken during JSON serialization.
func (p *Principal) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	type safePrincipal struct {
		Subject   string   `json:"subject"`
		Username  string   `json:"username"`
		Roles     []string `json:"roles"`
		ExpiresAt int64    `json:"expiresAt"`
	}
	roles := make([]string, 0, len(p.Roles))
	for r := range p.Roles {
		roles = append(roles, r)
	}
	return json.Marshal(&safePrincipal{
		Subject:   p.Subject,
		Username:  p.Username,
		Roles:     roles,
		ExpiresAt: p.ExpiresAt,
	})
}

// principalContextKey is an unexported empty-struct type so no other
// package's context key can collide with it.
type principalContextKey struct{}

// WithPrincipal stores a Principal in the context for downstream handlers.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext retrieves the Principal stored by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*Principal)
	return p, ok
}
