package auth

import (
	"context"
	"errors"
	"slices"
)

// Roles the dispatch API cares about. The portal issues tokens; we only
// consume them.
const (
	RoleRider  = "rider"
	RoleDriver = "driver"
	RoleAdmin  = "admin"
)

// ErrInvalidToken is returned when a bearer token is unknown or expired.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is the verified caller attached to a request.
type Identity struct {
	UserID string
	Name   string
	Roles  []string
}

// HasRole reports whether the identity carries the given role.
func (id Identity) HasRole(role string) bool {
	return slices.Contains(id.Roles, role)
}

// Verifier turns a raw bearer token into an Identity. Implementations must
// be safe for concurrent use.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// StaticVerifier resolves tokens from a fixed in-memory table. It backs
// local runs and tests; production wiring swaps in the portal's verifier.
type StaticVerifier struct {
	tokens map[string]Identity
}

// NewStaticVerifier copies the given token table.
func NewStaticVerifier(tokens map[string]Identity) *StaticVerifier {
	m := make(map[string]Identity, len(tokens))
	for k, v := range tokens {
		m[k] = v
	}
	return &StaticVerifier{tokens: m}
}

func (v *StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	id, ok := v.tokens[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}
