package auth

import (
	"context"
	"slices"
	"strings"
)

// Role claim values recognised by the checkout API.
const (
	RoleBuyer = "buyer"
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// OperatorRoles may mark orders delivered and read every buyer's orders.
var OperatorRoles = []string{RoleStaff, RoleAdmin}

// Identity is the authenticated principal decoded from a Firebase ID token.
type Identity struct {
	UID         string
	Email       string
	DisplayName string
	Roles       []string
}

// HasRole reports whether the identity carries role, ignoring case.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	return role != "" && slices.Contains(i.Roles, role)
}

// HasAnyRole reports whether the identity carries at least one of roles.
func (i *Identity) HasAnyRole(roles ...string) bool {
	return slices.ContainsFunc(roles, i.HasRole)
}

// IsOperator reports whether the identity holds an operator role.
func (i *Identity) IsOperator() bool {
	return i.HasAnyRole(OperatorRoles...)
}

type identityKey struct{}

// WithIdentity stores identity on ctx.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity stored by the authentication middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	return identity, ok && identity != nil
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
