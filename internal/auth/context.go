package auth

import (
	"context"

	"cooperp.org/internal/audit"
)

type principalKey struct{}

// ContextWithPrincipal attaches p and tags later audit events with its user.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(audit.WithUser(ctx, p.UserID), principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.UserID != ""
}
