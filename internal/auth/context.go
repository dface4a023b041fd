// ABOUTME: Request context helpers carrying the authenticated principal
// ABOUTME: Set by the bearer middleware and read by handlers for logging

package auth

import "context"

type principalKey struct{}

// WithPrincipal returns a context carrying principalID.
func WithPrincipal(ctx context.Context, principalID string) context.Context {
	return context.WithValue(ctx, principalKey{}, principalID)
}

// PrincipalFromContext returns the authenticated principal, or "" when the
// request was not authenticated.
func PrincipalFromContext(ctx context.Context) string {
	id, _ := ctx.Value(principalKey{}).(string)
	return id
}
