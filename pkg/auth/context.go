package auth

import "context"

type contextKey int

const identityKey contextKey = iota

// ContextWithIdentity returns a context carrying id. The gin middleware
// calls it after validating a token.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the identity stored by ContextWithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// ActorFromContext returns the caller's subject, or fallback when the
// request is unauthenticated.
func ActorFromContext(ctx context.Context, fallback string) string {
	if id, ok := IdentityFromContext(ctx); ok && id.Subject != "" {
		return id.Subject
	}
	return fallback
}
