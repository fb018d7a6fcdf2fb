// ABOUTME: Request-scoped identity of the agent behind a bearer token
// ABOUTME: The HTTP middleware stores it; broker handlers read it back

package auth

import "context"

// AuthContext is the session a request's bearer token resolved to.
type AuthContext struct {
	AgentID string
	Name    string
	TokenID string // jti of the presenting token
}

type ctxKey struct{}

// WithAuth returns ctx carrying a.
func WithAuth(ctx context.Context, a *AuthContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// FromContext returns the session stored in ctx, or nil.
func FromContext(ctx context.Context) *AuthContext {
	a, _ := ctx.Value(ctxKey{}).(*AuthContext)
	return a
}

// MustFromContext is FromContext for handlers mounted behind HTTPAuthMiddleware.
// It panics when no session is present, which means the route was wired wrong.
func MustFromContext(ctx context.Context) *AuthContext {
	a := FromContext(ctx)
	if a == nil {
		panic("auth: no session in context; route is missing HTTPAuthMiddleware")
	}
	return a
}
