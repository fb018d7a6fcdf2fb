// ABOUTME: HTTP middleware for bearer token authentication on broker endpoints
// ABOUTME: Extracts the token from the Authorization header and adds the agent to context

package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// Authorizer resolves a bearer token to the agent session it was minted for.
type Authorizer interface {
	Authorize(token string) (*AuthContext, error)
}

// Bearer header parse failures.
var (
	errNoHeader    = errors.New("missing authorization header")
	errNotBearer   = errors.New("authorization scheme is not Bearer")
	errEmptyBearer = errors.New("empty bearer token")
)

// extractBearerToken returns the token of an "Authorization: Bearer <token>"
// header value. The scheme is matched case-insensitively.
func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errNoHeader
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errNotBearer
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", errEmptyBearer
	}
	return token, nil
}

// HTTPAuthMiddleware creates an HTTP middleware that rejects requests without a
// token the authorizer accepts. Rejections are 401 {"error":"Unauthorized"};
// the detail is not echoed to the caller.
func HTTPAuthMiddleware(authz Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := extractBearerToken(r.Header.Get("Authorization"))
			if err != nil {
				writeUnauthorized(w)
				return
			}

			authCtx, err := authz.Authorize(token)
			if err != nil || authCtx == nil {
				writeUnauthorized(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized"})
}
