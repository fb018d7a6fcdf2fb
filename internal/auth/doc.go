// Package auth provides agent authentication for clawlist-gateway.
//
// # Shared Secret
//
// Agents register by presenting the gateway's shared secret. The comparison
// is constant time:
//
//	if !auth.SecretMatches(req.Secret, cfg.Auth.Secret) { ... }
//
// # Session Tokens
//
// A successful registration mints an HS256 JWT whose sub claim is the agent id
// and whose jti claim identifies the session:
//
//	key, err := auth.DeriveSigningKey(cfg.Auth.SigningKey)
//	issuer := auth.NewJWTIssuer(key)
//	token, tokenID, err := issuer.Generate(agentID, 0)
//	claims, err := issuer.Verify(token)
//
// A valid signature is necessary but not sufficient: the broker also requires
// the jti to be a session it minted itself. Tokens are never revoked, so an
// agent that registers twice holds two valid tokens.
//
// # HTTP Middleware
//
// HTTPAuthMiddleware extracts "Authorization: Bearer <token>", resolves it via
// an Authorizer and stores the resulting AuthContext in the request context:
//
//	mux.Handle("POST /gossip", auth.HTTPAuthMiddleware(broker)(handler))
//	agent := auth.MustFromContext(r.Context())
package auth
