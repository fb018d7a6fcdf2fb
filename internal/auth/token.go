// ABOUTME: Session token minting and verification for agents on the broker
// ABOUTME: Uses HS256 signed JWTs with a key derived via HKDF from the configured signing secret

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// signingKeyInfo is the HKDF info string binding derived keys to their purpose.
const signingKeyInfo = "clawlist-gateway session token v1"

// Claims is what a verified token says about its bearer.
type Claims struct {
	AgentID  string
	TokenID  string
	IssuedAt time.Time
}

// JWTIssuer mints and verifies HS256 session tokens.
type JWTIssuer struct {
	secret []byte
	now    func() time.Time
}

// NewJWTIssuer creates a new issuer with the given signing key
func NewJWTIssuer(secret []byte) *JWTIssuer {
	return &JWTIssuer{secret: secret, now: time.Now}
}

// DeriveSigningKey turns the configured key material into a 32 byte HMAC key.
// Empty material yields a random key, so tokens only live as long as the process.
func DeriveSigningKey(material string) ([]byte, error) {
	key := make([]byte, 32)
	if material == "" {
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating signing key: %w", err)
		}
		return key, nil
	}

	r := hkdf.New(sha256.New, []byte(material), nil, []byte(signingKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving signing key: %w", err)
	}
	return key, nil
}

// Generate creates a token for agentID. A zero expiresIn issues a token without
// an exp claim. The returned token id is the jti claim.
func (v *JWTIssuer) Generate(agentID string, expiresIn time.Duration) (token, tokenID string, err error) {
	now := v.now()
	tokenID = uuid.NewString()
	claims := jwt.MapClaims{
		"sub": agentID,
		"jti": tokenID,
		"iat": now.Unix(),
	}
	if expiresIn > 0 {
		claims["exp"] = now.Add(expiresIn).Unix()
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", "", fmt.Errorf("signing token: %w", err)
	}
	return signed, tokenID, nil
}

// Verify validates the token and extracts the sub and jti claims
func (v *JWTIssuer) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	jti, ok := claims["jti"].(string)
	if !ok || jti == "" {
		return nil, fmt.Errorf("%w: jti", ErrMissingClaim)
	}

	out := &Claims{AgentID: sub, TokenID: jti}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	return out, nil
}

// SecretMatches compares a presented shared secret against the configured one
// in constant time.
func SecretMatches(presented, configured string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}
