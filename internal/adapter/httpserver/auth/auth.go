// Package auth verifies the HMAC-signed tokens issued by the identity
// service and threads the resulting claims through request contexts.
// Tokens are opaque to everything outside this package.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/quizdom-app/backend/internal/domain"
)

// Claims is the payload every signed token carries.
type Claims struct {
	UserID string      `json:"userId"`
	Role   domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates tokens against the shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a Verifier for the shared HMAC secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Sign issues a token valid for ttl. Production tokens come from the
// identity service; this is for tests and local tooling.
func (v *Verifier) Sign(c Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	c.IssuedAt = jwt.NewNumericDate(now)
	c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("op=auth.Sign: %w", err)
	}
	return tok, nil
}

// Verify parses and validates a compact token. Every failure mode maps
// to ErrUnauthorized; callers never distinguish malformed from expired.
func (v *Verifier) Verify(token string) (Claims, error) {
	var c Claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Claims{}, fmt.Errorf("op=auth.Verify: %v: %w", err, domain.ErrUnauthorized)
	}
	if c.UserID == "" || !domain.KnownRole(c.Role) {
		return Claims{}, fmt.Errorf("op=auth.Verify: incomplete claims: %w", domain.ErrUnauthorized)
	}
	return c, nil
}

// TokenFromRequest extracts the raw token. Browsers cannot set headers
// on websocket dials, so a token query parameter is accepted there too.
func TokenFromRequest(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer "), true
	}
	if h := r.Header.Get("x-auth-token"); h != "" {
		return h, true
	}
	if q := r.URL.Query().Get("token"); q != "" {
		return q, true
	}
	return "", false
}

type claimsKey struct{}

// WithClaims stores verified claims on the context.
func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// FromContext returns the claims placed by the verify middleware.
func FromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(Claims)
	return c, ok
}
