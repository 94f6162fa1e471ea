// Package auth verifies the HS256 bearer tokens clients present on identify
// and on the HTTP API.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for tokens that fail parsing, signature or
// expiry checks, or that carry no user id.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims is the token payload. The user id is read from userId, falling back
// to the registered subject.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId,omitempty"`
}

// Verifier checks tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a Verifier. An empty secret yields a Verifier whose
// Enabled reports false; callers then fall back to trusting raw user ids.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Enabled reports whether a secret is configured.
func (v *Verifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// Verify parses and validates token and returns the user id it names.
func (v *Verifier) Verify(token string) (string, error) {
	if !v.Enabled() {
		return "", fmt.Errorf("%w: no secret configured", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	uid := claims.UserID
	if uid == "" {
		uid = claims.Subject
	}
	if uid == "" {
		return "", fmt.Errorf("%w: no user id claim", ErrInvalidToken)
	}
	return uid, nil
}

// Issue signs a token for userID valid for ttl. It exists for tooling and
// tests; production tokens come from the account service.
func (v *Verifier) Issue(userID string, ttl time.Duration) (string, error) {
	if !v.Enabled() {
		return "", fmt.Errorf("auth: issue: no secret configured")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: userID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: issue: %w", err)
	}
	return signed, nil
}
