package dashboard

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// TokenIssuer mints and verifies signed session tokens. Tokens are
// stateless: there is no revocation list, and logout only removes the
// cookie client-side. A token stays valid until its expiry instant.
type TokenIssuer struct {
	secret   []byte
	method   jwt.SigningMethod
	lifetime time.Duration
	now      func() time.Time
}

func NewTokenIssuer(secret string, algorithm string, lifetime time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("token issuer: secret is required")
	}
	method := jwt.GetSigningMethod(algorithm)
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("token issuer: unsupported signing algorithm %q", algorithm)
	}
	if lifetime <= 0 {
		return nil, fmt.Errorf("token issuer: lifetime must be positive")
	}

	return &TokenIssuer{
		secret:   []byte(secret),
		method:   method,
		lifetime: lifetime,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Issue produces a signed token with subject and an absolute expiry of
// now + the configured lifetime.
func (i *TokenIssuer) Issue(subject string) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("issue token: missing subject")
	}

	now := i.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.lifetime)),
		Issuer:    "tracelens",
	}

	token := jwt.NewWithClaims(i.method, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("issue token for %s: %w", subject, err)
	}
	return signed, nil
}

// Verify checks signature and expiry and returns the embedded subject.
// Malformed tokens, foreign signing methods, bad signatures, and expired
// tokens all fail.
func (i *TokenIssuer) Verify(tokenStr string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}

	if !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}

	return claims.Subject, nil
}

// Lifetime returns the configured token lifetime.
func (i *TokenIssuer) Lifetime() time.Duration {
	return i.lifetime
}
