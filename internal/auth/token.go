// Package auth supplies and validates bearer credentials for ledger access.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenProvider supplies a bearer credential for a single outbound ledger call.
// Implementations must be safe for concurrent use; tokens are fetched per call
// and never cached by consumers.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// =============================================================================
// HMAC Token Provider
// =============================================================================

// HMACTokenProvider mints short-lived HS256 tokens from a shared secret.
// Used when the gateway authenticates to the participant node directly.
type HMACTokenProvider struct {
	secret   []byte
	subject  string
	audience string
	ttl      time.Duration
}

// NewHMACTokenProvider creates a provider minting tokens with the given TTL.
func NewHMACTokenProvider(secret, subject, audience string, ttl time.Duration) (*HMACTokenProvider, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &HMACTokenProvider{
		secret:   []byte(secret),
		subject:  subject,
		audience: audience,
		ttl:      ttl,
	}, nil
}

// Token mints a fresh bearer token.
func (p *HMACTokenProvider) Token(ctx context.Context) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": p.subject,
		"aud": p.audience,
		"iat": now.Unix(),
		"exp": now.Add(p.ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// =============================================================================
// Static Token Provider
// =============================================================================

// StaticTokenProvider returns a fixed externally-issued credential.
// Useful in development against an unauthenticated participant.
type StaticTokenProvider string

// Token returns the fixed credential.
func (p StaticTokenProvider) Token(ctx context.Context) (string, error) {
	return string(p), nil
}

// =============================================================================
// Validation
// =============================================================================

// ValidateBearer validates an incoming HS256 bearer token and returns its subject.
func ValidateBearer(tokenString, secret string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("missing subject")
	}
	return sub, nil
}
