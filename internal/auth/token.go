// ABOUTME: JWT bearer tokens authenticating loom clients to a gateway.
// ABOUTME: HS256 mint/verify plus unverified expiry inspection for client UX.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Verifier validates a bearer token and reports the authenticated sender.
type Verifier interface {
	Verify(tokenString string) (sender string, err error)
}

// HS256 mints and verifies tokens signed with a shared secret. The "sub"
// claim carries the sender name the gateway authenticated.
type HS256 struct {
	secret []byte
}

// NewHS256 creates a minter/verifier over the given shared secret.
func NewHS256(secret []byte) *HS256 {
	return &HS256{secret: secret}
}

// Verify validates the token and extracts the sender from the "sub" claim.
func (h *HS256) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return h.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return sub, nil
}

// Mint creates a token for the given sender with the given lifetime.
func (h *HS256) Mint(sender string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": sender,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.secret)
}

// ExpiresAt reports the token's "exp" claim without verifying the
// signature. Clients use it to warn about a stale token file before
// dialing; it must never be used to grant access.
func ExpiresAt(tokenString string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("%w: exp", ErrMissingClaim)
	}

	return exp.Time, nil
}
