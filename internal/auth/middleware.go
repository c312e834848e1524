// ABOUTME: HTTP middleware enforcing bearer-token auth on gateway endpoints.
// ABOUTME: Verifies the Authorization header and threads the sender through context.

package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("%w: missing authorization header", ErrInvalidToken)
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", fmt.Errorf("%w: malformed authorization header", ErrInvalidToken)
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" {
		return "", fmt.Errorf("%w: empty bearer token", ErrInvalidToken)
	}
	return token, nil
}

// senderKey is the context key for the authenticated sender name.
type senderKey struct{}

// WithSender returns a context carrying the authenticated sender.
func WithSender(ctx context.Context, sender string) context.Context {
	return context.WithValue(ctx, senderKey{}, sender)
}

// SenderFromContext retrieves the authenticated sender, or "" if the
// request was not authenticated.
func SenderFromContext(ctx context.Context) string {
	sender, _ := ctx.Value(senderKey{}).(string)
	return sender
}

// Middleware rejects requests that do not carry a valid bearer token.
// A nil verifier disables enforcement, which is how the development
// gateway runs when no secret is configured.
func Middleware(verifier Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				next.ServeHTTP(w, r)
				return
			}

			token, err := BearerToken(r.Header.Get("Authorization"))
			if err != nil {
				http.Error(w, `{"error":"missing or malformed bearer token"}`, http.StatusUnauthorized)
				return
			}

			sender, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSender(r.Context(), sender)))
		})
	}
}
