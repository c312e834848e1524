// Package auth handles bearer-token authentication between loom clients
// and a gateway.
//
// # Tokens
//
// Gateways issue JWT bearer tokens signed with HS256 using a shared
// secret. The "sub" claim names the authenticated sender:
//
//	minter := auth.NewHS256(secret)
//	token, err := minter.Mint("alice", 30*24*time.Hour)
//	sender, err := minter.Verify(token)
//
// ExpiresAt peeks at a token's expiry without verifying the signature,
// so the client can warn about a stale token file before dialing.
//
// # Loading
//
// Clients resolve their token from the LOOM_TOKEN environment variable
// first, then from the token file under the XDG config directory
// (~/.config/loom/token by default). SaveToken writes that file with
// 0600 permissions.
//
// # Middleware
//
// Middleware wraps gateway HTTP handlers, rejecting requests without a
// valid bearer token and threading the authenticated sender through the
// request context. A nil verifier disables enforcement for local
// development.
package auth
