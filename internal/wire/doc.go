// Package wire defines the two event channels a conversation client consumes
// and the flat record format history is persisted in.
//
// The streaming channel carries per-turn events (call boundaries, text
// deltas, tool activity, products, the final content) over SSE. The session
// channel carries out-of-band events (operator messages, presence, handoff,
// moderation) over a long-lived socket. Both are closed unions: decode
// reports unknown or malformed frames with ok=false and callers drop them,
// which keeps every downstream reducer total.
package wire
