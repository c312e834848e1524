// Package client implements the two channel clients that feed the session.
//
// # Overview
//
// The gateway exposes a pull channel and a push channel. Gateway covers the
// pull side: POST /api/send opens a streamed assistant turn answered over
// SSE, POST /api/messages delivers a message with no stream coming back, and
// GET /api/history fetches the flat persisted conversation. SessionSocket
// covers the push side: a WebSocket on /api/session carrying out-of-band
// session events.
//
// # Turn Streams
//
// OpenTurn returns a conversation.EventStream. Next blocks until the server
// yields an event, the turn ends (io.EOF), or the context is cancelled.
// Frames with unknown event names or malformed payloads are skipped, never
// surfaced as errors; sequence numbers are assigned in arrival order for
// fallback id generation downstream.
//
// # Session Socket
//
// SessionSocket redials with capped exponential backoff whenever the
// connection drops and keeps it alive with pings. The server opens every
// (re)connection with a session.connected snapshot, which resyncs the
// session's flags; events the gateway re-delivers across reconnects are
// dropped by id before they reach the session queue.
//
// # Authentication
//
// Both channels authenticate with a bearer token:
//
//	Authorization: Bearer <token>
//
// An empty token leaves the header off, for gateways running without auth.
//
// # Usage
//
// The TUI wires both clients to one session:
//
//	gw := client.NewGateway(cfg.Gateway.BaseURL, token, logger)
//	session := conversation.NewSession(ctrl, gw, store, cfg.Sender, logger)
//	sock := client.NewSessionSocket(socketCfg, session, logger)
//	go sock.Run(ctx)
package client
