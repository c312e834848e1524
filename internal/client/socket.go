// ABOUTME: Auto-reconnecting WebSocket client for the session channel.
// ABOUTME: Decodes frames, drops replays by event id, and forwards the rest.

package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/loom/internal/dedupe"
	"github.com/2389/loom/internal/wire"
)

const (
	defaultPingInterval = 54 * time.Second
	defaultPongTimeout  = 60 * time.Second
	defaultReconnectMin = time.Second
	defaultReconnectMax = 30 * time.Second

	// Deadline for control frame writes
	socketWriteWait = 10 * time.Second

	// Replay window for re-delivered session events
	replayTTL   = 5 * time.Minute
	replayLimit = 512
)

// SessionSink receives decoded session events. conversation.Session
// satisfies it.
type SessionSink interface {
	EnqueueSession(ev wire.SessionEvent)
}

// SocketConfig carries the dial target and keepalive tuning for the session
// socket. Zero durations fall back to the defaults.
type SocketConfig struct {
	URL          string
	Token        string
	PingInterval time.Duration
	PongTimeout  time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// SessionSocket maintains the out-of-band session connection. It redials
// with capped exponential backoff whenever the connection drops; the server
// opens every (re)connection with a session.connected frame, so downstream
// state resyncs without the socket's help. Events the gateway re-delivers
// across reconnects are dropped by id.
type SessionSocket struct {
	cfg    SocketConfig
	sink   SessionSink
	seen   *dedupe.Cache
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewSessionSocket creates a socket client that forwards decoded events to
// sink. Run must be called to connect.
func NewSessionSocket(cfg SocketConfig, sink SessionSink, logger *slog.Logger) *SessionSocket {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = defaultReconnectMax
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionSocket{
		cfg:    cfg,
		sink:   sink,
		seen:   dedupe.New(replayTTL, replayLimit),
		dialer: websocket.DefaultDialer,
		logger: logger.With("component", "socket"),
	}
}

// Run connects and keeps the session socket alive until ctx is done, then
// returns nil. Connection failures are logged and retried; they are never
// fatal.
func (s *SessionSocket) Run(ctx context.Context) error {
	delay := s.cfg.ReconnectMin
	for {
		connected, err := s.runConn(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = s.cfg.ReconnectMin
		}
		if err != nil {
			s.logger.Warn("session socket disconnected", "error", err, "retry_in", delay)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}

		delay *= 2
		if delay > s.cfg.ReconnectMax {
			delay = s.cfg.ReconnectMax
		}
	}
}

// runConn dials once and reads until the connection fails or ctx is done.
// The returned bool reports whether the dial succeeded, so the caller can
// reset its backoff.
func (s *SessionSocket) runConn(ctx context.Context) (bool, error) {
	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return false, fmt.Errorf("dialing session socket: %w", err)
	}
	defer conn.Close()
	s.logger.Info("session socket connected", "url", s.cfg.URL)

	// The reader blocks in ReadMessage, so cancellation closes the
	// connection out from under it.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(socketWriteWait))
			conn.Close()
		case <-done:
		}
	}()

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	go s.pingLoop(ctx, conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("reading session socket: %w", err)
		}
		s.dispatch(data)
	}
}

// pingLoop keeps the connection alive; the matching pongs extend the read
// deadline.
func (s *SessionSocket) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(socketWriteWait)); err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *SessionSocket) dispatch(data []byte) {
	ev, ok := wire.DecodeSessionEvent(data)
	if !ok {
		s.logger.Debug("skipping undecodable session frame")
		return
	}
	if s.seen.CheckAndMark(ev.ID) {
		s.logger.Debug("dropping replayed session event", "id", ev.ID, "type", ev.Type)
		return
	}
	s.sink.EnqueueSession(ev)
}
