// ABOUTME: HTTP and WebSocket handlers for the fake gateway.
// ABOUTME: Plays scripted turns over SSE and timed session pushes over WebSocket.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/loom/internal/auth"
	"github.com/2389/loom/internal/wire"
)

// server holds the scenario and an in-memory conversation record. Records
// are shared across connections so /api/history agrees with everything the
// other endpoints announced.
type server struct {
	scenario *Scenario
	verifier auth.Verifier
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	records []*wire.FlatMessage
}

func newServer(scenario *Scenario, verifier auth.Verifier, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	return &server{
		scenario: scenario,
		verifier: verifier,
		logger:   logger.With("component", "fake-gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dev fixture; any origin may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// routes wires the gateway surface behind optional bearer-token auth. The
// health endpoint stays open for probes.
func (s *server) routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/api/send", s.handleSend)
	api.HandleFunc("/api/messages", s.handleMessages)
	api.HandleFunc("/api/history", s.handleHistory)
	api.HandleFunc("/api/session", s.handleSession)

	mux := http.NewServeMux()
	mux.Handle("/api/", auth.Middleware(s.verifier)(api))
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		s.logger.Error("encoding health response", "error", err)
	}
}

// sendRequest is the body of POST /api/send and POST /api/messages.
type sendRequest struct {
	Content         string `json:"content"`
	Sender          string `json:"sender"`
	ClientMessageID string `json:"clientMessageId"`
}

func parseSendRequest(r io.Reader) (*sendRequest, error) {
	var req sendRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.Content == "" {
		return nil, errors.New("content is required")
	}
	if req.Sender == "" {
		return nil, errors.New("sender is required")
	}
	return &req, nil
}

func (s *server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		s.logger.Error("encoding error response", "error", err)
	}
}

// handleSend opens an SSE response and plays the matching scripted turn.
func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := parseSendRequest(r.Body)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	script := s.scenario.match(req.Content)
	if script == nil {
		script = &defaultScenario().Turns[0]
	}
	s.logger.Info("playing turn", "sender", req.Sender, "match", script.Match, "content_length", len(req.Content))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	s.playTurn(r.Context(), w, flusher, script, req)
}

// playTurn streams one scripted turn. Records are persisted only once the
// turn has actually played out, so a client that aborts mid-stream leaves
// no trace in history.
func (s *server) playTurn(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, script *TurnScript, req *sendRequest) {
	start := time.Now()
	turnID := uuid.New().String()
	callID := uuid.New().String()
	reply := strings.ReplaceAll(script.Reply, "{{input}}", req.Content)

	emit := func(ev wire.StreamEvent) bool {
		name, data, err := wire.EncodeStreamEvent(ev)
		if err != nil {
			s.logger.Error("encoding stream event", "type", ev.Type, "error", err)
			return false
		}
		fmt.Fprintf(w, "event: %s\n", name)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
		if script.Delay > 0 {
			select {
			case <-time.After(script.Delay):
			case <-ctx.Done():
				return false
			}
		}
		return ctx.Err() == nil
	}

	if !emit(wire.StreamEvent{Type: wire.StreamMetaStart, Meta: &wire.MetaStart{AssistantMessageID: turnID}}) {
		return
	}
	if !emit(wire.StreamEvent{Type: wire.StreamCallStart, CallStart: &wire.CallStart{LLMCallID: callID, MessageCount: s.recordCount() + 1}}) {
		return
	}
	for _, chunk := range chunks(script.Reasoning) {
		if !emit(wire.StreamEvent{Type: wire.StreamReasoningDelta, Delta: &wire.TextDelta{Delta: chunk}}) {
			return
		}
	}

	if script.Fail != "" {
		emit(wire.StreamEvent{Type: wire.StreamError, Fault: &wire.StreamFault{Message: script.Fail}})
		emit(wire.StreamEvent{Type: wire.StreamCallEnd, CallEnd: &wire.CallEnd{LLMCallID: callID, ElapsedMs: time.Since(start).Milliseconds(), Error: script.Fail}})
		s.saveRecord(userRecord(req))
		return
	}

	if script.Tool != "" {
		toolID := uuid.New().String()
		if !emit(wire.StreamEvent{Type: wire.StreamToolStart, ToolStart: &wire.ToolStart{ToolCallID: toolID, Name: script.Tool}}) {
			return
		}
		if !emit(wire.StreamEvent{Type: wire.StreamToolEnd, ToolEnd: &wire.ToolEnd{ToolCallID: toolID, Status: "success", Count: script.ToolResults}}) {
			return
		}
	}

	for _, chunk := range chunks(reply) {
		if !emit(wire.StreamEvent{Type: wire.StreamContentDelta, Delta: &wire.TextDelta{Delta: chunk}}) {
			return
		}
	}
	if script.Products != "" {
		if !emit(wire.StreamEvent{Type: wire.StreamProducts, Products: &wire.Products{Items: json.RawMessage(script.Products)}}) {
			return
		}
	}
	if !emit(wire.StreamEvent{Type: wire.StreamCallEnd, CallEnd: &wire.CallEnd{LLMCallID: callID, ElapsedMs: time.Since(start).Milliseconds()}}) {
		return
	}
	if !emit(wire.StreamEvent{Type: wire.StreamFinal, Final: &wire.Final{Content: reply}}) {
		return
	}

	assistant := &wire.FlatMessage{
		ID:        turnID,
		Role:      wire.RoleAssistant,
		Content:   reply,
		CreatedAt: time.Now().UTC(),
	}
	if script.Products != "" {
		assistant.StructuredPayload = json.RawMessage(script.Products)
	}
	s.saveRecord(userRecord(req))
	s.saveRecord(assistant)
}

// chunks splits text into delta-sized pieces at word boundaries. The pieces
// concatenate back to exactly the input.
func chunks(text string) []string {
	if text == "" {
		return nil
	}
	var out []string
	var b strings.Builder
	for _, word := range strings.SplitAfter(text, " ") {
		b.WriteString(word)
		if b.Len() >= 24 {
			out = append(out, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

func userRecord(req *sendRequest) *wire.FlatMessage {
	id := req.ClientMessageID
	if id == "" {
		id = uuid.New().String()
	}
	return &wire.FlatMessage{
		ID:        id,
		Role:      wire.RoleUser,
		Content:   req.Content,
		CreatedAt: time.Now().UTC(),
	}
}

// handleMessages accepts an out-of-band user message, the path the client
// takes while a human operator holds the conversation.
func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := parseSendRequest(r.Body)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec := userRecord(req)
	s.saveRecord(rec)
	s.logger.Info("accepted out-of-band message", "sender", req.Sender, "id", rec.ID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]string{"id": rec.ID}); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

// handleHistory serves the persisted records, most recent limit of them,
// oldest first.
func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	records := s.listRecords(limit)
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{"messages": records, "count": len(records)}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encoding history", "error", err)
	}
}

// handleSession upgrades to WebSocket, sends the connected handshake, and
// plays the scripted session steps. Client frames are read and discarded;
// the read loop exists to notice disconnects and answer pings.
func (s *server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	s.logger.Info("session connected", "remote", conn.RemoteAddr().String())

	connected := wire.SessionEvent{
		Type:      wire.SessionConnected,
		Connected: &wire.ConnectedPayload{PeerOnline: true},
	}
	if err := writeSession(conn, connected); err != nil {
		s.logger.Warn("writing handshake", "error", err)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.playSession(r.Context(), conn, done)
	<-done
	s.logger.Info("session closed", "remote", conn.RemoteAddr().String())
}

// playSession writes the scripted steps in order, waiting each step's delay.
// Steps replay with stable ids on every connection, so a client that
// reconnects drops the repeats as duplicates.
func (s *server) playSession(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	for i := range s.scenario.Session {
		step := &s.scenario.Session[i]
		if step.After > 0 {
			select {
			case <-time.After(step.After):
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}

		ev := step.event(i)
		if err := writeSession(conn, ev); err != nil {
			s.logger.Warn("writing session step", "index", i, "error", err)
			return
		}
		s.applyStep(ev)
		s.logger.Debug("played session step", "index", i, "type", step.Type)
	}
}

func writeSession(conn *websocket.Conn, ev wire.SessionEvent) error {
	data, err := wire.EncodeSessionEvent(ev)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// applyStep mirrors scripted mutations into the record so a later
// /api/history fetch agrees with what the session channel announced.
func (s *server) applyStep(ev wire.SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case wire.SessionHumanMessage:
		s.upsertLocked(&wire.FlatMessage{
			ID:        ev.Human.MessageID,
			Role:      wire.RoleOperator,
			Content:   ev.Human.Content,
			Operator:  ev.Human.Operator,
			CreatedAt: time.Now().UTC(),
		})
	case wire.SessionMessageWithdrawn:
		if rec := s.findLocked(ev.Withdrawn.MessageID); rec != nil && !rec.Withdrawn {
			at := ev.Withdrawn.WithdrawnAt
			rec.Withdrawn = true
			rec.WithdrawnAt = &at
			rec.WithdrawnBy = ev.Withdrawn.WithdrawnBy
		}
	case wire.SessionMessageEdited:
		if rec := s.findLocked(ev.Edited.MessageID); rec != nil {
			at := ev.Edited.EditedAt
			rec.Content = ev.Edited.Content
			rec.Edited = true
			rec.EditedAt = &at
			rec.EditedBy = ev.Edited.EditedBy
		}
	case wire.SessionMessagesDeleted:
		drop := make(map[string]bool, len(ev.Deleted.MessageIDs))
		for _, id := range ev.Deleted.MessageIDs {
			drop[id] = true
		}
		kept := s.records[:0]
		for _, rec := range s.records {
			if !drop[rec.ID] {
				kept = append(kept, rec)
			}
		}
		s.records = kept
	}
}

func (s *server) saveRecord(rec *wire.FlatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(rec)
}

// upsertLocked replaces a record with the same id in place, keeping its
// position, or appends. Callers hold s.mu.
func (s *server) upsertLocked(rec *wire.FlatMessage) {
	for i, existing := range s.records {
		if existing.ID == rec.ID {
			s.records[i] = rec
			return
		}
	}
	s.records = append(s.records, rec)
}

func (s *server) findLocked(id string) *wire.FlatMessage {
	for _, rec := range s.records {
		if rec.ID == id {
			return rec
		}
	}
	return nil
}

func (s *server) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// listRecords returns the most recent limit records in oldest-first order.
// limit <= 0 returns everything.
func (s *server) listRecords(limit int) []*wire.FlatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*wire.FlatMessage, n)
	copy(out, s.records[len(s.records)-n:])
	return out
}
