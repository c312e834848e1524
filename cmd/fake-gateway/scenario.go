// ABOUTME: TOML scenario loading for the fake gateway.
// ABOUTME: Scripts turn playback and timed session pushes, with env expansion.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/2389/loom/internal/wire"
)

const defaultTurnDelay = 40 * time.Millisecond

// Scenario scripts the fake gateway. Turns answer POST /api/send; session
// steps are pushed over each WebSocket connection in order.
type Scenario struct {
	Turns   []TurnScript  `toml:"turn"`
	Session []SessionStep `toml:"session"`
}

// TurnScript is one scripted assistant turn. The first turn whose match
// substring appears in the user message plays; a turn with no match is the
// fallback. "{{input}}" in the reply is replaced with the user message.
type TurnScript struct {
	Match       string `toml:"match"`
	Reasoning   string `toml:"reasoning"`
	Reply       string `toml:"reply"`
	Tool        string `toml:"tool"`
	ToolResults int    `toml:"tool_results"`
	Products    string `toml:"products"`
	Fail        string `toml:"fail"`
	DelayRaw    string `toml:"delay"`

	Delay time.Duration `toml:"-"`
}

// SessionStep is one scripted push on the session channel. After is the
// delay before this step, measured from the previous one (or from connect).
// Steps replay identically on every connection with stable ids, so clients
// that reconnect drop them as duplicates.
type SessionStep struct {
	AfterRaw   string   `toml:"after"`
	Type       string   `toml:"type"`
	Operator   string   `toml:"operator"`
	Content    string   `toml:"content"`
	MessageID  string   `toml:"message_id"`
	MessageIDs []string `toml:"message_ids"`
	Typing     bool     `toml:"typing"`

	After time.Duration `toml:"-"`
}

// LoadScenario reads a scenario from the given path, expanding environment
// variables.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var sc Scenario
	if _, err := toml.Decode(expanded, &sc); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}

	if err := sc.parseDurations(); err != nil {
		return nil, err
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("validating scenario: %w", err)
	}

	return &sc, nil
}

// defaultScenario echoes messages back with some markdown, the way a real
// assistant would stream them.
func defaultScenario() *Scenario {
	return &Scenario{
		Turns: []TurnScript{{
			Reasoning: "Echoing the message back with some formatting.",
			Reply:     "Echo: **{{input}}**\n\nI received your message and am responding with some *formatted* text.",
			Delay:     defaultTurnDelay,
		}},
	}
}

// match returns the scripted turn for a user message: the first turn whose
// match substring appears in it, else the first turn with no match at all.
// Returns nil when nothing applies.
func (s *Scenario) match(content string) *TurnScript {
	lower := strings.ToLower(content)
	var fallback *TurnScript
	for i := range s.Turns {
		t := &s.Turns[i]
		if t.Match == "" {
			if fallback == nil {
				fallback = t
			}
			continue
		}
		if strings.Contains(lower, strings.ToLower(t.Match)) {
			return t
		}
	}
	return fallback
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

func (s *Scenario) parseDurations() error {
	for i := range s.Turns {
		t := &s.Turns[i]
		if t.DelayRaw == "" {
			t.Delay = defaultTurnDelay
			continue
		}
		d, err := time.ParseDuration(t.DelayRaw)
		if err != nil {
			return fmt.Errorf("parsing turn %d delay %q: %w", i+1, t.DelayRaw, err)
		}
		t.Delay = d
	}
	for i := range s.Session {
		st := &s.Session[i]
		if st.AfterRaw == "" {
			continue
		}
		d, err := time.ParseDuration(st.AfterRaw)
		if err != nil {
			return fmt.Errorf("parsing session step %d after %q: %w", i+1, st.AfterRaw, err)
		}
		st.After = d
	}
	return nil
}

// stepTypes are the session event types a scenario may script. The
// session.connected handshake is sent by the server itself.
var stepTypes = map[wire.SessionType]bool{
	wire.SessionHumanMessage:     true,
	wire.SessionTyping:           true,
	wire.SessionHandoffStarted:   true,
	wire.SessionHandoffEnded:     true,
	wire.SessionMessageWithdrawn: true,
	wire.SessionMessageEdited:    true,
	wire.SessionMessagesDeleted:  true,
}

// Validate checks that the scripted turns and steps are playable.
func (s *Scenario) Validate() error {
	for i, t := range s.Turns {
		if t.Reply == "" && t.Fail == "" {
			return fmt.Errorf("turn %d: reply or fail is required", i+1)
		}
		if t.Products != "" && !json.Valid([]byte(t.Products)) {
			return fmt.Errorf("turn %d: products is not valid JSON", i+1)
		}
	}
	for i, st := range s.Session {
		typ := wire.SessionType(st.Type)
		if !stepTypes[typ] {
			return fmt.Errorf("session step %d: unknown type %q", i+1, st.Type)
		}
		switch typ {
		case wire.SessionHumanMessage:
			if st.Content == "" {
				return fmt.Errorf("session step %d: content is required for %s", i+1, st.Type)
			}
		case wire.SessionMessageWithdrawn:
			if st.MessageID == "" {
				return fmt.Errorf("session step %d: message_id is required for %s", i+1, st.Type)
			}
		case wire.SessionMessageEdited:
			if st.MessageID == "" || st.Content == "" {
				return fmt.Errorf("session step %d: message_id and content are required for %s", i+1, st.Type)
			}
		case wire.SessionMessagesDeleted:
			if st.MessageID == "" && len(st.MessageIDs) == 0 {
				return fmt.Errorf("session step %d: message_id or message_ids is required for %s", i+1, st.Type)
			}
		}
	}
	return nil
}

// event builds the wire event for a step. Steps carry stable ids derived
// from their position; typing frames stay id-less so presence re-applies
// after a reconnect instead of being dropped as a replay.
func (st *SessionStep) event(idx int) wire.SessionEvent {
	id := fmt.Sprintf("step-%d", idx+1)
	ev := wire.SessionEvent{Type: wire.SessionType(st.Type), ID: id}

	switch ev.Type {
	case wire.SessionHumanMessage:
		msgID := st.MessageID
		if msgID == "" {
			msgID = id
		}
		ev.Human = &wire.HumanMessagePayload{
			MessageID: msgID,
			Content:   st.Content,
			Operator:  st.Operator,
		}
	case wire.SessionTyping:
		ev.ID = ""
		ev.Typing = &wire.TypingPayload{Role: "operator", IsTyping: st.Typing}
	case wire.SessionHandoffStarted, wire.SessionHandoffEnded:
		ev.Handoff = &wire.HandoffPayload{Operator: st.Operator}
	case wire.SessionMessageWithdrawn:
		ev.Withdrawn = &wire.WithdrawnPayload{
			MessageID:   st.MessageID,
			WithdrawnAt: time.Now().UTC(),
			WithdrawnBy: st.Operator,
		}
	case wire.SessionMessageEdited:
		ev.Edited = &wire.EditedPayload{
			MessageID: st.MessageID,
			Content:   st.Content,
			EditedAt:  time.Now().UTC(),
			EditedBy:  st.Operator,
		}
	case wire.SessionMessagesDeleted:
		ids := st.MessageIDs
		if len(ids) == 0 {
			ids = []string{st.MessageID}
		}
		ev.Deleted = &wire.DeletedPayload{MessageIDs: ids}
	}
	return ev
}
