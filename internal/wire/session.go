// ABOUTME: Out-of-band session channel: event types, payloads, and JSON codec.
// ABOUTME: Events are flat JSON objects discriminated by a "type" field.

package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionType names an event on the session channel.
type SessionType string

const (
	SessionConnected        SessionType = "session.connected"
	SessionHumanMessage     SessionType = "message.human"
	SessionTyping           SessionType = "presence.typing"
	SessionHandoffStarted   SessionType = "handoff.started"
	SessionHandoffEnded     SessionType = "handoff.ended"
	SessionMessageWithdrawn SessionType = "message.withdrawn"
	SessionMessageEdited    SessionType = "message.edited"
	SessionMessagesDeleted  SessionType = "messages.deleted"
)

// SessionEvent is one decoded event from the session socket. Type selects
// which payload pointer is set. ID, when the server provides one, lets
// receivers drop replays across reconnects.
type SessionEvent struct {
	Type SessionType
	ID   string

	Connected *ConnectedPayload
	Human     *HumanMessagePayload
	Typing    *TypingPayload
	Handoff   *HandoffPayload
	Withdrawn *WithdrawnPayload
	Edited    *EditedPayload
	Deleted   *DeletedPayload
}

// ConnectedPayload is the handshake snapshot sent on (re)connect. It is
// authoritative: the receiver resyncs its session flags from it.
type ConnectedPayload struct {
	HandoffActive bool `json:"handoffState"`
	PeerOnline    bool `json:"peerOnline"`
}

// HumanMessagePayload is a message typed by a human operator.
type HumanMessagePayload struct {
	MessageID string `json:"messageId,omitempty"`
	Content   string `json:"content"`
	Operator  string `json:"operator,omitempty"`
}

// TypingPayload reports a presence change. It carries no message content and
// never produces a timeline item.
type TypingPayload struct {
	Role     string `json:"role,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// HandoffPayload marks a handoff boundary.
type HandoffPayload struct {
	Operator string `json:"operator,omitempty"`
}

// WithdrawnPayload retracts a message without deleting it.
type WithdrawnPayload struct {
	MessageID   string    `json:"messageId"`
	WithdrawnAt time.Time `json:"withdrawnAt"`
	WithdrawnBy string    `json:"withdrawnBy,omitempty"`
}

// EditedPayload replaces a message's content in place.
type EditedPayload struct {
	MessageID string    `json:"messageId"`
	Content   string    `json:"newContent"`
	EditedAt  time.Time `json:"editedAt"`
	EditedBy  string    `json:"editedBy,omitempty"`
}

// DeletedPayload removes a batch of messages outright.
type DeletedPayload struct {
	MessageIDs []string `json:"messageIds"`
}

// sessionHeader is the envelope every session event shares.
type sessionHeader struct {
	Type SessionType `json:"type"`
	ID   string      `json:"id,omitempty"`
}

// DecodeSessionEvent parses one session socket frame. Unknown types and
// malformed frames return ok=false; the caller skips them.
func DecodeSessionEvent(data []byte) (SessionEvent, bool) {
	var head sessionHeader
	if err := json.Unmarshal(data, &head); err != nil {
		return SessionEvent{}, false
	}
	ev := SessionEvent{Type: head.Type, ID: head.ID}
	var err error
	switch head.Type {
	case SessionConnected:
		ev.Connected, err = decodePayload[ConnectedPayload](data)
	case SessionHumanMessage:
		ev.Human, err = decodePayload[HumanMessagePayload](data)
	case SessionTyping:
		ev.Typing, err = decodePayload[TypingPayload](data)
	case SessionHandoffStarted, SessionHandoffEnded:
		ev.Handoff, err = decodePayload[HandoffPayload](data)
	case SessionMessageWithdrawn:
		ev.Withdrawn, err = decodePayload[WithdrawnPayload](data)
	case SessionMessageEdited:
		ev.Edited, err = decodePayload[EditedPayload](data)
	case SessionMessagesDeleted:
		ev.Deleted, err = decodePayload[DeletedPayload](data)
	default:
		return ev, false
	}
	if err != nil {
		return ev, false
	}
	return ev, true
}

// EncodeSessionEvent renders one session event as a flat JSON frame.
func EncodeSessionEvent(ev SessionEvent) ([]byte, error) {
	var payload any
	switch ev.Type {
	case SessionConnected:
		payload = ev.Connected
	case SessionHumanMessage:
		payload = ev.Human
	case SessionTyping:
		payload = ev.Typing
	case SessionHandoffStarted, SessionHandoffEnded:
		payload = ev.Handoff
	case SessionMessageWithdrawn:
		payload = ev.Withdrawn
	case SessionMessageEdited:
		payload = ev.Edited
	case SessionMessagesDeleted:
		payload = ev.Deleted
	default:
		return nil, fmt.Errorf("unknown session event type: %s", ev.Type)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.Type, err)
	}
	head, err := json.Marshal(sessionHeader{Type: ev.Type, ID: ev.ID})
	if err != nil {
		return nil, err
	}
	return mergeJSONObjects(head, body)
}

// mergeJSONObjects splices two flat JSON objects into one. Both inputs must
// be objects; "null" (a nil payload pointer) merges as empty.
func mergeJSONObjects(a, b []byte) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(a, &m); err != nil {
		return nil, err
	}
	if string(b) != "null" {
		var mb map[string]json.RawMessage
		if err := json.Unmarshal(b, &mb); err != nil {
			return nil, err
		}
		for k, v := range mb {
			m[k] = v
		}
	}
	return json.Marshal(m)
}
