// ABOUTME: Timeline item model: a closed tagged union over renderable row kinds.
// ABOUTME: Exactly one payload pointer is set on each item, matching its Kind.

package timeline

import (
	"encoding/json"
	"time"
)

// Kind discriminates the payload carried by an Item. The set is closed:
// consumers switch over it exhaustively and treat anything else as a bug.
type Kind string

const (
	KindUserMessage      Kind = "user_message"
	KindLLMCall          Kind = "llm_call"
	KindReasoning        Kind = "reasoning"
	KindContent          Kind = "content"
	KindToolCall         Kind = "tool_call"
	KindStructuredResult Kind = "structured_result"
	KindError            Kind = "error"
	KindFinal            Kind = "final"
	KindMemoryEvent      Kind = "memory_event"
	KindSupportEvent     Kind = "support_event"
)

// CallStatus tracks the lifecycle of LLM calls and tool calls.
type CallStatus string

const (
	StatusRunning CallStatus = "running"
	StatusSuccess CallStatus = "success"
	StatusError   CallStatus = "error"
)

// SupportKind distinguishes the out-of-band events surfaced inline in the
// timeline: operator messages and handoff boundary markers.
type SupportKind string

const (
	SupportOperatorMessage SupportKind = "operator_message"
	SupportHandoffStarted  SupportKind = "handoff_started"
	SupportHandoffEnded    SupportKind = "handoff_ended"
)

// Item is one row of the conversation timeline. ID is unique within a store;
// TurnID groups the rows produced by a single assistant turn. Items that do
// not belong to a turn (user messages before rekeying, support events) carry
// their own id as the turn id.
type Item struct {
	ID        string
	TurnID    string
	Kind      Kind
	CreatedAt time.Time

	// Moderation flags. Set only through the mutation path; merge rules for
	// streaming events never touch them.
	Withdrawn   bool
	WithdrawnAt time.Time
	WithdrawnBy string
	Edited      bool
	EditedAt    time.Time
	EditedBy    string

	User      *UserMessage
	Call      *LLMCall
	Reasoning *Reasoning
	Content   *Content
	Tool      *ToolCall
	Result    *StructuredResult
	Fault     *Fault
	Final     *Final
	Memory    *MemoryNote
	Support   *SupportNote
}

// UserMessage is a message authored by the local user.
type UserMessage struct {
	Author string
	Text   string
}

// LLMCall records one model invocation inside a turn. CallID attributes
// subsequent deltas; it is distinct from the item id.
type LLMCall struct {
	CallID       string
	Status       CallStatus
	MessageCount int
	ElapsedMs    int64
	Error        string
}

// Reasoning accumulates the model's reasoning text for one call. Once Closed,
// late deltas for the same call are discarded rather than reopening it.
type Reasoning struct {
	CallID string
	Text   string
	Closed bool
}

// Content accumulates the assistant's answer text for one call.
type Content struct {
	CallID string
	Text   string
}

// ToolCall records one tool invocation. Elapsed time is measured against the
// item's own StartedAt, never against wall-clock data from the wire.
type ToolCall struct {
	ToolID    string
	Name      string
	Status    CallStatus
	Count     int
	Error     string
	StartedAt time.Time
	ElapsedMs int64
}

// StructuredResult carries a structured product batch exactly as it arrived;
// the engine never inspects or rewrites the payload.
type StructuredResult struct {
	Items json.RawMessage
}

// Fault is a terminal error row. Its presence does not imply the turn stopped
// streaming.
type Fault struct {
	Message string
}

// Final marks the authoritative end-of-turn content where a consumer chooses
// to render it as its own row. The engine itself folds final content into the
// last Content item instead of inserting one of these.
type Final struct {
	Text string
}

// MemoryNote surfaces a background memory update.
type MemoryNote struct {
	Note string
}

// SupportNote is an out-of-band session row: an operator message or a handoff
// boundary marker.
type SupportNote struct {
	Event    SupportKind
	Operator string
	Text     string
}

// clone returns a deep copy of the item. The payload struct is duplicated so
// the copy stays stable when the stored item is later updated in place.
func (it Item) clone() Item {
	cp := it
	if it.User != nil {
		v := *it.User
		cp.User = &v
	}
	if it.Call != nil {
		v := *it.Call
		cp.Call = &v
	}
	if it.Reasoning != nil {
		v := *it.Reasoning
		cp.Reasoning = &v
	}
	if it.Content != nil {
		v := *it.Content
		cp.Content = &v
	}
	if it.Tool != nil {
		v := *it.Tool
		cp.Tool = &v
	}
	if it.Result != nil {
		v := *it.Result
		v.Items = append(json.RawMessage(nil), it.Result.Items...)
		cp.Result = &v
	}
	if it.Fault != nil {
		v := *it.Fault
		cp.Fault = &v
	}
	if it.Final != nil {
		v := *it.Final
		cp.Final = &v
	}
	if it.Memory != nil {
		v := *it.Memory
		cp.Memory = &v
	}
	if it.Support != nil {
		v := *it.Support
		cp.Support = &v
	}
	return cp
}

// Text returns the item's primary text, if its kind carries one.
func (it *Item) Text() string {
	switch it.Kind {
	case KindUserMessage:
		return it.User.Text
	case KindReasoning:
		return it.Reasoning.Text
	case KindContent:
		return it.Content.Text
	case KindError:
		return it.Fault.Message
	case KindFinal:
		return it.Final.Text
	case KindMemoryEvent:
		return it.Memory.Note
	case KindSupportEvent:
		return it.Support.Text
	}
	return ""
}
