// ABOUTME: Per-turn streaming channel: event types, payloads, and SSE codec.
// ABOUTME: The set of event names is closed; unknown names fail decode cleanly.

package wire

import (
	"encoding/json"
	"fmt"
)

// StreamType names an event on the per-turn streaming channel.
type StreamType string

const (
	StreamMetaStart      StreamType = "meta.start"
	StreamCallStart      StreamType = "llm.call.start"
	StreamCallEnd        StreamType = "llm.call.end"
	StreamReasoningDelta StreamType = "assistant.reasoning.delta"
	StreamContentDelta   StreamType = "assistant.delta"
	StreamToolStart      StreamType = "tool.start"
	StreamToolEnd        StreamType = "tool.end"
	StreamProducts       StreamType = "assistant.products"
	StreamMemoryUpdated  StreamType = "memory.updated"
	StreamFinal          StreamType = "assistant.final"
	StreamError          StreamType = "error"
)

// StreamEvent is one decoded event from a turn stream. Type selects which
// payload pointer is set. Seq is assigned by the receiver in arrival order
// and is used only for fallback id generation.
type StreamEvent struct {
	Type StreamType
	Seq  int64

	Meta      *MetaStart
	CallStart *CallStart
	CallEnd   *CallEnd
	Delta     *TextDelta
	ToolStart *ToolStart
	ToolEnd   *ToolEnd
	Products  *Products
	Memory    *MemoryUpdate
	Final     *Final
	Fault     *StreamFault
}

// MetaStart announces the server-assigned turn id.
type MetaStart struct {
	AssistantMessageID string `json:"assistantMessageId,omitempty"`
}

// CallStart opens an LLM call within the turn.
type CallStart struct {
	LLMCallID    string `json:"llmCallId,omitempty"`
	MessageCount int    `json:"messageCount"`
}

// CallEnd closes an LLM call. An empty LLMCallID means "the most recent
// still-open call".
type CallEnd struct {
	LLMCallID string `json:"llmCallId,omitempty"`
	ElapsedMs int64  `json:"elapsedMs,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TextDelta carries a chunk of reasoning or content text.
type TextDelta struct {
	Delta string `json:"delta"`
}

// ToolStart opens a tool invocation.
type ToolStart struct {
	ToolCallID string `json:"toolCallId,omitempty"`
	Name       string `json:"name"`
}

// ToolEnd closes a tool invocation.
type ToolEnd struct {
	ToolCallID string `json:"toolCallId"`
	Status     string `json:"status,omitempty"`
	Count      int    `json:"count,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Products carries a structured result batch. Items is kept as raw JSON and
// passed through the engine untouched.
type Products struct {
	Items json.RawMessage `json:"items"`
}

// MemoryUpdate reports a background memory write.
type MemoryUpdate struct {
	Note string `json:"note"`
}

// Final carries the authoritative full content of the turn.
type Final struct {
	Content string `json:"content"`
}

// StreamFault reports an error without ending the stream.
type StreamFault struct {
	Message string `json:"message"`
}

// DecodeStreamEvent turns an SSE (event name, data) pair into a typed event.
// Unknown event names and malformed payloads return ok=false so callers can
// skip them without branching on error causes.
func DecodeStreamEvent(name string, data []byte, seq int64) (StreamEvent, bool) {
	ev := StreamEvent{Type: StreamType(name), Seq: seq}
	var err error
	switch ev.Type {
	case StreamMetaStart:
		ev.Meta, err = decodePayload[MetaStart](data)
	case StreamCallStart:
		ev.CallStart, err = decodePayload[CallStart](data)
	case StreamCallEnd:
		ev.CallEnd, err = decodePayload[CallEnd](data)
	case StreamReasoningDelta, StreamContentDelta:
		ev.Delta, err = decodePayload[TextDelta](data)
	case StreamToolStart:
		ev.ToolStart, err = decodePayload[ToolStart](data)
	case StreamToolEnd:
		ev.ToolEnd, err = decodePayload[ToolEnd](data)
	case StreamProducts:
		ev.Products, err = decodePayload[Products](data)
	case StreamMemoryUpdated:
		ev.Memory, err = decodePayload[MemoryUpdate](data)
	case StreamFinal:
		ev.Final, err = decodePayload[Final](data)
	case StreamError:
		ev.Fault, err = decodePayload[StreamFault](data)
	default:
		return ev, false
	}
	if err != nil {
		return ev, false
	}
	return ev, true
}

// EncodeStreamEvent renders the event as an SSE (event name, data) pair.
func EncodeStreamEvent(ev StreamEvent) (string, []byte, error) {
	var payload any
	switch ev.Type {
	case StreamMetaStart:
		payload = ev.Meta
	case StreamCallStart:
		payload = ev.CallStart
	case StreamCallEnd:
		payload = ev.CallEnd
	case StreamReasoningDelta, StreamContentDelta:
		payload = ev.Delta
	case StreamToolStart:
		payload = ev.ToolStart
	case StreamToolEnd:
		payload = ev.ToolEnd
	case StreamProducts:
		payload = ev.Products
	case StreamMemoryUpdated:
		payload = ev.Memory
	case StreamFinal:
		payload = ev.Final
	case StreamError:
		payload = ev.Fault
	default:
		return "", nil, fmt.Errorf("unknown stream event type: %s", ev.Type)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("marshal %s payload: %w", ev.Type, err)
	}
	if string(data) == "null" {
		data = []byte("{}")
	}
	return string(ev.Type), data, nil
}

func decodePayload[T any](data []byte) (*T, error) {
	var p T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
	}
	return &p, nil
}
