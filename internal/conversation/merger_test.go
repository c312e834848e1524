// ABOUTME: Tests for the stream event merger: folding, rekeying, call stack,
// ABOUTME: delta accumulation, final reconciliation, abort, and fencing.

package conversation

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom/internal/idgen"
	"github.com/2389/loom/internal/timeline"
	"github.com/2389/loom/internal/wire"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	return New(idgen.NewSequence("item"), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func metaStart(id string) wire.StreamEvent {
	return wire.StreamEvent{Type: wire.StreamMetaStart, Meta: &wire.MetaStart{AssistantMessageID: id}}
}

func callStart(id string, count int) wire.StreamEvent {
	return wire.StreamEvent{Type: wire.StreamCallStart, CallStart: &wire.CallStart{LLMCallID: id, MessageCount: count}}
}

func callEnd(id string, elapsed int64, errMsg string) wire.StreamEvent {
	return wire.StreamEvent{Type: wire.StreamCallEnd, CallEnd: &wire.CallEnd{LLMCallID: id, ElapsedMs: elapsed, Error: errMsg}}
}

func reasoningDelta(s string) wire.StreamEvent {
	return wire.StreamEvent{Type: wire.StreamReasoningDelta, Delta: &wire.TextDelta{Delta: s}}
}

func contentDelta(s string) wire.StreamEvent {
	return wire.StreamEvent{Type: wire.StreamContentDelta, Delta: &wire.TextDelta{Delta: s}}
}

func toolStart(id, name string) wire.StreamEvent {
	return wire.StreamEvent{Type: wire.StreamToolStart, ToolStart: &wire.ToolStart{ToolCallID: id, Name: name}}
}

func toolEnd(id, status string, count int) wire.StreamEvent {
	return wire.StreamEvent{Type: wire.StreamToolEnd, ToolEnd: &wire.ToolEnd{ToolCallID: id, Status: status, Count: count}}
}

func finalEvent(content string) wire.StreamEvent {
	return wire.StreamEvent{Type: wire.StreamFinal, Final: &wire.Final{Content: content}}
}

func errorEvent(msg string) wire.StreamEvent {
	return wire.StreamEvent{Type: wire.StreamError, Fault: &wire.StreamFault{Message: msg}}
}

func kinds(items []timeline.Item) []timeline.Kind {
	out := make([]timeline.Kind, len(items))
	for i, it := range items {
		out[i] = it.Kind
	}
	return out
}

func itemsOfTurn(items []timeline.Item, turnID string) []timeline.Item {
	var out []timeline.Item
	for _, it := range items {
		if it.TurnID == turnID {
			out = append(out, it)
		}
	}
	return out
}

func TestController_SimpleTurnFoldsToContent(t *testing.T) {
	c := newTestController(t)

	_, gen, err := c.BeginTurn("user", "hello")
	require.NoError(t, err)

	c.ApplyStream(gen, metaStart("T1"))
	c.ApplyStream(gen, callStart("L1", 3))
	c.ApplyStream(gen, contentDelta("Hi"))
	c.ApplyStream(gen, contentDelta(" there"))
	c.ApplyStream(gen, callEnd("L1", 120, ""))
	c.ApplyStream(gen, finalEvent("Hi there"))

	items := c.Timeline()
	require.Equal(t, []timeline.Kind{
		timeline.KindUserMessage,
		timeline.KindLLMCall,
		timeline.KindContent,
	}, kinds(items))

	for _, it := range items {
		assert.Equal(t, "T1", it.TurnID)
	}
	assert.Equal(t, "hello", items[0].User.Text)
	assert.Equal(t, timeline.StatusSuccess, items[1].Call.Status)
	assert.Equal(t, int64(120), items[1].Call.ElapsedMs)
	assert.Equal(t, "Hi there", items[2].Content.Text)
	assert.False(t, c.IsStreaming())
}

func TestController_FinalMatchingAccumulatedIsNoOp(t *testing.T) {
	c := newTestController(t)

	_, gen, err := c.BeginTurn("user", "question")
	require.NoError(t, err)

	c.ApplyStream(gen, callStart("L1", 1))
	c.ApplyStream(gen, reasoningDelta("let me "))
	c.ApplyStream(gen, reasoningDelta("think"))
	c.ApplyStream(gen, contentDelta("answer"))
	c.ApplyStream(gen, finalEvent("answer"))

	items := c.Timeline()
	require.Equal(t, []timeline.Kind{
		timeline.KindUserMessage,
		timeline.KindLLMCall,
		timeline.KindReasoning,
		timeline.KindContent,
	}, kinds(items))
	assert.Equal(t, "let me think", items[2].Reasoning.Text)
	assert.True(t, items[2].Reasoning.Closed)
	assert.Equal(t, "answer", items[3].Content.Text)
}

func TestController_ReasoningNeverReopensAfterContent(t *testing.T) {
	c := newTestController(t)

	_, gen, err := c.BeginTurn("user", "q")
	require.NoError(t, err)

	c.ApplyStream(gen, callStart("L1", 1))
	c.ApplyStream(gen, reasoningDelta("thinking"))
	c.ApplyStream(gen, contentDelta("typing"))
	c.ApplyStream(gen, reasoningDelta(" more"))

	turn := c.CurrentTurnID()
	got := itemsOfTurn(c.Timeline(), turn)
	require.Equal(t, []timeline.Kind{
		timeline.KindUserMessage,
		timeline.KindLLMCall,
		timeline.KindReasoning,
		timeline.KindContent,
	}, kinds(got))
	assert.Equal(t, "thinking", got[2].Reasoning.Text, "late delta must not append")
	assert.True(t, got[2].Reasoning.Closed)
	assert.Equal(t, "typing", got[3].Content.Text)
}

func TestController_AbortPurgesInFlightTurn(t *testing.T) {
	c := newTestController(t)

	// Complete a first turn so there is prior history to protect.
	_, gen, err := c.BeginTurn("user", "first")
	require.NoError(t, err)
	c.ApplyStream(gen, metaStart("T1"))
	c.ApplyStream(gen, callStart("L1", 1))
	c.ApplyStream(gen, contentDelta("done"))
	c.ApplyStream(gen, finalEvent("done"))
	_, ok := c.FinishTurn(gen)
	require.True(t, ok)
	before := c.Timeline()

	_, gen2, err := c.BeginTurn("user", "second")
	require.NoError(t, err)
	c.ApplyStream(gen2, metaStart("T2"))
	c.ApplyStream(gen2, callStart("L2", 1))
	c.ApplyStream(gen2, contentDelta("par"))
	c.ApplyStream(gen2, contentDelta("tial"))

	require.True(t, c.Abort())

	assert.Equal(t, before, c.Timeline(), "prior turns must be untouched")
	assert.False(t, c.IsStreaming())
	assert.Empty(t, c.CurrentTurnID())

	// A later send succeeds.
	_, _, err = c.BeginTurn("user", "third")
	assert.NoError(t, err)
}

func TestController_AbortIdempotentAndSafeWhenIdle(t *testing.T) {
	c := newTestController(t)

	assert.False(t, c.Abort())

	_, _, err := c.BeginTurn("user", "q")
	require.NoError(t, err)
	assert.True(t, c.Abort())
	assert.False(t, c.Abort())
	assert.Equal(t, 0, len(c.Timeline()))
}

func TestController_StaleGenerationEventsDropped(t *testing.T) {
	c := newTestController(t)

	_, gen1, err := c.BeginTurn("user", "first")
	require.NoError(t, err)
	require.True(t, c.Abort())

	_, gen2, err := c.BeginTurn("user", "second")
	require.NoError(t, err)
	c.ApplyStream(gen2, callStart("L2", 1))

	// Stragglers from the aborted turn must not touch the successor.
	c.ApplyStream(gen1, contentDelta("ghost"))
	c.ApplyStream(gen1, finalEvent("ghost"))

	items := c.Timeline()
	require.Equal(t, []timeline.Kind{timeline.KindUserMessage, timeline.KindLLMCall}, kinds(items))
	assert.True(t, c.IsStreaming(), "stale final must not end streaming")
}

func TestController_SendRejectedWhileStreaming(t *testing.T) {
	c := newTestController(t)

	_, _, err := c.BeginTurn("user", "first")
	require.NoError(t, err)

	_, _, err = c.BeginTurn("user", "second")
	assert.ErrorIs(t, err, ErrTurnActive)
}

func TestController_RekeyRelabelsProvisionalTurn(t *testing.T) {
	c := newTestController(t)

	prov, gen, err := c.BeginTurn("user", "hello")
	require.NoError(t, err)

	c.ApplyStream(gen, callStart("L1", 1))
	c.ApplyStream(gen, metaStart("srv-42"))

	assert.Equal(t, "srv-42", c.CurrentTurnID())
	for _, it := range c.Timeline() {
		assert.Equal(t, "srv-42", it.TurnID)
		assert.NotEqual(t, prov, it.TurnID)
	}
}

func TestController_RekeyReplayedConverges(t *testing.T) {
	c := newTestController(t)

	_, gen, err := c.BeginTurn("user", "hello")
	require.NoError(t, err)

	c.ApplyStream(gen, metaStart("srv-42"))
	after := c.Timeline()
	c.ApplyStream(gen, metaStart("srv-42"))

	assert.Equal(t, after, c.Timeline())
	assert.Equal(t, "srv-42", c.CurrentTurnID())
}

func TestController_CallEndFallsBackToStackTop(t *testing.T) {
	c := newTestController(t)

	_, gen, err := c.BeginTurn("user", "q")
	require.NoError(t, err)

	c.ApplyStream(gen, callStart("L1", 1))
	c.ApplyStream(gen, callStart("L2", 2))
	c.ApplyStream(gen, callEnd("", 50, ""))

	items := c.Timeline()
	require.Equal(t, 3, len(items))
	assert.Equal(t, timeline.StatusRunning, items[1].Call.Status, "L1 still open")
	assert.Equal(t, timeline.StatusSuccess, items[2].Call.Status, "stack top L2 closed")
}

func TestController_CallEndByExplicitIdAnywhereInStack(t *testing.T) {
	c := newTestController(t)

	_, gen, err := c.BeginTurn("user", "q")
	require.NoError(t, err)

	c.ApplyStream(gen, callStart("L1", 1))
	c.ApplyStream(gen, callStart("L2", 2))
	// L1 finishes first even though L2 is on top.
	c.ApplyStream(gen, callEnd("L1", 80, ""))

	items := c.Timeline()
	assert.Equal(t, timeline.StatusSuccess, items[1].Call.Status)
	assert.Equal(t, timeline.StatusRunning, items[2].Call.Status)

	// Deltas still go to the surviving top, L2.
	c.ApplyStream(gen, contentDelta("from L2"))
	got := c.Timeline()[3]
	require.Equal(t, timeline.KindContent, got.Kind)
	assert.Equal(t, "L2", got.Content.CallID)
}

func TestController_CallEndWithErrorMarksFailure(t *testing.T) {
	c := newTestController(t)

	_, gen, err := c.BeginTurn("user", "q")
	require.NoError(t, err)

	c.ApplyStream(gen, callStart("L1", 1))
	c.ApplyStream(gen, callEnd("L1", 10, "model timeout"))

	it := c.Timeline()[1]
	assert.Equal(t, timeline.StatusError, it.Call.Status)
	assert.Equal(t, "model timeout", it.Call.Error)
}

func TestController_CallEndWithEmptyStackIsNoOp(t *testing.T) {
	c := newTestController(t)

	_, gen, err := c.BeginTurn("user", "q")
	require.NoError(t, err)

	c.ApplyStream(gen, callEnd("", 10, ""))

	assert.Equal(t, []timeline.Kind{timeline.KindUserMessage}, kinds(c.Timeline()))
}

func TestController_SecondCallStartsFreshContentItem(t *testing.T) {
	c := newTestController(t)

	_, gen, err := c.BeginTurn("user", "q")
	require.NoError(t, err)

	c.ApplyStream(gen, callStart("L1", 1))
	c.ApplyStream(gen, contentDelta("first"))
	c.ApplyStream(gen, callEnd("L1", 5, ""))
	c.ApplyStream(gen, callStart("L2", 2))
	c.ApplyStream(gen, contentDelta("second"))

	items := c.Timeline()
	require.Equal(t, []timeline.Kind{
		timeline.KindUserMessage,
		timeline.KindLLMCall,
		timeline.KindContent,
		timeline.KindLLMCall,
		timeline.KindContent,
	}, kinds(items))
	assert.Equal(t, "first", items[2].Content.Text)
	assert.Equal(t, "L1", items[2].Content.CallID)
	assert.Equal(t, "second", items[4].Content.Text)
	assert.Equal(t, "L2", items[4].Content.CallID)
}

func TestController_ToolLifecycle(t *testing.T) {
	c := newTestController(t)
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return start }

	_, gen, err := c.BeginTurn("user", "q")
	require.NoError(t, err)

	c.ApplyStream(gen, callStart("L1", 1))
	c.ApplyStream(gen, toolStart("tool-1", "kb.search"))

	// Elapsed time comes from the item's local start, not wire timestamps.
	c.now = func() time.Time { return start.Add(250 * time.Millisecond) }
	c.ApplyStream(gen, toolEnd("tool-1", "success", 4))

	var tool timeline.Item
	for _, it := range c.Timeline() {
		if it.Kind == timeline.KindToolCall {
			tool = it
		}
	}
	require.NotNil(t, tool.Tool)
	assert.Equal(t, "kb.search", tool.Tool.Name)
	assert.Equal(t, timeline.StatusSuccess, tool.Tool.Status)
	assert.Equal(t, 4, tool.Tool.Count)
	assert.Equal(t, int64(250), tool.Tool.ElapsedMs)
}

func TestController_ToolEndUnmatchedIsNoOp(t *testing.T) {
	c := newTestController(t)

	_, gen, err := c.BeginTurn("user", "q")
	require.NoError(t, err)

	before := c.Timeline()
	c.ApplyStream(gen, toolEnd("never-started", "success", 0))
	assert.Equal(t, before, c.Timeline())
}

func TestController_ProductsInsertedVerbatim(t *testing.T) {
	c := newTestController(t)

	_, gen, err := c.BeginTurn("user", "q")
	require.NoError(t, err)

	raw := `[{"kind":"doc","title":"Q3 report"},{"kind":"link","url":"https://example.com"}]`
	c.ApplyStream(gen, wire.StreamEvent{Type: wire.StreamProducts, Products: &wire.Products{Items: []byte(raw)}})

	items := c.Timeline()
	require.Equal(t, timeline.KindStructuredResult, items[1].Kind)
	assert.JSONEq(t, raw, string(items[1].Result.Items))
}

func TestController_ErrorEventKeepsStreaming(t *testing.T) {
	c := newTestController(t)

	_, gen, err := c.BeginTurn("user", "q")
	require.NoError(t, err)

	c.ApplyStream(gen, callStart("L1", 1))
	c.ApplyStream(gen, errorEvent("tool exploded"))

	items := c.Timeline()
	require.Equal(t, timeline.KindError, items[2].Kind)
	assert.Equal(t, "tool exploded", items[2].Fault.Message)
	assert.Equal(t, c.CurrentTurnID(), items[2].TurnID)
	assert.True(t, c.IsStreaming(), "an error event alone does not end streaming")

	// The stream continues and content still lands.
	c.ApplyStream(gen, contentDelta("recovered"))
	assert.Equal(t, "recovered", c.Timeline()[3].Content.Text)
}

func TestController_FinalExtendsStrictPrefix(t *testing.T) {
	c := newTestController(t)

	_, gen, err := c.BeginTurn("user", "q")
	require.NoError(t, err)

	c.ApplyStream(gen, callStart("L1", 1))
	c.ApplyStream(gen, contentDelta("Hello"))
	c.ApplyStream(gen, finalEvent("Hello, world"))

	assert.Equal(t, "Hello, world", c.Timeline()[2].Content.Text)
}

func TestController_FinalDivergentKeepsAccumulated(t *testing.T) {
	c := newTestController(t)

	_, gen, err := c.BeginTurn("user", "q")
	require.NoError(t, err)

	c.ApplyStream(gen, callStart("L1", 1))
	c.ApplyStream(gen, contentDelta("accumulated text"))
	c.ApplyStream(gen, finalEvent("something else entirely"))

	assert.Equal(t, "accumulated text", c.Timeline()[2].Content.Text,
		"divergent final must never truncate or overwrite")
	assert.False(t, c.IsStreaming())
}

func TestController_FinalWithoutContentInsertsItem(t *testing.T) {
	c := newTestController(t)

	_, gen, err := c.BeginTurn("user", "q")
	require.NoError(t, err)

	c.ApplyStream(gen, callStart("L1", 1))
	c.ApplyStream(gen, finalEvent("full answer, never streamed"))

	items := c.Timeline()
	require.Equal(t, []timeline.Kind{
		timeline.KindUserMessage,
		timeline.KindLLMCall,
		timeline.KindContent,
	}, kinds(items))
	assert.Equal(t, "full answer, never streamed", items[2].Content.Text)
}

func TestController_FallbackIdsFromSequence(t *testing.T) {
	c := newTestController(t)

	_, gen, err := c.BeginTurn("user", "q")
	require.NoError(t, err)

	c.ApplyStream(gen, wire.StreamEvent{Type: wire.StreamCallStart, Seq: 7, CallStart: &wire.CallStart{MessageCount: 1}})
	c.ApplyStream(gen, contentDelta("text"))
	c.ApplyStream(gen, callEnd("", 5, ""))

	items := c.Timeline()
	assert.Equal(t, "call-seq-7", items[1].Call.CallID)
	assert.Equal(t, timeline.StatusSuccess, items[1].Call.Status)
	assert.Equal(t, "call-seq-7", items[2].Content.CallID)
}

func TestController_FailTurnPurgesAndRecordsError(t *testing.T) {
	c := newTestController(t)

	_, gen, err := c.BeginTurn("user", "q")
	require.NoError(t, err)
	c.ApplyStream(gen, callStart("L1", 1))
	c.ApplyStream(gen, contentDelta("half an ans"))

	c.FailTurn(gen, "connection reset")

	items := c.Timeline()
	require.Equal(t, []timeline.Kind{timeline.KindError}, kinds(items))
	assert.Equal(t, "connection reset", items[0].Fault.Message)
	assert.False(t, c.IsStreaming())
	assert.Empty(t, c.CurrentTurnID())

	// Stale markers after the failure are ignored.
	c.FailTurn(gen, "again")
	assert.Equal(t, 1, len(c.Timeline()))
}

func TestController_NotifiesObserversAfterCommit(t *testing.T) {
	c := newTestController(t)

	var snaps []Snapshot
	c.Subscribe(func(s Snapshot) { snaps = append(snaps, s) })

	_, gen, err := c.BeginTurn("user", "hello")
	require.NoError(t, err)
	c.ApplyStream(gen, contentDelta("Hi"))

	require.Equal(t, 2, len(snaps))
	assert.True(t, snaps[0].Streaming)
	require.Equal(t, 2, len(snaps[1].Items))
	assert.Equal(t, "Hi", snaps[1].Items[1].Content.Text)
}

func TestController_NoOpEventsDoNotNotify(t *testing.T) {
	c := newTestController(t)

	_, gen, err := c.BeginTurn("user", "hello")
	require.NoError(t, err)

	calls := 0
	c.Subscribe(func(Snapshot) { calls++ })

	c.ApplyStream(gen, toolEnd("ghost", "success", 0))
	c.ApplyStream(gen+1, contentDelta("stale"))

	assert.Equal(t, 0, calls)
}

// A snapshot taken mid-stream must stay frozen while the apply loop keeps
// folding deltas into the live items, and reading it from another goroutine
// must be safe against that writer.
func TestController_SnapshotsDetachedFromLiveTimeline(t *testing.T) {
	c := newTestController(t)

	_, gen, err := c.BeginTurn("user", "hello")
	require.NoError(t, err)
	c.ApplyStream(gen, callStart("L1", 1))
	c.ApplyStream(gen, contentDelta("Hi"))

	snap := c.Snapshot()
	require.Equal(t, 3, len(snap.Items))
	require.Equal(t, timeline.KindContent, snap.Items[2].Kind)

	const extra = 500
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < extra; i++ {
			c.ApplyStream(gen, contentDelta("x"))
		}
	}()
	for i := 0; i < 200; i++ {
		require.Equal(t, "Hi", snap.Items[2].Content.Text)
		_ = c.Timeline()
	}
	<-done

	assert.Equal(t, "Hi", snap.Items[2].Content.Text)
	items := c.Timeline()
	assert.Equal(t, "Hi"+strings.Repeat("x", extra), items[2].Content.Text)
}
