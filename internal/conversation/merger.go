// ABOUTME: Stream event merger: folds per-turn events into timeline items.
// ABOUTME: The reducer is total: stale, unknown, or unmatched events no-op.

package conversation

import (
	"fmt"
	"strings"

	"github.com/2389/loom/internal/timeline"
	"github.com/2389/loom/internal/wire"
)

// ApplyStream folds one streaming event into the timeline. gen must be the
// generation returned by BeginTurn; events tagged with a dead generation are
// dropped, which fences late arrivals from an aborted turn off the successor.
func (c *Controller) ApplyStream(gen uint64, ev wire.StreamEvent) {
	c.mu.Lock()
	changed := c.applyStreamLocked(gen, ev)
	c.unlockAndNotify(changed)
}

func (c *Controller) applyStreamLocked(gen uint64, ev wire.StreamEvent) bool {
	if gen != c.gen || c.turnID == "" {
		c.logger.Debug("dropping stale stream event", "type", ev.Type, "gen", gen)
		return false
	}
	switch ev.Type {
	case wire.StreamMetaStart:
		return c.rekeyTurnLocked(ev.Meta.AssistantMessageID)
	case wire.StreamCallStart:
		return c.startCallLocked(ev)
	case wire.StreamCallEnd:
		return c.endCallLocked(ev)
	case wire.StreamReasoningDelta:
		return c.appendReasoningLocked(ev)
	case wire.StreamContentDelta:
		return c.appendContentLocked(ev)
	case wire.StreamToolStart:
		return c.startToolLocked(ev)
	case wire.StreamToolEnd:
		return c.endToolLocked(ev)
	case wire.StreamProducts:
		return c.insertProductsLocked(ev)
	case wire.StreamMemoryUpdated:
		return c.insertMemoryLocked(ev)
	case wire.StreamFinal:
		return c.applyFinalLocked(ev)
	case wire.StreamError:
		return c.insertFaultLocked(ev)
	}
	c.logger.Debug("ignoring unknown stream event", "type", ev.Type)
	return false
}

// rekeyTurnLocked remaps the provisional turn id to the server-assigned one.
// Reapplying the same id is a no-op, so a replayed meta.start converges.
func (c *Controller) rekeyTurnLocked(serverID string) bool {
	if serverID == "" || serverID == c.turnID {
		return false
	}
	n := c.store.RekeyTurn(c.turnID, serverID)
	c.logger.Debug("turn rekeyed", "old", c.turnID, "new", serverID, "items", n)
	c.turnID = serverID
	return true
}

func (c *Controller) startCallLocked(ev wire.StreamEvent) bool {
	callID := ev.CallStart.LLMCallID
	if callID == "" {
		callID = fallbackID("call", ev.Seq)
	}
	c.llmStack = append(c.llmStack, callID)
	itemID := c.ids.NewID()
	c.callItems[callID] = itemID
	return c.store.Insert(timeline.Item{
		ID:        itemID,
		TurnID:    c.turnID,
		Kind:      timeline.KindLLMCall,
		CreatedAt: c.now(),
		Call: &timeline.LLMCall{
			CallID:       callID,
			Status:       timeline.StatusRunning,
			MessageCount: ev.CallStart.MessageCount,
		},
	})
}

// endCallLocked resolves the ending call by explicit id, falling back to the
// stack top, then removes it from the stack wherever it sits. Intermediate
// ends may have been dropped, so position is not trusted.
func (c *Controller) endCallLocked(ev wire.StreamEvent) bool {
	callID := ev.CallEnd.LLMCallID
	if callID == "" {
		if len(c.llmStack) == 0 {
			return false
		}
		callID = c.llmStack[len(c.llmStack)-1]
	}
	c.dropFromStackLocked(callID)
	itemID, ok := c.callItems[callID]
	if !ok {
		return false
	}
	return c.store.UpdateByID(itemID, func(it *timeline.Item) {
		it.Call.ElapsedMs = ev.CallEnd.ElapsedMs
		if ev.CallEnd.Error != "" {
			it.Call.Status = timeline.StatusError
			it.Call.Error = ev.CallEnd.Error
		} else {
			it.Call.Status = timeline.StatusSuccess
		}
	})
}

func (c *Controller) dropFromStackLocked(callID string) {
	for i := len(c.llmStack) - 1; i >= 0; i-- {
		if c.llmStack[i] == callID {
			c.llmStack = append(c.llmStack[:i], c.llmStack[i+1:]...)
			return
		}
	}
}

// currentCallLocked returns the stack top, or "" outside any call.
func (c *Controller) currentCallLocked() string {
	if len(c.llmStack) == 0 {
		return ""
	}
	return c.llmStack[len(c.llmStack)-1]
}

// appendReasoningLocked accumulates a reasoning delta onto the active call's
// reasoning item. A closed item never reopens: deltas arriving after content
// started are dropped.
func (c *Controller) appendReasoningLocked(ev wire.StreamEvent) bool {
	cur := c.currentCallLocked()
	last, ok := c.store.FindLastOfKindInTurn(timeline.KindReasoning, c.turnID)
	if ok && last.Reasoning.CallID == cur {
		if last.Reasoning.Closed {
			c.logger.Debug("dropping reasoning delta for closed item", "call_id", cur)
			return false
		}
		return c.store.UpdateByID(last.ID, func(it *timeline.Item) {
			it.Reasoning.Text += ev.Delta.Delta
		})
	}
	return c.store.Insert(timeline.Item{
		ID:        c.ids.NewID(),
		TurnID:    c.turnID,
		Kind:      timeline.KindReasoning,
		CreatedAt: c.now(),
		Reasoning: &timeline.Reasoning{CallID: cur, Text: ev.Delta.Delta},
	})
}

// appendContentLocked accumulates a content delta onto the active call's
// content item. Starting a fresh content item force-closes any reasoning
// still open in the turn.
func (c *Controller) appendContentLocked(ev wire.StreamEvent) bool {
	cur := c.currentCallLocked()
	last, ok := c.store.FindLastOfKindInTurn(timeline.KindContent, c.turnID)
	if ok && last.Content.CallID == cur {
		return c.store.UpdateByID(last.ID, func(it *timeline.Item) {
			it.Content.Text += ev.Delta.Delta
		})
	}
	c.closeReasoningLocked()
	return c.store.Insert(timeline.Item{
		ID:        c.ids.NewID(),
		TurnID:    c.turnID,
		Kind:      timeline.KindContent,
		CreatedAt: c.now(),
		Content:   &timeline.Content{CallID: cur, Text: ev.Delta.Delta},
	})
}

// closeReasoningLocked closes every reasoning item still open in the active
// turn. Returns whether anything changed.
func (c *Controller) closeReasoningLocked() bool {
	changed := false
	for _, it := range c.store.Items() {
		if it.TurnID == c.turnID && it.Kind == timeline.KindReasoning && !it.Reasoning.Closed {
			c.store.UpdateByID(it.ID, func(it *timeline.Item) {
				it.Reasoning.Closed = true
			})
			changed = true
		}
	}
	return changed
}

func (c *Controller) startToolLocked(ev wire.StreamEvent) bool {
	toolID := ev.ToolStart.ToolCallID
	if toolID == "" {
		toolID = fallbackID("tool", ev.Seq)
	}
	itemID := c.ids.NewID()
	c.toolItems[toolID] = itemID
	return c.store.Insert(timeline.Item{
		ID:        itemID,
		TurnID:    c.turnID,
		Kind:      timeline.KindToolCall,
		CreatedAt: c.now(),
		Tool: &timeline.ToolCall{
			ToolID:    toolID,
			Name:      ev.ToolStart.Name,
			Status:    timeline.StatusRunning,
			StartedAt: c.now(),
		},
	})
}

// endToolLocked closes a tool item. Elapsed time comes from the item's own
// start timestamp so remote clock skew cannot produce negative durations.
func (c *Controller) endToolLocked(ev wire.StreamEvent) bool {
	itemID, ok := c.toolItems[ev.ToolEnd.ToolCallID]
	if !ok {
		return false
	}
	return c.store.UpdateByID(itemID, func(it *timeline.Item) {
		it.Tool.ElapsedMs = c.now().Sub(it.Tool.StartedAt).Milliseconds()
		it.Tool.Count = ev.ToolEnd.Count
		switch {
		case ev.ToolEnd.Error != "":
			it.Tool.Status = timeline.StatusError
			it.Tool.Error = ev.ToolEnd.Error
		case ev.ToolEnd.Status == "error":
			it.Tool.Status = timeline.StatusError
		default:
			it.Tool.Status = timeline.StatusSuccess
		}
	})
}

func (c *Controller) insertProductsLocked(ev wire.StreamEvent) bool {
	return c.store.Insert(timeline.Item{
		ID:        c.ids.NewID(),
		TurnID:    c.turnID,
		Kind:      timeline.KindStructuredResult,
		CreatedAt: c.now(),
		Result:    &timeline.StructuredResult{Items: ev.Products.Items},
	})
}

func (c *Controller) insertMemoryLocked(ev wire.StreamEvent) bool {
	return c.store.Insert(timeline.Item{
		ID:        c.ids.NewID(),
		TurnID:    c.turnID,
		Kind:      timeline.KindMemoryEvent,
		CreatedAt: c.now(),
		Memory:    &timeline.MemoryNote{Note: ev.Memory.Note},
	})
}

// applyFinalLocked reconciles the authoritative final content against what
// the deltas accumulated. A strict extension appends the remainder; equal
// content is left alone; divergent content is kept as accumulated and the
// mismatch logged. Accumulated text is never truncated.
func (c *Controller) applyFinalLocked(ev wire.StreamEvent) bool {
	changed := c.closeReasoningLocked()
	final := ev.Final.Content
	last, ok := c.store.FindLastOfKindInTurn(timeline.KindContent, c.turnID)
	switch {
	case !ok:
		if final != "" {
			c.store.Insert(timeline.Item{
				ID:        c.ids.NewID(),
				TurnID:    c.turnID,
				Kind:      timeline.KindContent,
				CreatedAt: c.now(),
				Content:   &timeline.Content{CallID: c.currentCallLocked(), Text: final},
			})
			changed = true
		}
	case last.Content.Text == final:
		// Deltas already added up to the final string.
	case strings.HasPrefix(final, last.Content.Text):
		c.store.UpdateByID(last.ID, func(it *timeline.Item) {
			it.Content.Text = final
		})
		changed = true
	default:
		c.logger.Warn("final content diverges from accumulated deltas",
			"turn_id", c.turnID, "accumulated_len", len(last.Content.Text), "final_len", len(final))
	}
	if c.streaming {
		c.streaming = false
		changed = true
	}
	return changed
}

// insertFaultLocked records an in-band error. The turn keeps streaming: an
// error event is information, not a terminal signal.
func (c *Controller) insertFaultLocked(ev wire.StreamEvent) bool {
	return c.store.Insert(timeline.Item{
		ID:        c.ids.NewID(),
		TurnID:    c.turnID,
		Kind:      timeline.KindError,
		CreatedAt: c.now(),
		Fault:     &timeline.Fault{Message: ev.Fault.Message},
	})
}

func fallbackID(prefix string, seq int64) string {
	return fmt.Sprintf("%s-seq-%d", prefix, seq)
}
