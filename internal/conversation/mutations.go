// ABOUTME: Mutation applier: withdraw, edit, and batch delete by id.
// ABOUTME: All three are total over missing ids and converge when replayed.

package conversation

import (
	"time"

	"github.com/2389/loom/internal/timeline"
)

// Withdraw flags a message hidden. Content is retained. Returns false when
// the id is unknown or the item was already withdrawn.
func (c *Controller) Withdraw(id string, at time.Time, by string) bool {
	c.mu.Lock()
	changed := c.withdrawLocked(id, at, by)
	c.unlockAndNotify(changed)
	return changed
}

func (c *Controller) withdrawLocked(id string, at time.Time, by string) bool {
	changed := false
	c.store.UpdateByID(id, func(it *timeline.Item) {
		if it.Withdrawn {
			return
		}
		it.Withdrawn = true
		it.WithdrawnAt = at
		it.WithdrawnBy = by
		changed = true
	})
	return changed
}

// Edit replaces an item's text in place and flags it edited. With regenerate
// set and the target a user message, everything downstream of it is removed
// so the conversation can be replayed from that point. Returns false when
// the id is unknown or the item carries no editable text.
func (c *Controller) Edit(id, content string, at time.Time, by string, regenerate bool) bool {
	c.mu.Lock()
	changed := c.editLocked(id, content, at, by, regenerate)
	c.unlockAndNotify(changed)
	return changed
}

func (c *Controller) editLocked(id, content string, at time.Time, by string, regenerate bool) bool {
	applied := false
	c.store.UpdateByID(id, func(it *timeline.Item) {
		switch it.Kind {
		case timeline.KindUserMessage:
			it.User.Text = content
		case timeline.KindContent:
			it.Content.Text = content
		case timeline.KindSupportEvent:
			it.Support.Text = content
		default:
			return
		}
		it.Edited = true
		it.EditedAt = at
		it.EditedBy = by
		applied = true
	})
	if !applied {
		return false
	}
	if regenerate {
		if edited, ok := c.store.Get(id); ok && edited.Kind == timeline.KindUserMessage {
			c.removeDownstreamLocked(edited)
		}
	}
	return true
}

// removeDownstreamLocked hard-removes every item from turns started after
// the edited item's turn, plus any later items of its own turn (the stale
// answer to the pre-edit question). The sole sanctioned removal path
// outside cancellation.
func (c *Controller) removeDownstreamLocked(edited timeline.Item) {
	items := c.store.Items()
	firstSeen := make(map[string]int, len(items))
	editedPos := -1
	for i, it := range items {
		if _, ok := firstSeen[it.TurnID]; !ok {
			firstSeen[it.TurnID] = i
		}
		if it.ID == edited.ID {
			editedPos = i
		}
	}
	if editedPos < 0 {
		return
	}
	turnStart := firstSeen[edited.TurnID]
	var doomed []string
	for i, it := range items {
		switch {
		case firstSeen[it.TurnID] > turnStart:
			doomed = append(doomed, it.ID)
		case it.TurnID == edited.TurnID && i > editedPos:
			doomed = append(doomed, it.ID)
		}
	}
	removed := c.store.RemoveMany(doomed)
	c.logger.Debug("downstream items removed for regeneration", "edited_id", edited.ID, "removed", removed)
}

// DeleteMany hard-removes a batch of items, compacting the index once for
// the whole batch. Unknown ids are skipped. Returns the number removed.
func (c *Controller) DeleteMany(ids []string) int {
	c.mu.Lock()
	n := c.deleteManyLocked(ids)
	c.unlockAndNotify(n > 0)
	return n
}

func (c *Controller) deleteManyLocked(ids []string) int {
	return c.store.RemoveMany(ids)
}
