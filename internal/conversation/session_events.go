// ABOUTME: Session event reducer: out-of-band events bypass turn state.
// ABOUTME: They may land at any time, turn in flight or not.

package conversation

import (
	"github.com/2389/loom/internal/timeline"
	"github.com/2389/loom/internal/wire"
)

// ApplySession folds one out-of-band session event into conversation state.
// Unknown types no-op; the reducer stays total.
func (c *Controller) ApplySession(ev wire.SessionEvent) {
	c.mu.Lock()
	changed := c.applySessionLocked(ev)
	c.unlockAndNotify(changed)
}

func (c *Controller) applySessionLocked(ev wire.SessionEvent) bool {
	if !sessionPayloadPresent(ev) {
		c.logger.Debug("dropping session event with missing payload", "type", ev.Type)
		return false
	}
	switch ev.Type {
	case wire.SessionConnected:
		return c.resyncLocked(ev.Connected)
	case wire.SessionHumanMessage:
		return c.insertHumanMessageLocked(ev)
	case wire.SessionTyping:
		return c.setTypingLocked(ev.Typing)
	case wire.SessionHandoffStarted:
		c.humanMode = true
		c.insertHandoffMarkerLocked(ev, timeline.SupportHandoffStarted)
		return true
	case wire.SessionHandoffEnded:
		c.humanMode = false
		c.insertHandoffMarkerLocked(ev, timeline.SupportHandoffEnded)
		return true
	case wire.SessionMessageWithdrawn:
		at := ev.Withdrawn.WithdrawnAt
		if at.IsZero() {
			at = c.now()
		}
		return c.withdrawLocked(ev.Withdrawn.MessageID, at, ev.Withdrawn.WithdrawnBy)
	case wire.SessionMessageEdited:
		at := ev.Edited.EditedAt
		if at.IsZero() {
			at = c.now()
		}
		// Server-side edits replace content only; regeneration is a local
		// user action, never triggered remotely.
		return c.editLocked(ev.Edited.MessageID, ev.Edited.Content, at, ev.Edited.EditedBy, false)
	case wire.SessionMessagesDeleted:
		return c.deleteManyLocked(ev.Deleted.MessageIDs) > 0
	}
	c.logger.Debug("ignoring unknown session event", "type", ev.Type)
	return false
}

// sessionPayloadPresent reports whether the event carries the payload its
// type requires. Decoded events always do, but ApplySession also accepts
// hand-built ones, which may not. Handoff markers tolerate a nil payload
// since the operator name is optional there.
func sessionPayloadPresent(ev wire.SessionEvent) bool {
	switch ev.Type {
	case wire.SessionConnected:
		return ev.Connected != nil
	case wire.SessionHumanMessage:
		return ev.Human != nil
	case wire.SessionTyping:
		return ev.Typing != nil
	case wire.SessionMessageWithdrawn:
		return ev.Withdrawn != nil
	case wire.SessionMessageEdited:
		return ev.Edited != nil
	case wire.SessionMessagesDeleted:
		return ev.Deleted != nil
	}
	return true
}

// resyncLocked adopts the handshake snapshot wholesale. The server view wins
// over anything accumulated while disconnected; typing resets since the
// handshake carries no presence.
func (c *Controller) resyncLocked(p *wire.ConnectedPayload) bool {
	changed := c.humanMode != p.HandoffActive || c.peerOnline != p.PeerOnline || c.peerTyping
	c.humanMode = p.HandoffActive
	c.peerOnline = p.PeerOnline
	c.peerTyping = false
	c.logger.Debug("session resynced", "handoff", p.HandoffActive, "peer_online", p.PeerOnline)
	return changed
}

func (c *Controller) insertHumanMessageLocked(ev wire.SessionEvent) bool {
	id := ev.Human.MessageID
	if id == "" {
		id = c.ids.NewID()
	}
	return c.store.Insert(timeline.Item{
		ID:        id,
		TurnID:    id,
		Kind:      timeline.KindSupportEvent,
		CreatedAt: c.now(),
		Support: &timeline.SupportNote{
			Event:    timeline.SupportOperatorMessage,
			Operator: ev.Human.Operator,
			Text:     ev.Human.Content,
		},
	})
}

// setTypingLocked updates presence. Typing is session state, never a
// timeline item. Only the operator's presence is of interest; our own echo
// is ignored.
func (c *Controller) setTypingLocked(p *wire.TypingPayload) bool {
	if p.Role != "" && p.Role != wire.RoleOperator {
		return false
	}
	if c.peerTyping == p.IsTyping {
		return false
	}
	c.peerTyping = p.IsTyping
	return true
}

func (c *Controller) insertHandoffMarkerLocked(ev wire.SessionEvent, kind timeline.SupportKind) {
	id := ev.ID
	if id == "" {
		id = c.ids.NewID()
	}
	var operator string
	if ev.Handoff != nil {
		operator = ev.Handoff.Operator
	}
	c.store.Insert(timeline.Item{
		ID:        id,
		TurnID:    id,
		Kind:      timeline.KindSupportEvent,
		CreatedAt: c.now(),
		Support:   &timeline.SupportNote{Event: kind, Operator: operator},
	})
}
