// ABOUTME: Turn controller: owns the timeline store, active-turn state, and
// ABOUTME: the LLM-call stack. All transitions run under one mutex.

package conversation

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/loom/internal/idgen"
	"github.com/2389/loom/internal/timeline"
	"github.com/2389/loom/internal/wire"
)

var (
	// ErrTurnActive is returned when a send arrives while a turn is already
	// streaming. Callers wait for completion or abort first.
	ErrTurnActive = errors.New("a turn is already active")
)

// Snapshot is an immutable view of conversation state, safe to hand to
// observers and renderers.
type Snapshot struct {
	Items      []timeline.Item
	TurnID     string
	Streaming  bool
	HumanMode  bool
	PeerOnline bool
	PeerTyping bool
}

// Controller folds both event channels into the timeline and owns the
// active-turn lifecycle. Every transition commits fully under the controller
// mutex before observers see it; no two transitions overlap.
type Controller struct {
	mu     sync.Mutex
	store  *timeline.Store
	ids    idgen.Generator
	now    func() time.Time
	logger *slog.Logger

	// Active-turn state. gen increments on every turn start and abort so
	// stream events from a dead turn can be recognized and dropped.
	turnID    string
	gen       uint64
	streaming bool
	llmStack  []string
	callItems map[string]string // call id -> item id, reset each turn
	toolItems map[string]string // tool id -> item id, reset each turn

	// Session-level state, owned by the out-of-band channel.
	humanMode  bool
	peerOnline bool
	peerTyping bool

	listeners []func(Snapshot)
}

// New creates a controller with an empty timeline.
func New(ids idgen.Generator, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:  timeline.NewStore(),
		ids:    ids,
		now:    time.Now,
		logger: logger.With("component", "conversation"),
	}
}

// Subscribe registers an observer invoked with a fresh snapshot after every
// committed transition. Observers run outside the controller lock and may
// call back into the controller.
func (c *Controller) Subscribe(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// BeginTurn inserts the user message and opens a turn keyed by a provisional
// id (the message's own id, later rekeyed to the server's). Returns the
// provisional turn id and the turn generation the stream pump must tag its
// events with. Rejected while another turn is active.
func (c *Controller) BeginTurn(author, content string) (string, uint64, error) {
	c.mu.Lock()
	if c.turnID != "" {
		c.mu.Unlock()
		return "", 0, ErrTurnActive
	}
	id := c.ids.NewID()
	c.store.Insert(timeline.Item{
		ID:        id,
		TurnID:    id,
		Kind:      timeline.KindUserMessage,
		CreatedAt: c.now(),
		User:      &timeline.UserMessage{Author: author, Text: content},
	})
	c.turnID = id
	c.gen++
	gen := c.gen
	c.streaming = true
	c.llmStack = nil
	c.callItems = make(map[string]string)
	c.toolItems = make(map[string]string)
	c.logger.Debug("turn started", "turn_id", id, "gen", gen)
	c.unlockAndNotify(true)
	return id, gen, nil
}

// AppendUserMessage inserts a user message without opening a turn. This is
// the send path while an operator holds the conversation: the message is
// delivered out-of-band and no stream comes back for it.
func (c *Controller) AppendUserMessage(author, content string) string {
	c.mu.Lock()
	id := c.ids.NewID()
	c.store.Insert(timeline.Item{
		ID:        id,
		TurnID:    id,
		Kind:      timeline.KindUserMessage,
		CreatedAt: c.now(),
		User:      &timeline.UserMessage{Author: author, Text: content},
	})
	c.unlockAndNotify(true)
	return id
}

// Abort purges the active turn: every item tagged with it, the user message
// included, is removed and turn state resets. Idempotent; safe with no
// active turn. Returns whether a turn was actually aborted.
func (c *Controller) Abort() bool {
	c.mu.Lock()
	if c.turnID == "" {
		c.mu.Unlock()
		return false
	}
	removed := c.store.ClearTurn(c.turnID)
	c.logger.Debug("turn aborted", "turn_id", c.turnID, "items_removed", removed)
	c.resetTurnLocked()
	c.gen++
	c.unlockAndNotify(true)
	return true
}

// FinishTurn closes the turn cleanly once its stream is exhausted. Events
// already applied stay; only turn state resets. Calls carrying a stale
// generation are ignored. Returns the finished turn's id when it applied.
func (c *Controller) FinishTurn(gen uint64) (string, bool) {
	c.mu.Lock()
	if gen != c.gen || c.turnID == "" {
		c.mu.Unlock()
		return "", false
	}
	turnID := c.turnID
	c.logger.Debug("turn finished", "turn_id", turnID)
	c.resetTurnLocked()
	c.unlockAndNotify(true)
	return turnID, true
}

// FailTurn handles a transport failure: the half-delivered turn is purged
// exactly like an abort and a standalone error item records what happened.
func (c *Controller) FailTurn(gen uint64, message string) {
	c.mu.Lock()
	if gen != c.gen || c.turnID == "" {
		c.mu.Unlock()
		return
	}
	removed := c.store.ClearTurn(c.turnID)
	c.logger.Warn("turn failed", "turn_id", c.turnID, "items_removed", removed, "error", message)
	c.resetTurnLocked()
	c.gen++
	id := c.ids.NewID()
	c.store.Insert(timeline.Item{
		ID:        id,
		TurnID:    id,
		Kind:      timeline.KindError,
		CreatedAt: c.now(),
		Fault:     &timeline.Fault{Message: message},
	})
	c.unlockAndNotify(true)
}

// LoadHistory replaces the timeline with one reconstructed from persisted
// records. Rejected while a turn is active.
func (c *Controller) LoadHistory(records []*wire.FlatMessage) error {
	c.mu.Lock()
	if c.turnID != "" {
		c.mu.Unlock()
		return ErrTurnActive
	}
	store := timeline.NewStore()
	for _, it := range Reconstruct(records) {
		store.Insert(it)
	}
	c.store = store
	c.logger.Debug("history loaded", "records", len(records), "items", store.Len())
	c.unlockAndNotify(true)
	return nil
}

// Timeline returns a detached copy of the current item list, safe to read
// while the conversation keeps streaming.
func (c *Controller) Timeline() []timeline.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Items()
}

// CurrentTurnID returns the active turn id, or "" when idle.
func (c *Controller) CurrentTurnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turnID
}

// IsStreaming reports whether a turn is actively streaming.
func (c *Controller) IsStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// HumanMode reports whether an operator currently holds the conversation.
func (c *Controller) HumanMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.humanMode
}

// PeerOnline reports whether the session peer is connected.
func (c *Controller) PeerOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerOnline
}

// PeerTyping reports whether the operator is typing right now.
func (c *Controller) PeerTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerTyping
}

// Snapshot returns the full observable state in one consistent view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Items:      c.store.Items(),
		TurnID:     c.turnID,
		Streaming:  c.streaming,
		HumanMode:  c.humanMode,
		PeerOnline: c.peerOnline,
		PeerTyping: c.peerTyping,
	}
}

func (c *Controller) resetTurnLocked() {
	c.turnID = ""
	c.streaming = false
	c.llmStack = nil
	c.callItems = nil
	c.toolItems = nil
}

// unlockAndNotify releases the mutex and, if the transition changed state,
// delivers a snapshot to every listener. The snapshot and listener list are
// captured under the lock; delivery happens outside it so listeners can call
// back in.
func (c *Controller) unlockAndNotify(changed bool) {
	var snap Snapshot
	var fns []func(Snapshot)
	if changed && len(c.listeners) > 0 {
		snap = c.snapshotLocked()
		fns = append(fns, c.listeners...)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}
