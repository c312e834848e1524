// ABOUTME: Session façade: two named inbound queues feed a single-consumer
// ABOUTME: apply loop, so no two timeline transitions ever overlap.

package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/loom/internal/timeline"
	"github.com/2389/loom/internal/wire"
)

const (
	streamQueueSize  = 256
	sessionQueueSize = 64
)

// ErrEmptyMessage is returned when a send carries only whitespace.
var ErrEmptyMessage = errors.New("message is empty")

// TurnRequest is the payload delivered to the gateway when sending.
type TurnRequest struct {
	Content         string `json:"content"`
	Sender          string `json:"sender,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// EventStream is a cancelable, pull-based sequence of turn events. Next
// blocks until an event arrives, the stream ends (io.EOF), or ctx is done.
type EventStream interface {
	Next(ctx context.Context) (wire.StreamEvent, error)
	Close() error
}

// StreamOpener is the gateway surface the session depends on. OpenTurn
// starts a streamed assistant turn; PostMessage delivers a message with no
// stream coming back, used while an operator holds the conversation.
type StreamOpener interface {
	OpenTurn(ctx context.Context, req TurnRequest) (EventStream, error)
	PostMessage(ctx context.Context, req TurnRequest) error
}

// HistoryStore mirrors the conversation into local persistence. All calls
// are best-effort from the session's point of view: failures are logged,
// never fatal.
type HistoryStore interface {
	SaveMessage(ctx context.Context, msg *wire.FlatMessage) error
	ListMessages(ctx context.Context, limit int) ([]*wire.FlatMessage, error)
	MarkWithdrawn(ctx context.Context, id string, at time.Time, by string) error
	MarkEdited(ctx context.Context, id, content string, at time.Time, by string) error
	DeleteMessages(ctx context.Context, ids []string) error
}

// streamEnvelope carries one stream event, or a terminal marker, tagged with
// the generation of the turn that produced it.
type streamEnvelope struct {
	gen  uint64
	ev   wire.StreamEvent
	done bool
	fail string
}

// Session wires the controller to its channel clients. Stream and session
// events land on two named queues consumed by a single apply loop; the
// controller therefore sees a total order over transitions even though two
// independently-clocked sources feed it.
type Session struct {
	ctrl    *Controller
	opener  StreamOpener
	history HistoryStore
	author  string
	logger  *slog.Logger

	streamQ  chan streamEnvelope
	sessionQ chan wire.SessionEvent

	mu         sync.Mutex
	runCtx     context.Context
	turnCancel context.CancelFunc
}

// NewSession creates a session around the controller. history may be nil
// when no local persistence is configured.
func NewSession(ctrl *Controller, opener StreamOpener, history HistoryStore, author string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		ctrl:     ctrl,
		opener:   opener,
		history:  history,
		author:   author,
		logger:   logger.With("component", "session"),
		streamQ:  make(chan streamEnvelope, streamQueueSize),
		sessionQ: make(chan wire.SessionEvent, sessionQueueSize),
	}
}

// Controller exposes the underlying state container for read access and
// subscriptions.
func (s *Session) Controller() *Controller {
	return s.ctrl
}

// Run consumes both queues until ctx is done. It is the only goroutine that
// applies transitions; start it before sending.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
	s.logger.Debug("apply loop started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-s.streamQ:
			s.applyStreamEnvelope(ctx, env)
		case ev := <-s.sessionQ:
			s.applySessionEvent(ctx, ev)
		}
	}
}

// EnqueueSession hands an out-of-band event to the apply loop. If the queue
// is full the event is dropped with a warning rather than blocking the
// socket's read loop.
func (s *Session) EnqueueSession(ev wire.SessionEvent) {
	select {
	case s.sessionQ <- ev:
	default:
		s.logger.Warn("session queue full, dropping event", "type", ev.Type)
	}
}

// Send delivers a user message. In live mode it opens a streamed turn and
// returns the provisional turn id; while an operator holds the conversation
// it posts the message out-of-band and returns the message id. Rejected with
// ErrTurnActive while a turn is streaming.
func (s *Session) Send(ctx context.Context, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyMessage
	}
	if s.ctrl.HumanMode() {
		return s.sendHuman(ctx, content)
	}
	return s.sendTurn(ctx, content)
}

func (s *Session) sendHuman(ctx context.Context, content string) (string, error) {
	id := s.ctrl.AppendUserMessage(s.author, content)
	req := TurnRequest{Content: content, Sender: s.author, ClientMessageID: id}
	if err := s.opener.PostMessage(ctx, req); err != nil {
		// Delivery failed: take the optimistic insert back out.
		s.ctrl.DeleteMany([]string{id})
		return "", fmt.Errorf("deliver message: %w", err)
	}
	s.saveMessage(ctx, &wire.FlatMessage{
		ID:        id,
		Role:      wire.RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
	return id, nil
}

func (s *Session) sendTurn(ctx context.Context, content string) (string, error) {
	turnID, gen, err := s.ctrl.BeginTurn(s.author, content)
	if err != nil {
		return "", err
	}

	// The turn outlives the Send call, so its context parents on the apply
	// loop's rather than the caller's.
	turnCtx, cancel := context.WithCancel(s.baseContext())
	req := TurnRequest{Content: content, Sender: s.author, ClientMessageID: turnID}
	stream, err := s.opener.OpenTurn(turnCtx, req)
	if err != nil {
		cancel()
		s.ctrl.Abort()
		return "", fmt.Errorf("open turn: %w", err)
	}

	s.mu.Lock()
	s.turnCancel = cancel
	s.mu.Unlock()

	go s.pumpTurn(turnCtx, gen, stream)
	return turnID, nil
}

// pumpTurn pulls the turn stream to exhaustion, forwarding each event to
// the apply loop. The pump never touches the controller directly: terminal
// markers ride the same queue as events so completion cannot overtake them.
func (s *Session) pumpTurn(ctx context.Context, gen uint64, stream EventStream) {
	defer stream.Close()
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.enqueueStream(ctx, streamEnvelope{gen: gen, done: true})
			case errors.Is(err, context.Canceled):
				// Local abort; the controller already purged the turn.
			default:
				s.logger.Warn("turn stream failed", "error", err)
				s.enqueueStream(ctx, streamEnvelope{gen: gen, fail: err.Error()})
			}
			return
		}
		s.enqueueStream(ctx, streamEnvelope{gen: gen, ev: ev})
	}
}

func (s *Session) enqueueStream(ctx context.Context, env streamEnvelope) {
	select {
	case s.streamQ <- env:
	case <-ctx.Done():
	}
}

func (s *Session) applyStreamEnvelope(ctx context.Context, env streamEnvelope) {
	switch {
	case env.fail != "":
		s.clearTurnCancel()
		s.ctrl.FailTurn(env.gen, env.fail)
	case env.done:
		s.clearTurnCancel()
		if turnID, ok := s.ctrl.FinishTurn(env.gen); ok {
			s.persistCompletedTurn(ctx, turnID)
		}
	default:
		s.ctrl.ApplyStream(env.gen, env.ev)
	}
}

// persistCompletedTurn mirrors the finished turn into local history: the user
// message that opened it, then the assistant's final content plus any
// structured payload keyed by turn id. Records are written only at
// completion, so an aborted or failed turn leaves no local trace.
func (s *Session) persistCompletedTurn(ctx context.Context, turnID string) {
	if s.history == nil {
		return
	}
	assistant := &wire.FlatMessage{ID: turnID, Role: wire.RoleAssistant, CreatedAt: time.Now().UTC()}
	var user *wire.FlatMessage
	found := false
	for _, it := range s.ctrl.Timeline() {
		if it.TurnID != turnID {
			continue
		}
		switch it.Kind {
		case timeline.KindUserMessage:
			user = &wire.FlatMessage{
				ID:        it.ID,
				Role:      wire.RoleUser,
				Content:   it.User.Text,
				CreatedAt: it.CreatedAt,
			}
			// Moderation applied while the turn streamed exists only on the
			// item so far; carry it into the row.
			recordFlags(user, it)
		case timeline.KindContent:
			assistant.Content = it.Content.Text
			recordFlags(assistant, it)
			found = true
		case timeline.KindStructuredResult:
			assistant.StructuredPayload = it.Result.Items
			found = true
		}
	}
	if user != nil {
		s.saveMessage(ctx, user)
	}
	if !found {
		return
	}
	s.saveMessage(ctx, assistant)
}

// recordFlags maps an item's moderation flags back onto a flat record.
func recordFlags(msg *wire.FlatMessage, it timeline.Item) {
	msg.Withdrawn = it.Withdrawn
	msg.WithdrawnBy = it.WithdrawnBy
	msg.Edited = it.Edited
	msg.EditedBy = it.EditedBy
	if !it.WithdrawnAt.IsZero() {
		at := it.WithdrawnAt
		msg.WithdrawnAt = &at
	}
	if !it.EditedAt.IsZero() {
		at := it.EditedAt
		msg.EditedAt = &at
	}
}

func (s *Session) applySessionEvent(ctx context.Context, ev wire.SessionEvent) {
	s.ctrl.ApplySession(ev)
	if s.history == nil {
		return
	}
	// Mirror server-side changes into the local store so a cold start
	// reconstructs the same conversation.
	switch ev.Type {
	case wire.SessionHumanMessage:
		if ev.Human.MessageID == "" {
			s.logger.Debug("not persisting operator message without id")
			return
		}
		s.saveMessage(ctx, &wire.FlatMessage{
			ID:        ev.Human.MessageID,
			Role:      wire.RoleOperator,
			Content:   ev.Human.Content,
			Operator:  ev.Human.Operator,
			CreatedAt: time.Now().UTC(),
		})
	case wire.SessionMessageWithdrawn:
		at := ev.Withdrawn.WithdrawnAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		if err := s.history.MarkWithdrawn(ctx, ev.Withdrawn.MessageID, at, ev.Withdrawn.WithdrawnBy); err != nil {
			s.logger.Warn("failed to mirror withdrawal", "message_id", ev.Withdrawn.MessageID, "error", err)
		}
	case wire.SessionMessageEdited:
		at := ev.Edited.EditedAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		if err := s.history.MarkEdited(ctx, ev.Edited.MessageID, ev.Edited.Content, at, ev.Edited.EditedBy); err != nil {
			s.logger.Warn("failed to mirror edit", "message_id", ev.Edited.MessageID, "error", err)
		}
	case wire.SessionMessagesDeleted:
		if err := s.history.DeleteMessages(ctx, ev.Deleted.MessageIDs); err != nil {
			s.logger.Warn("failed to mirror deletion", "count", len(ev.Deleted.MessageIDs), "error", err)
		}
	}
}

// Abort cancels the in-flight turn and purges its items synchronously.
// Idempotent; safe with no turn active.
func (s *Session) Abort() bool {
	s.mu.Lock()
	cancel := s.turnCancel
	s.turnCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return s.ctrl.Abort()
}

// Withdraw flags a message hidden locally and mirrors the change into
// history. Unknown ids are a no-op.
func (s *Session) Withdraw(ctx context.Context, id, by string) bool {
	at := time.Now().UTC()
	changed := s.ctrl.Withdraw(id, at, by)
	if changed && s.history != nil {
		if err := s.history.MarkWithdrawn(ctx, id, at, by); err != nil {
			s.logger.Warn("failed to persist withdrawal", "message_id", id, "error", err)
		}
	}
	return changed
}

// Edit replaces a message's content. Editing one's own user message in live
// mode regenerates: downstream turns are removed so the conversation can be
// replayed from that point.
func (s *Session) Edit(ctx context.Context, id, content, by string) bool {
	at := time.Now().UTC()
	regenerate := !s.ctrl.HumanMode()
	changed := s.ctrl.Edit(id, content, at, by, regenerate)
	if changed && s.history != nil {
		if err := s.history.MarkEdited(ctx, id, content, at, by); err != nil {
			s.logger.Warn("failed to persist edit", "message_id", id, "error", err)
		}
	}
	return changed
}

// Delete hard-removes a batch of messages locally and from history.
func (s *Session) Delete(ctx context.Context, ids []string) int {
	n := s.ctrl.DeleteMany(ids)
	if n > 0 && s.history != nil {
		if err := s.history.DeleteMessages(ctx, ids); err != nil {
			s.logger.Warn("failed to persist deletion", "count", len(ids), "error", err)
		}
	}
	return n
}

// LoadHistory replaces the timeline with one reconstructed from records.
func (s *Session) LoadHistory(records []*wire.FlatMessage) error {
	return s.ctrl.LoadHistory(records)
}

// RestoreLocal loads the most recent locally persisted messages into the
// timeline. A cold start with no gateway history uses this.
func (s *Session) RestoreLocal(ctx context.Context, limit int) error {
	if s.history == nil {
		return nil
	}
	records, err := s.history.ListMessages(ctx, limit)
	if err != nil {
		return fmt.Errorf("list local history: %w", err)
	}
	return s.ctrl.LoadHistory(records)
}

func (s *Session) saveMessage(ctx context.Context, msg *wire.FlatMessage) {
	if s.history == nil {
		return
	}
	if err := s.history.SaveMessage(ctx, msg); err != nil {
		s.logger.Warn("failed to persist message", "message_id", msg.ID, "error", err)
	}
}

func (s *Session) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.Background()
}

func (s *Session) clearTurnCancel() {
	s.mu.Lock()
	cancel := s.turnCancel
	s.turnCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
