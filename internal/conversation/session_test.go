// ABOUTME: Tests for the session façade: queue plumbing, turn pumping,
// ABOUTME: abort, failure handling, human-mode sends, and history mirroring.

package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom/internal/timeline"
	"github.com/2389/loom/internal/wire"
)

// scriptedStream replays a fixed event sequence. After the script runs out
// it returns finalErr, hangs until cancellation, or reports a clean end; a
// non-nil eofGate holds the clean end back until the gate is closed.
type scriptedStream struct {
	events   []wire.StreamEvent
	finalErr error
	hang     bool
	eofGate  chan struct{}

	mu  sync.Mutex
	pos int
}

func (s *scriptedStream) Next(ctx context.Context) (wire.StreamEvent, error) {
	select {
	case <-ctx.Done():
		return wire.StreamEvent{}, ctx.Err()
	default:
	}
	s.mu.Lock()
	if s.pos < len(s.events) {
		ev := s.events[s.pos]
		s.pos++
		s.mu.Unlock()
		return ev, nil
	}
	s.mu.Unlock()
	if s.hang {
		<-ctx.Done()
		return wire.StreamEvent{}, ctx.Err()
	}
	if s.finalErr != nil {
		return wire.StreamEvent{}, s.finalErr
	}
	if s.eofGate != nil {
		select {
		case <-s.eofGate:
		case <-ctx.Done():
			return wire.StreamEvent{}, ctx.Err()
		}
	}
	return wire.StreamEvent{}, io.EOF
}

func (s *scriptedStream) Close() error { return nil }

// fakeOpener hands out scripted streams in order and records deliveries.
type fakeOpener struct {
	mu      sync.Mutex
	streams []EventStream
	opened  []TurnRequest
	openErr error
	posted  []TurnRequest
	postErr error
}

func (f *fakeOpener) OpenTurn(_ context.Context, req TurnRequest) (EventStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, req)
	if f.openErr != nil {
		return nil, f.openErr
	}
	if len(f.streams) == 0 {
		return nil, errors.New("no streams left")
	}
	st := f.streams[0]
	f.streams = f.streams[1:]
	return st, nil
}

func (f *fakeOpener) PostMessage(_ context.Context, req TurnRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return f.postErr
	}
	f.posted = append(f.posted, req)
	return nil
}

// memoryHistory is an in-memory HistoryStore.
type memoryHistory struct {
	mu        sync.Mutex
	order     []string
	messages  map[string]*wire.FlatMessage
	withdrawn []string
	edited    []string
	deleted   []string
}

func newMemoryHistory() *memoryHistory {
	return &memoryHistory{messages: make(map[string]*wire.FlatMessage)}
}

func (m *memoryHistory) SaveMessage(_ context.Context, msg *wire.FlatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; !ok {
		m.order = append(m.order, msg.ID)
	}
	cp := *msg
	m.messages[msg.ID] = &cp
	return nil
}

func (m *memoryHistory) ListMessages(_ context.Context, limit int) ([]*wire.FlatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*wire.FlatMessage
	for _, id := range m.order {
		cp := *m.messages[id]
		out = append(out, &cp)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memoryHistory) MarkWithdrawn(_ context.Context, id string, _ time.Time, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.withdrawn = append(m.withdrawn, id)
	return nil
}

func (m *memoryHistory) MarkEdited(_ context.Context, id, content string, _ time.Time, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edited = append(m.edited, id)
	if msg, ok := m.messages[id]; ok {
		msg.Content = content
	}
	return nil
}

func (m *memoryHistory) DeleteMessages(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, ids...)
	return nil
}

func (m *memoryHistory) message(id string) (*wire.FlatMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, false
	}
	cp := *msg
	return &cp, true
}

func newTestSession(t *testing.T, opener StreamOpener, history HistoryStore) *Session {
	t.Helper()
	ctrl := newTestController(t)
	sess := NewSession(ctrl, opener, history, "user", slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = sess.Run(ctx) }()
	t.Cleanup(cancel)
	return sess
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSession_SendStreamsTurnToCompletion(t *testing.T) {
	stream := &scriptedStream{events: []wire.StreamEvent{
		metaStart("T1"),
		callStart("L1", 2),
		contentDelta("Hi"),
		contentDelta(" there"),
		callEnd("L1", 40, ""),
		finalEvent("Hi there"),
	}}
	opener := &fakeOpener{streams: []EventStream{stream}}
	history := newMemoryHistory()
	sess := newTestSession(t, opener, history)

	prov, err := sess.Send(context.Background(), "hello")
	require.NoError(t, err)
	require.NotEmpty(t, prov)

	waitUntil(t, func() bool {
		_, persisted := history.message("T1")
		return persisted && sess.Controller().CurrentTurnID() == ""
	})

	items := sess.Controller().Timeline()
	require.Equal(t, []timeline.Kind{
		timeline.KindUserMessage,
		timeline.KindLLMCall,
		timeline.KindContent,
	}, kinds(items))
	assert.Equal(t, "Hi there", items[2].Content.Text)

	// The request carried the provisional id; history holds both sides.
	require.Equal(t, 1, len(opener.opened))
	assert.Equal(t, prov, opener.opened[0].ClientMessageID)
	userRec, ok := history.message(prov)
	require.True(t, ok)
	assert.Equal(t, wire.RoleUser, userRec.Role)
	assistantRec, ok := history.message("T1")
	require.True(t, ok)
	assert.Equal(t, wire.RoleAssistant, assistantRec.Role)
	assert.Equal(t, "Hi there", assistantRec.Content)
}

func TestSession_AbortPurgesAndAllowsResend(t *testing.T) {
	hanging := &scriptedStream{
		events: []wire.StreamEvent{callStart("L1", 1), contentDelta("par"), contentDelta("tial")},
		hang:   true,
	}
	second := &scriptedStream{events: []wire.StreamEvent{
		callStart("L2", 1), contentDelta("done"), finalEvent("done"),
	}}
	opener := &fakeOpener{streams: []EventStream{hanging, second}}
	sess := newTestSession(t, opener, nil)

	_, err := sess.Send(context.Background(), "first")
	require.NoError(t, err)
	waitUntil(t, func() bool {
		items := sess.Controller().Timeline()
		return len(items) == 3 && items[2].Content != nil && items[2].Content.Text == "partial"
	})

	require.True(t, sess.Abort())

	assert.Empty(t, sess.Controller().Timeline())
	assert.False(t, sess.Controller().IsStreaming())

	_, err = sess.Send(context.Background(), "second")
	require.NoError(t, err)
	waitUntil(t, func() bool { return !sess.Controller().IsStreaming() })
	items := sess.Controller().Timeline()
	require.Equal(t, 3, len(items))
	assert.Equal(t, "done", items[2].Content.Text)
}

func TestSession_AbortLeavesNoHistoryTrace(t *testing.T) {
	hanging := &scriptedStream{
		events: []wire.StreamEvent{callStart("L1", 1), contentDelta("par")},
		hang:   true,
	}
	history := newMemoryHistory()
	sess := newTestSession(t, &fakeOpener{streams: []EventStream{hanging}}, history)

	_, err := sess.Send(context.Background(), "never mind")
	require.NoError(t, err)
	waitUntil(t, func() bool { return len(sess.Controller().Timeline()) == 3 })

	require.True(t, sess.Abort())

	// Records are written only at completion, so nothing was mirrored.
	recs, err := history.ListMessages(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSession_TransportFailurePurgesAndRecordsError(t *testing.T) {
	stream := &scriptedStream{
		events:   []wire.StreamEvent{callStart("L1", 1), contentDelta("half")},
		finalErr: errors.New("connection reset by peer"),
	}
	opener := &fakeOpener{streams: []EventStream{stream}}
	sess := newTestSession(t, opener, nil)

	_, err := sess.Send(context.Background(), "question")
	require.NoError(t, err)

	waitUntil(t, func() bool {
		items := sess.Controller().Timeline()
		return len(items) == 1 && items[0].Kind == timeline.KindError
	})
	assert.Contains(t, sess.Controller().Timeline()[0].Fault.Message, "connection reset")
	assert.False(t, sess.Controller().IsStreaming())

	// The session is usable again.
	_, err = sess.Send(context.Background(), "retry")
	assert.ErrorContains(t, err, "no streams left")
}

func TestSession_OpenTurnFailureRollsBack(t *testing.T) {
	opener := &fakeOpener{openErr: errors.New("gateway unreachable")}
	sess := newTestSession(t, opener, nil)

	_, err := sess.Send(context.Background(), "hello")
	require.ErrorContains(t, err, "gateway unreachable")
	assert.Empty(t, sess.Controller().Timeline())
	assert.False(t, sess.Controller().IsStreaming())
}

func TestSession_SendRejectedWhileTurnActive(t *testing.T) {
	hanging := &scriptedStream{hang: true}
	opener := &fakeOpener{streams: []EventStream{hanging}}
	sess := newTestSession(t, opener, nil)

	_, err := sess.Send(context.Background(), "first")
	require.NoError(t, err)

	_, err = sess.Send(context.Background(), "second")
	assert.ErrorIs(t, err, ErrTurnActive)
}

func TestSession_EmptyMessageRejected(t *testing.T) {
	sess := newTestSession(t, &fakeOpener{}, nil)

	_, err := sess.Send(context.Background(), "   \n")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSession_HumanModeSendPostsWithoutTurn(t *testing.T) {
	opener := &fakeOpener{}
	history := newMemoryHistory()
	sess := newTestSession(t, opener, history)

	sess.EnqueueSession(connected(true, true))
	waitUntil(t, func() bool { return sess.Controller().HumanMode() })

	id, err := sess.Send(context.Background(), "are you there?")
	require.NoError(t, err)

	assert.False(t, sess.Controller().IsStreaming())
	assert.Empty(t, sess.Controller().CurrentTurnID())
	require.Equal(t, 1, len(opener.posted))
	assert.Equal(t, id, opener.posted[0].ClientMessageID)
	assert.Equal(t, 0, len(opener.opened), "no turn is opened in human mode")

	items := sess.Controller().Timeline()
	require.Equal(t, 1, len(items))
	assert.Equal(t, "are you there?", items[0].User.Text)
	_, ok := history.message(id)
	assert.True(t, ok)
}

func TestSession_HumanModePostFailureRollsBack(t *testing.T) {
	opener := &fakeOpener{postErr: errors.New("socket down")}
	history := newMemoryHistory()
	sess := newTestSession(t, opener, history)

	sess.EnqueueSession(connected(true, true))
	waitUntil(t, func() bool { return sess.Controller().HumanMode() })

	_, err := sess.Send(context.Background(), "hello?")
	require.ErrorContains(t, err, "socket down")
	assert.Empty(t, sess.Controller().Timeline())

	// Persistence waits for the delivery ack, so nothing needs undoing.
	recs, err := history.ListMessages(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSession_MirrorsRemoteEventsIntoHistory(t *testing.T) {
	history := newMemoryHistory()
	sess := newTestSession(t, &fakeOpener{}, history)

	sess.EnqueueSession(humanMessage("m-1", "operator here", "dana"))
	sess.EnqueueSession(wire.SessionEvent{
		Type:      wire.SessionMessageWithdrawn,
		Withdrawn: &wire.WithdrawnPayload{MessageID: "m-1", WithdrawnBy: "dana"},
	})
	sess.EnqueueSession(wire.SessionEvent{
		Type:    wire.SessionMessagesDeleted,
		Deleted: &wire.DeletedPayload{MessageIDs: []string{"m-1"}},
	})

	waitUntil(t, func() bool {
		history.mu.Lock()
		defer history.mu.Unlock()
		return len(history.deleted) == 1
	})

	rec, ok := history.message("m-1")
	require.True(t, ok)
	assert.Equal(t, wire.RoleOperator, rec.Role)
	assert.Equal(t, []string{"m-1"}, history.withdrawn)
	assert.Equal(t, []string{"m-1"}, history.deleted)
}

func TestSession_LocalMutationsPersist(t *testing.T) {
	stream := &scriptedStream{events: []wire.StreamEvent{
		metaStart("T1"), contentDelta("answer"), finalEvent("answer"),
	}}
	history := newMemoryHistory()
	sess := newTestSession(t, &fakeOpener{streams: []EventStream{stream}}, history)

	prov, err := sess.Send(context.Background(), "question")
	require.NoError(t, err)
	waitUntil(t, func() bool {
		_, persisted := history.message("T1")
		return persisted && sess.Controller().CurrentTurnID() == ""
	})

	require.True(t, sess.Withdraw(context.Background(), prov, "user"))
	assert.Equal(t, []string{prov}, history.withdrawn)

	assert.False(t, sess.Withdraw(context.Background(), prov, "user"), "replay converges")
	assert.Equal(t, []string{prov}, history.withdrawn, "no duplicate persistence")
}

func TestSession_MidTurnWithdrawSurvivesCompletion(t *testing.T) {
	gate := make(chan struct{})
	stream := &scriptedStream{
		events:  []wire.StreamEvent{metaStart("T1"), contentDelta("answer"), finalEvent("answer")},
		eofGate: gate,
	}
	history := newMemoryHistory()
	sess := newTestSession(t, &fakeOpener{streams: []EventStream{stream}}, history)

	prov, err := sess.Send(context.Background(), "question")
	require.NoError(t, err)
	waitUntil(t, func() bool {
		items := sess.Controller().Timeline()
		return len(items) == 2 && items[1].Kind == timeline.KindContent
	})

	// No row exists yet; only the timeline item carries the flag.
	require.True(t, sess.Withdraw(context.Background(), prov, "user"))

	close(gate)
	waitUntil(t, func() bool {
		_, persisted := history.message("T1")
		return persisted
	})

	rec, ok := history.message(prov)
	require.True(t, ok)
	assert.True(t, rec.Withdrawn)
	assert.Equal(t, "user", rec.WithdrawnBy)
	require.NotNil(t, rec.WithdrawnAt)
}

func TestSession_RestoreLocalRebuildsTimeline(t *testing.T) {
	history := newMemoryHistory()
	require.NoError(t, history.SaveMessage(context.Background(), rec("u1", wire.RoleUser, "stored question")))
	require.NoError(t, history.SaveMessage(context.Background(), rec("a1", wire.RoleAssistant, "stored answer")))
	sess := newTestSession(t, &fakeOpener{}, history)

	require.NoError(t, sess.RestoreLocal(context.Background(), 50))

	items := sess.Controller().Timeline()
	require.Equal(t, 2, len(items))
	assert.Equal(t, "a1", items[0].TurnID)
	assert.Equal(t, "stored answer", items[1].Content.Text)
}
