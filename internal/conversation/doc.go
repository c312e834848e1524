// Package conversation is the real-time timeline engine: it folds two
// concurrent event channels into one ordered conversation timeline.
//
// # Overview
//
// Two sources feed the same timeline. The per-turn streaming channel
// delivers incremental assistant output: call boundaries, reasoning and
// content deltas, tool activity, structured products, and the authoritative
// final content. The out-of-band session channel delivers operator messages,
// presence, handoff boundaries, and post-hoc mutations, which may arrive at
// any time, turn in flight or not.
//
// # Controller
//
// The Controller is the single state container. It owns the timeline store,
// the active-turn lifecycle, and the per-turn LLM-call stack that attributes
// deltas to calls:
//
//	ctrl := conversation.New(idgen.Random{}, logger)
//	ctrl.Subscribe(func(snap conversation.Snapshot) { render(snap) })
//
// Every transition commits atomically under the controller mutex; observers
// receive a consistent snapshot after commit, outside the lock. At most one
// turn is active at a time and a send during streaming is rejected with
// ErrTurnActive.
//
// # Session
//
// The Session wraps the controller with the concurrency structure: stream
// and session events land on two named queues drained by a single apply
// loop, so the controller sees a total order over transitions even though
// the two sources interleave freely:
//
//	sess := conversation.NewSession(ctrl, gateway, store, "user", logger)
//	go sess.Run(ctx)
//	turnID, err := sess.Send(ctx, "hello")
//
// A turn is opened by Send, pumped by a goroutine pulling the event stream,
// and closed by a terminal marker riding the same queue as the events, so
// completion can never overtake output. Abort purges the in-flight turn
// synchronously; partial output is never kept. A generation counter fences
// late events from a dead turn off its successor.
//
// # History
//
// Reconstruct maps flat persisted records to a timeline structurally
// equivalent to what completed streaming would have produced, collapsed to
// one Content item (plus one StructuredResult) per assistant record. It is
// pure and idempotent. LoadHistory installs the result; RestoreLocal feeds
// it from the local store on cold start.
//
// # Mutations
//
// Withdraw flags content hidden without removing it. Edit replaces content
// in place; editing a user message in live mode regenerates, removing every
// downstream turn. Delete hard-removes a batch. All three are total over
// missing ids: a replayed mutation converges to a no-op.
package conversation
