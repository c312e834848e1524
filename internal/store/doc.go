// Package store persists flat conversation history to a local SQLite file.
//
// # Data Model
//
// A single messages table mirrors the wire.FlatMessage record:
//
//   - id: server-assigned message id (primary key)
//   - role: user, assistant, or operator
//   - content: message text, replaced in place on edit
//   - structured_payload: raw JSON product items, when the turn produced any
//   - operator: operator handle for operator records
//   - withdrawn/withdrawn_at/withdrawn_by: withdrawal flag and stamp
//   - edited/edited_at/edited_by: edit flag and stamp
//   - created_at: message timestamp, stored as text
//
// Reloading a session lists these records in order and hands them to
// conversation.Reconstruct, so the store never sees timeline items, only the
// flat records streaming leaves behind.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// The default database file lives under the XDG data directory
// (~/.local/share/loom/history.db); tests point at t.TempDir().
//
// # Ordering
//
// created_at is stored in a fixed-width RFC 3339 layout with nanoseconds
// zero-padded, so lexicographic text comparison matches time order even for
// records written within the same second. Ties fall back to rowid, which
// preserves insertion order. Bounded reads keep the most recent N records
// and return them oldest first.
//
// # Mutation Mirroring
//
// MarkWithdrawn and MarkEdited mirror timeline mutations after they are
// applied in memory, so they follow the in-memory rules: a second withdrawal
// of the same record is ignored, a second edit replaces the first, and
// unknown ids are silent no-ops. SaveMessage upserts by id without touching
// mutation columns, so replaying a save cannot clear a recorded withdrawal.
//
// # Error Handling
//
// GetMessage returns ErrNotFound when no record matches. All methods accept
// context.Context for cancellation support.
package store
