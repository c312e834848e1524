// ABOUTME: SQLite implementation of local history persistence using modernc.org/sqlite
// ABOUTME: Mirrors flat conversation records with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/loom/internal/wire"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// timeFormat zero-pads fractional seconds so stored stamps compare
// lexicographically; RFC3339Nano drops trailing zeros, which breaks
// TEXT ordering for sub-second neighbors.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists flat conversation records locally so a cold start
// can reconstruct the timeline without the gateway.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id                 TEXT PRIMARY KEY,
			role               TEXT NOT NULL,
			content            TEXT NOT NULL,
			structured_payload TEXT,
			operator           TEXT,
			withdrawn          INTEGER NOT NULL DEFAULT 0,
			withdrawn_at       TEXT,
			withdrawn_by       TEXT,
			edited             INTEGER NOT NULL DEFAULT 0,
			edited_at          TEXT,
			edited_by          TEXT,
			created_at         TEXT NOT NULL,

			CHECK (role IN ('user', 'assistant', 'operator'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SaveMessage inserts or refreshes a record. Replayed saves of an id must
// not clobber mutation flags already mirrored locally, so the conflict
// branch updates content fields only.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *wire.FlatMessage) error {
	query := `
		INSERT INTO messages (
			id, role, content, structured_payload, operator,
			withdrawn, withdrawn_at, withdrawn_by,
			edited, edited_at, edited_by,
			created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			structured_payload = excluded.structured_payload,
			operator = excluded.operator
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.Role,
		msg.Content,
		nullString(string(msg.StructuredPayload)),
		nullString(msg.Operator),
		msg.Withdrawn,
		nullTime(msg.WithdrawnAt),
		nullString(msg.WithdrawnBy),
		msg.Edited,
		nullTime(msg.EditedAt),
		nullString(msg.EditedBy),
		msg.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "role", msg.Role)
	return nil
}

// GetMessage retrieves a single record by id.
// Returns ErrNotFound if no record exists.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*wire.FlatMessage, error) {
	query := selectColumns + ` FROM messages WHERE id = ?`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// ListMessages retrieves the most recent `limit` records in chronological
// order (oldest first). If limit is 0 or negative, all records are returned.
func (s *SQLiteStore) ListMessages(ctx context.Context, limit int) ([]*wire.FlatMessage, error) {
	var query string
	var args []any

	if limit > 0 {
		// Get the N most recent records, but return them in chronological
		// order: subquery descending, outer query ascending. rowid breaks
		// ties between records stamped at the same instant.
		query = selectColumns + `
			FROM (
				` + selectColumns + `, rowid AS rid
				FROM messages
				ORDER BY created_at DESC, rid DESC
				LIMIT ?
			)
			ORDER BY created_at ASC, rid ASC
		`
		args = []any{limit}
	} else {
		query = selectColumns + `
			FROM messages
			ORDER BY created_at ASC, rowid ASC
		`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*wire.FlatMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// MarkWithdrawn flags a record withdrawn. First writer wins, matching the
// in-memory mutation semantics; unknown ids are a no-op.
func (s *SQLiteStore) MarkWithdrawn(ctx context.Context, id string, at time.Time, by string) error {
	query := `
		UPDATE messages
		SET withdrawn = 1, withdrawn_at = ?, withdrawn_by = ?
		WHERE id = ? AND withdrawn = 0
	`

	result, err := s.db.ExecContext(ctx, query,
		at.UTC().Format(timeFormat),
		nullString(by),
		id,
	)
	if err != nil {
		return fmt.Errorf("marking message withdrawn: %w", err)
	}

	if n, _ := result.RowsAffected(); n > 0 {
		s.logger.Debug("marked message withdrawn", "id", id, "by", by)
	}
	return nil
}

// MarkEdited replaces a record's content and flags it edited. Unlike
// withdrawal, later edits overwrite earlier ones; unknown ids are a no-op.
func (s *SQLiteStore) MarkEdited(ctx context.Context, id, content string, at time.Time, by string) error {
	query := `
		UPDATE messages
		SET content = ?, edited = 1, edited_at = ?, edited_by = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		content,
		at.UTC().Format(timeFormat),
		nullString(by),
		id,
	)
	if err != nil {
		return fmt.Errorf("marking message edited: %w", err)
	}

	if n, _ := result.RowsAffected(); n > 0 {
		s.logger.Debug("marked message edited", "id", id, "by", by)
	}
	return nil
}

// DeleteMessages hard-removes a batch of records in one statement.
// Unknown ids are skipped silently.
func (s *SQLiteStore) DeleteMessages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := `DELETE FROM messages WHERE id IN (` + placeholders + `)`

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}

	if n, _ := result.RowsAffected(); n > 0 {
		s.logger.Debug("deleted messages", "count", n)
	}
	return nil
}

const selectColumns = `
	SELECT id, role, content, structured_payload, operator,
	       withdrawn, withdrawn_at, withdrawn_by,
	       edited, edited_at, edited_by,
	       created_at
`

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*wire.FlatMessage, error) {
	var msg wire.FlatMessage
	var structuredPayload, operator sql.NullString
	var withdrawnAt, withdrawnBy sql.NullString
	var editedAt, editedBy sql.NullString
	var createdAtStr string

	err := row.Scan(
		&msg.ID, &msg.Role, &msg.Content, &structuredPayload, &operator,
		&msg.Withdrawn, &withdrawnAt, &withdrawnBy,
		&msg.Edited, &editedAt, &editedBy,
		&createdAtStr,
	)
	if err != nil {
		return nil, err
	}

	if structuredPayload.Valid {
		msg.StructuredPayload = []byte(structuredPayload.String)
	}
	if operator.Valid {
		msg.Operator = operator.String
	}
	if withdrawnBy.Valid {
		msg.WithdrawnBy = withdrawnBy.String
	}
	if editedBy.Valid {
		msg.EditedBy = editedBy.String
	}

	msg.WithdrawnAt, err = parseNullTime(withdrawnAt)
	if err != nil {
		return nil, fmt.Errorf("parsing withdrawn_at: %w", err)
	}
	msg.EditedAt, err = parseNullTime(editedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing edited_at: %w", err)
	}

	msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &msg, nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullTime returns nil for nil times, otherwise the formatted string
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
