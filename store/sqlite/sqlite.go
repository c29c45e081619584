// Package sqlite provides a durable Store backed by a single SQLite database
// file (modernc.org/sqlite, no cgo). Sessions are stored as JSON documents
// with a few indexed columns; messages and artifacts get their own tables.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/logging"
)

var (
	_ core.Store         = (*Store)(nil)
	_ core.Initializer   = (*Store)(nil)
	_ core.MessagePurger = (*Store)(nil)
	_ core.ArtifactStore = (*Store)(nil)
)

// DefaultFileName is the database file created below <project>/.flow by OpenProject.
const DefaultFileName = "flow.db"

// Options configures the SQLite store.
type Options struct {
	// BusyTimeout is applied through PRAGMA busy_timeout.
	BusyTimeout time.Duration
	Logger      logging.Logger
}

// Store is the SQLite backend.
type Store struct {
	db   *sql.DB
	path string
	opts Options
}

// Open opens (or creates) the database at path, applies the pragmas and the schema.
func Open(ctx context.Context, path string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{
		BusyTimeout: 5 * time.Second,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	db, err := openDB(ctx, path, opts.BusyTimeout)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, path: path, opts: opts}
	if err := s.Init(ctx, ""); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenProject opens <projectDir>/.flow/flow.db, creating the directory if needed.
func OpenProject(ctx context.Context, projectDir string, optFns ...func(o *Options)) (*Store, error) {
	dir := filepath.Join(projectDir, ".flow")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	return Open(ctx, filepath.Join(dir, DefaultFileName), optFns...)
}

// openDB opens a SQLite database at path with WAL journaling and a busy
// timeout, and pings it before returning.
func openDB(ctx context.Context, path string, busy time.Duration) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection keeps writers serialised and pragmas in effect.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds())); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	return db, nil
}

// Init applies the schema. It is idempotent; projectDir is ignored because
// the database location is fixed at Open.
func (s *Store) Init(ctx context.Context, _ string) error {
	if _, err := s.db.ExecContext(ctx, SchemaDDL); err != nil {
		return fmt.Errorf("apply schema to %s: %w", s.path, err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// WriteSession upserts the session document.
func (s *Store) WriteSession(ctx context.Context, sess *core.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, parent_id, type, status, created, updated, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			type = excluded.type,
			status = excluded.status,
			updated = excluded.updated,
			data = excluded.data`,
		sess.ID, sess.ParentID, string(sess.Type), string(sess.Status),
		sess.Created.UnixNano(), sess.Updated.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("write session %s: %w", sess.ID, err)
	}
	return nil
}

// ReadSession returns the session or core.ErrNotFound.
func (s *Store) ReadSession(ctx context.Context, id string) (*core.Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	var sess core.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

// ListSessions returns all sessions ordered by creation time.
func (s *Store) ListSessions(ctx context.Context) ([]*core.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM sessions ORDER BY created, id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]*core.Session, 0)
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var sess core.Session
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", id, err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// WriteMessage upserts a message.
func (s *Store) WriteMessage(ctx context.Context, m core.SessionMessage) error {
	status := m.Status
	if status == "" {
		status = core.MessagePending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, from_id, to_id, type, payload, timestamp, status, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			from_id = excluded.from_id,
			to_id = excluded.to_id,
			type = excluded.type,
			payload = excluded.payload,
			timestamp = excluded.timestamp,
			status = excluded.status,
			processed_at = excluded.processed_at`,
		m.ID, m.From, m.To, string(m.Type), string(m.Payload),
		m.Timestamp.UnixNano(), string(status), nullTime(m.ProcessedAt))
	if err != nil {
		return fmt.Errorf("write message %s: %w", m.ID, err)
	}
	return nil
}

const messageColumns = `id, from_id, to_id, type, payload, timestamp, status, processed_at`

func (s *Store) queryMessages(ctx context.Context, where string, args ...any) ([]core.SessionMessage, error) {
	q := `SELECT ` + messageColumns + ` FROM messages`
	if where != "" {
		q += ` WHERE ` + where
	}
	q += ` ORDER BY timestamp, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make([]core.SessionMessage, 0)
	for rows.Next() {
		var (
			m         core.SessionMessage
			typ, st   string
			payload   string
			ts        int64
			processed sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.From, &m.To, &typ, &payload, &ts, &st, &processed); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Type = core.MessageType(typ)
		m.Status = core.MessageStatus(st)
		m.Payload = json.RawMessage(payload)
		m.Timestamp = time.Unix(0, ts).UTC()
		if processed.Valid {
			at := time.Unix(0, processed.Int64).UTC()
			m.ProcessedAt = &at
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ReadPendingMessages returns pending messages ordered by timestamp.
func (s *Store) ReadPendingMessages(ctx context.Context) ([]core.SessionMessage, error) {
	return s.queryMessages(ctx, `status = ?`, string(core.MessagePending))
}

// ListMessages returns messages from or to sessionID (all when empty).
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]core.SessionMessage, error) {
	if sessionID == "" {
		return s.queryMessages(ctx, "")
	}
	return s.queryMessages(ctx, `from_id = ? OR to_id = ?`, sessionID, sessionID)
}

// MarkProcessed flips a pending message to processed.
func (s *Store) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, processed_at = ? WHERE id = ? AND status = ?`,
		string(core.MessageProcessed), at.UnixNano(), id, string(core.MessagePending))
	if err != nil {
		return fmt.Errorf("mark message %s processed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s: %w", id, core.ErrNotFound)
	}
	return err
}

// PurgeMessages deletes processed messages older than cutoff.
func (s *Store) PurgeMessages(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE status = ? AND timestamp < ?`,
		string(core.MessageProcessed), cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.opts.Logger.Info("purged processed messages", "count", n, "cutoff", cutoff)
	}
	return int(n), nil
}

// Clear deletes all rows in one transaction.
func (s *Store) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	for _, table := range []string{"sessions", "messages", "artifacts"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// SaveArtifact upserts an artifact.
func (s *Store) SaveArtifact(ctx context.Context, sessionID, name string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (session_id, name, data, created) VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, name) DO UPDATE SET data = excluded.data`,
		sessionID, name, append([]byte{}, data...), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("save artifact %s/%s: %w", sessionID, name, err)
	}
	return nil
}

// GetArtifact returns the artifact bytes or core.ErrNotFound.
func (s *Store) GetArtifact(ctx context.Context, sessionID, name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM artifacts WHERE session_id = ? AND name = ?`, sessionID, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s/%s: %w", sessionID, name, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact %s/%s: %w", sessionID, name, err)
	}
	return data, nil
}

// ListArtifacts returns the sorted artifact names of a session.
func (s *Store) ListArtifacts(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM artifacts WHERE session_id = ? ORDER BY name`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts %s: %w", sessionID, err)
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DeleteArtifact removes an artifact or returns core.ErrNotFound.
func (s *Store) DeleteArtifact(ctx context.Context, sessionID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM artifacts WHERE session_id = ? AND name = ?`, sessionID, name)
	if err != nil {
		return fmt.Errorf("delete artifact %s/%s: %w", sessionID, name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("artifact %s/%s: %w", sessionID, name, core.ErrNotFound)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
