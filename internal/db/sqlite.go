package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// schema defines the tables of the diagnostic persistence layer.
// Version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    data        BLOB NOT NULL,
    version     INTEGER NOT NULL,
    updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at DESC);
`,
	},
	// Migration 2: diagnoses (lessons learned)
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS diagnoses (
    id          TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL,
    complaint   TEXT NOT NULL DEFAULT '',
    cause       TEXT NOT NULL DEFAULT '',
    solution    TEXT NOT NULL DEFAULT '',
    tags        TEXT NOT NULL DEFAULT '[]',
    confidence  REAL NOT NULL DEFAULT 0.0,
    confirmed   BOOLEAN NOT NULL DEFAULT 0,
    created_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_diagnoses_created_at ON diagnoses(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_diagnoses_cause      ON diagnoses(cause);
CREATE INDEX IF NOT EXISTS idx_diagnoses_session    ON diagnoses(session_id);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if path == ":memory:" {
		// Every connection gets its own in-memory database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	// Ensure schema_versions table exists before reading from it.
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Sessions ────────────────────────────────────────────────────────────────

func (s *sqliteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,data,version,updated_at FROM sessions WHERE id=?`, id)
	var rec SessionRecord
	var ts string
	if err := row.Scan(&rec.ID, &rec.Data, &rec.Version, &ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	rec.UpdatedAt, _ = parseTime(ts)
	return &rec, nil
}

func (s *sqliteStore) CompareAndSwapSession(ctx context.Context, rec *SessionRecord, expect int64) error {
	var (
		res sql.Result
		err error
	)
	if expect == 0 {
		res, err = s.db.ExecContext(ctx, `
            INSERT INTO sessions(id, data, version, updated_at) VALUES(?,?,?,?)
            ON CONFLICT(id) DO NOTHING
        `, rec.ID, rec.Data, rec.Version, rec.UpdatedAt.UTC())
	} else {
		res, err = s.db.ExecContext(ctx, `
            UPDATE sessions SET data=?, version=?, updated_at=?
            WHERE id=? AND version=?
        `, rec.Data, rec.Version, rec.UpdatedAt.UTC(), rec.ID, expect)
	}
	if err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if n == 0 {
		return ErrVersionMismatch
	}
	return nil
}

func (s *sqliteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	return err
}

func (s *sqliteStore) CountSessions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, err
}

// ─── Lessons ─────────────────────────────────────────────────────────────────

func (s *sqliteStore) AppendLesson(ctx context.Context, rec *LessonRecord) error {
	tags := rec.Tags
	if tags == "" {
		tags = "[]"
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO diagnoses(id, session_id, complaint, cause, solution, tags, confidence, confirmed, created_at)
        VALUES(?,?,?,?,?,?,?,?,?)
    `, rec.ID, rec.SessionID, rec.Complaint, rec.Cause, rec.Solution, tags,
		rec.Confidence, rec.Confirmed, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert diagnosis: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListLessons(ctx context.Context, q LessonQuery) ([]*LessonRecord, error) {
	query := `SELECT id,session_id,complaint,cause,solution,tags,confidence,confirmed,created_at FROM diagnoses WHERE 1=1`
	var args []interface{}
	if q.Cause != "" {
		query += ` AND cause=?`
		args = append(args, q.Cause)
	}
	if q.SessionID != "" {
		query += ` AND session_id=?`
		args = append(args, q.SessionID)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list diagnoses: %w", err)
	}
	defer rows.Close()

	var out []*LessonRecord
	for rows.Next() {
		var rec LessonRecord
		var ts string
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Complaint, &rec.Cause, &rec.Solution,
			&rec.Tags, &rec.Confidence, &rec.Confirmed, &ts); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = parseTime(ts)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999 -0700 MST",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
