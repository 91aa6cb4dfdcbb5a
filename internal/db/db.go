package db

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrVersionMismatch is returned when a compare-and-set write finds a
	// different stored version than expected.
	ErrVersionMismatch = errors.New("version mismatch")
)

// Store is the main persistence interface of the diagnostic service.
type Store interface {
	SessionStore
	LessonStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Session store ───────────────────────────────────────────────────────────

// SessionRecord is an encoded session document and its revision.
type SessionRecord struct {
	ID        string    `json:"id"`
	Data      []byte    `json:"data"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionStore persists encoded sessions with optimistic concurrency.
type SessionStore interface {
	// GetSession returns the stored record or ErrNotFound.
	GetSession(ctx context.Context, id string) (*SessionRecord, error)

	// CompareAndSwapSession writes rec if the stored version equals expect.
	// An expect of 0 means the record must not exist yet. On success the
	// stored version is rec.Version.
	CompareAndSwapSession(ctx context.Context, rec *SessionRecord, expect int64) error

	// DeleteSession removes a session. Deleting a missing session is not an error.
	DeleteSession(ctx context.Context, id string) error

	// CountSessions returns the number of stored sessions.
	CountSessions(ctx context.Context) (int, error)
}

// ─── Lesson store ────────────────────────────────────────────────────────────

// LessonRecord is a resolved diagnosis kept for review.
type LessonRecord struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Complaint  string    `json:"complaint"`
	Cause      string    `json:"cause"`
	Solution   string    `json:"solution"`
	Tags       string    `json:"tags"` // JSON array
	Confidence float64   `json:"confidence"`
	Confirmed  bool      `json:"confirmed"`
	CreatedAt  time.Time `json:"created_at"`
}

// LessonQuery filters lesson queries.
type LessonQuery struct {
	Cause     string
	SessionID string
	Limit     int
	Offset    int
}

// LessonStore persists resolved diagnoses.
type LessonStore interface {
	// AppendLesson stores a resolved diagnosis.
	AppendLesson(ctx context.Context, rec *LessonRecord) error

	// ListLessons returns lessons newest first.
	ListLessons(ctx context.Context, q LessonQuery) ([]*LessonRecord, error)
}
