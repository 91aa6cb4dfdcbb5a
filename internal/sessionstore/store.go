// Package sessionstore persists diagnostic sessions behind a versioned
// compare-and-set backend.
//
// Get never fails on a bad record: a missing session is created at defaults,
// a legacy record is migrated and written back once, and a malformed record
// is replaced by a fresh session.
package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hydrodiag/hydrodiag-ai/internal/audit"
	"github.com/hydrodiag/hydrodiag-ai/internal/metrics"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/session"
)

var (
	// ErrConflict is returned by Save when the session was written by someone
	// else since it was read.
	ErrConflict = errors.New("session modified concurrently")

	// ErrNotFound is returned by Lookup and by backends for absent records.
	ErrNotFound = errors.New("session not found")
)

// maxAttempts bounds the reload loop when a create, heal or reset races
// another writer.
const maxAttempts = 3

// Backend stores encoded sessions with a revision number. Revision 0 means
// absent.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Load returns the stored bytes and revision, or ErrNotFound.
	Load(ctx context.Context, id string) ([]byte, int64, error)

	// CompareAndSwap stores data at revision next if the current revision is
	// expect, else returns ErrConflict.
	CompareAndSwap(ctx context.Context, id string, data []byte, expect, next int64) error

	// Delete removes a record. Deleting an absent record is not an error.
	Delete(ctx context.Context, id string) error
}

// Store implements session persistence on top of a Backend.
type Store struct {
	backend Backend
	logger  *zap.Logger
	audit   audit.Logger
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the application logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithAudit sets the audit logger used for create and heal events.
func WithAudit(a audit.Logger) Option {
	return func(s *Store) { s.audit = a }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store over backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		logger:  zap.NewNop(),
		audit:   audit.NewNopLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the underlying backend name.
func (s *Store) Backend() string { return s.backend.Name() }

// Get returns the session for id, creating and persisting a default one when
// absent. Malformed records are replaced and legacy records are migrated.
func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		sess, err := s.get(ctx, id)
		if errors.Is(err, ErrConflict) {
			continue
		}
		s.observe("get", err)
		return sess, err
	}
	s.observe("get", ErrConflict)
	return nil, fmt.Errorf("get session %s: %w", id, ErrConflict)
}

func (s *Store) get(ctx context.Context, id string) (*session.Session, error) {
	now := s.now()
	data, version, err := s.backend.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		sess := session.New(id, now)
		if err := s.Save(ctx, sess); err != nil {
			return nil, err
		}
		_ = s.audit.LogSessionCreated(ctx, id)
		return sess, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	sess, migrated, derr := session.Decode(id, data, now)
	sess.Version = version
	if derr != nil {
		s.logger.Warn("replacing malformed session record",
			zap.String("session_id", id),
			zap.String("backend", s.backend.Name()),
			zap.Error(derr),
		)
		metrics.SessionsHealed.Inc()
		_ = s.audit.Log(ctx, audit.NewEvent(audit.EventSessionHealed).
			WithSession(id, string(session.StageInit)).
			WithError(derr, "malformed_record").
			WithResult(audit.ResultSuccess))
	}
	if migrated {
		if err := s.Save(ctx, sess); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// Lookup returns the stored session without creating one.
func (s *Store) Lookup(ctx context.Context, id string) (*session.Session, error) {
	data, version, err := s.backend.Load(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			err = fmt.Errorf("load session %s: %w", id, err)
		}
		s.observe("lookup", err)
		return nil, err
	}
	sess, _, derr := session.Decode(id, data, s.now())
	sess.Version = version
	if derr != nil {
		s.logger.Warn("stored session is malformed", zap.String("session_id", id), zap.Error(derr))
	}
	s.observe("lookup", nil)
	return sess, nil
}

// Save writes sess if it has not changed since it was read, then advances
// sess.Version. It returns ErrConflict otherwise.
func (s *Store) Save(ctx context.Context, sess *session.Session) error {
	expect := sess.Version
	next := expect + 1
	updated := sess.UpdatedAt

	sess.Version = next
	sess.UpdatedAt = s.now()
	data, err := session.Encode(sess)
	if err == nil {
		err = s.backend.CompareAndSwap(ctx, sess.ID, data, expect, next)
	}
	if err != nil {
		sess.Version = expect
		sess.UpdatedAt = updated
		if !errors.Is(err, ErrConflict) {
			err = fmt.Errorf("save session %s: %w", sess.ID, err)
		}
		s.observe("save", err)
		return err
	}
	s.observe("save", nil)
	return nil
}

// Reset replaces the session with a fresh one regardless of its stage.
func (s *Store) Reset(ctx context.Context, id string) (*session.Session, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		_, version, err := s.backend.Load(ctx, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			s.observe("reset", err)
			return nil, fmt.Errorf("load session %s: %w", id, err)
		}
		sess := session.New(id, s.now())
		sess.Version = version
		err = s.Save(ctx, sess)
		if errors.Is(err, ErrConflict) {
			continue
		}
		s.observe("reset", err)
		if err != nil {
			return nil, err
		}
		return sess, nil
	}
	s.observe("reset", ErrConflict)
	return nil, fmt.Errorf("reset session %s: %w", id, ErrConflict)
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.backend.Delete(ctx, id)
	s.observe("delete", err)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (s *Store) observe(op string, err error) {
	result := "ok"
	switch {
	case errors.Is(err, ErrConflict):
		result = "conflict"
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	metrics.SessionStoreOps.WithLabelValues(s.backend.Name(), op, result).Inc()
}

// versionOf reads the revision embedded in an encoded session. Records that
// cannot be parsed are at revision 0.
func versionOf(data []byte) int64 {
	var v struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return 0
	}
	return v.Version
}
