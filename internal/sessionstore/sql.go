package sessionstore

import (
	"context"
	"errors"
	"time"

	"github.com/hydrodiag/hydrodiag-ai/internal/db"
)

// SQLBackend stores sessions in the sessions table of the relational store.
type SQLBackend struct {
	store db.SessionStore
}

// NewSQLBackend creates a backend over store.
func NewSQLBackend(store db.SessionStore) *SQLBackend {
	return &SQLBackend{store: store}
}

func (b *SQLBackend) Name() string { return "sqlite" }

func (b *SQLBackend) Load(ctx context.Context, id string) ([]byte, int64, error) {
	rec, err := b.store.GetSession(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	return rec.Data, rec.Version, nil
}

func (b *SQLBackend) CompareAndSwap(ctx context.Context, id string, data []byte, expect, next int64) error {
	err := b.store.CompareAndSwapSession(ctx, &db.SessionRecord{
		ID:        id,
		Data:      data,
		Version:   next,
		UpdatedAt: time.Now(),
	}, expect)
	if errors.Is(err, db.ErrVersionMismatch) {
		return ErrConflict
	}
	return err
}

func (b *SQLBackend) Delete(ctx context.Context, id string) error {
	return b.store.DeleteSession(ctx, id)
}
