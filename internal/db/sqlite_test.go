package db

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// ─── Sessions ────────────────────────────────────────────────────────────────

func TestSessionCompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSession(ctx, "s-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	rec := &SessionRecord{ID: "s-1", Data: []byte(`{"stage":"init"}`), Version: 1, UpdatedAt: time.Now()}
	if err := s.CompareAndSwapSession(ctx, rec, 0); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A second create must fail.
	if err := s.CompareAndSwapSession(ctx, rec, 0); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch on duplicate create, got %v", err)
	}

	next := &SessionRecord{ID: "s-1", Data: []byte(`{"stage":"gathering"}`), Version: 2, UpdatedAt: time.Now()}
	if err := s.CompareAndSwapSession(ctx, next, 1); err != nil {
		t.Fatalf("update: %v", err)
	}

	// Stale writer.
	stale := &SessionRecord{ID: "s-1", Data: []byte(`{"stage":"resolved"}`), Version: 2, UpdatedAt: time.Now()}
	if err := s.CompareAndSwapSession(ctx, stale, 1); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch for stale write, got %v", err)
	}

	got, err := s.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("expected version 2, got %d", got.Version)
	}
	if string(got.Data) != `{"stage":"gathering"}` {
		t.Errorf("unexpected data %s", got.Data)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("expected updated_at to be parsed")
	}
}

func TestDeleteAndCountSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		rec := &SessionRecord{ID: id, Data: []byte(`{}`), Version: 1, UpdatedAt: time.Now()}
		if err := s.CompareAndSwapSession(ctx, rec, 0); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := s.DeleteSession(ctx, "b"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if err := s.DeleteSession(ctx, "missing"); err != nil {
		t.Fatalf("DeleteSession missing: %v", err)
	}

	n, err := s.CountSessions(ctx)
	if err != nil {
		t.Fatalf("CountSessions: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 sessions, got %d", n)
	}
}

func TestConcurrentCompareAndSwap(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cas.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	if err := s.CompareAndSwapSession(ctx, &SessionRecord{ID: "s", Data: []byte(`{}`), Version: 1, UpdatedAt: time.Now()}, 0); err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.CompareAndSwapSession(ctx, &SessionRecord{ID: "s", Data: []byte(`{}`), Version: 2, UpdatedAt: time.Now()}, 1)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one winning writer, got %d", wins)
	}
}

// ─── Lessons ─────────────────────────────────────────────────────────────────

func TestLessons(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour).Round(time.Second)
	lessons := []*LessonRecord{
		{ID: "l1", SessionID: "s1", Complaint: "cylinder slow", Cause: "pump_worn", Solution: "Replace pump", Tags: `["slow_cylinder"]`, Confidence: 0.8, Confirmed: true, CreatedAt: base},
		{ID: "l2", SessionID: "s2", Complaint: "no pressure", Cause: "relief_misadjusted", Solution: "Adjust relief", Confidence: 0.74, Confirmed: true, CreatedAt: base.Add(time.Minute)},
		{ID: "l3", SessionID: "s3", Complaint: "hot oil", Cause: "pump_worn", Confidence: 0.3, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, l := range lessons {
		if err := s.AppendLesson(ctx, l); err != nil {
			t.Fatalf("AppendLesson: %v", err)
		}
	}

	all, err := s.ListLessons(ctx, LessonQuery{})
	if err != nil {
		t.Fatalf("ListLessons: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 lessons, got %d", len(all))
	}
	if all[0].ID != "l3" {
		t.Errorf("expected newest first, got %s", all[0].ID)
	}
	if all[2].Tags != `["slow_cylinder"]` {
		t.Errorf("unexpected tags %s", all[2].Tags)
	}
	if all[1].Tags != "[]" {
		t.Errorf("expected default tags, got %s", all[1].Tags)
	}
	if !all[2].Confirmed || all[0].Confirmed {
		t.Error("confirmed flag not round-tripped")
	}

	pump, err := s.ListLessons(ctx, LessonQuery{Cause: "pump_worn", Limit: 1})
	if err != nil {
		t.Fatalf("ListLessons by cause: %v", err)
	}
	if len(pump) != 1 || pump[0].ID != "l3" {
		t.Errorf("unexpected filtered lessons %+v", pump)
	}

	page, err := s.ListLessons(ctx, LessonQuery{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListLessons page: %v", err)
	}
	if len(page) != 1 || page[0].ID != "l1" {
		t.Errorf("unexpected page %+v", page)
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hydrodiag.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	_ = s.Close()

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	_ = s.Close()
}
