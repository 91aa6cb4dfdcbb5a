package sessionstore

import (
	"context"
	"sync"
)

type memoryEntry struct {
	data    []byte
	version int64
}

// MemoryBackend keeps sessions in process memory. It is used for tests and
// single-instance deployments.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]memoryEntry)}
}

// NewMemoryStore is shorthand for New(NewMemoryBackend(), opts...).
func NewMemoryStore(opts ...Option) *Store {
	return New(NewMemoryBackend(), opts...)
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Load(_ context.Context, id string) ([]byte, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return append([]byte(nil), e.data...), e.version, nil
}

func (m *MemoryBackend) CompareAndSwap(_ context.Context, id string, data []byte, expect, next int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[id].version != expect {
		return ErrConflict
	}
	m.entries[id] = memoryEntry{data: append([]byte(nil), data...), version: next}
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

// Put stores raw bytes at a revision, bypassing the CAS check. Tests use it
// to plant legacy or damaged records.
func (m *MemoryBackend) Put(id string, data []byte, version int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = memoryEntry{data: append([]byte(nil), data...), version: version}
}
