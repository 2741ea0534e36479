package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store implementation.
// It is safe for concurrent use within one process. Records are lost on
// process exit, so it only coordinates goroutines, not processes.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]byte
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]byte),
	}
}

// Update holds the store mutex for the duration of fn. Records are stored
// encoded so callers never share maps with the store.
func (m *MemoryStore) Update(_ context.Context, name string, fn func(*Record) error) error {
	if err := validateName(name); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := decodeRecord(m.records[name])
	if err != nil {
		return fmt.Errorf("store: read %s: %w", name, err)
	}

	fnErr := fn(rec)

	if rec.discard {
		delete(m.records, name)
		return fnErr
	}
	b, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", name, err)
	}
	m.records[name] = b
	return fnErr
}

// Load returns a copy of the named record.
func (m *MemoryStore) Load(_ context.Context, name string) (*Record, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return decodeRecord(m.records[name])
}

// List returns the stored names in lexical order.
func (m *MemoryStore) List(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.records))
	for n := range m.records {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
