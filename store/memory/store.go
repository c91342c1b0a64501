// Package memory implements store.Store fully in memory. Safe for
// concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/fiscal"
	"github.com/xraph/fiscal/deadletter"
	"github.com/xraph/fiscal/document"
	"github.com/xraph/fiscal/id"
)

// Compile-time interface checks.
// We can't import store here (import cycle in tests), so we verify each subsystem.
var (
	_ document.Store   = (*Store)(nil)
	_ deadletter.Store = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	documents   map[string]*document.Record
	voidRanges  map[string]*document.VoidRange
	deadLetters map[string]*deadletter.Entry
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		documents:   make(map[string]*document.Record),
		voidRanges:  make(map[string]*document.VoidRange),
		deadLetters: make(map[string]*deadletter.Entry),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Document Store
// ──────────────────────────────────────────────────

// CreateDocument persists a new record.
func (m *Store) CreateDocument(_ context.Context, r *document.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.documents[r.AccessKey]; exists {
		return fiscal.ErrDuplicateDocument
	}
	m.documents[r.AccessKey] = r.Clone()
	return nil
}

// GetDocument retrieves a record by access key.
func (m *Store) GetDocument(_ context.Context, accessKey string) (*document.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.documents[accessKey]
	if !ok {
		return nil, fiscal.ErrDocumentNotFound
	}
	return r.Clone(), nil
}

// SwapDocument replaces the record when its version matches.
func (m *Store) SwapDocument(_ context.Context, r *document.Record, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.documents[r.AccessKey]
	if !ok {
		return fiscal.ErrDocumentNotFound
	}
	if cur.Version != expected {
		return fiscal.ErrStaleState
	}
	r.Version = expected + 1
	m.documents[r.AccessKey] = r.Clone()
	return nil
}

// ListDocumentsByStatus returns records in status, oldest update first.
func (m *Store) ListDocumentsByStatus(_ context.Context, status document.Status, opts document.ListOpts) ([]*document.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*document.Record
	for _, r := range m.documents {
		if r.Status != status {
			continue
		}
		if opts.TenantID != "" && r.TenantID != opts.TenantID {
			continue
		}
		if !opts.UpdatedBefore.IsZero() && !r.UpdatedAt.Before(opts.UpdatedBefore) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })

	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

// SaveVoidRange creates or replaces a void range.
func (m *Store) SaveVoidRange(_ context.Context, v *document.VoidRange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	m.voidRanges[v.Key()] = &cp
	return nil
}

// GetVoidRange retrieves a void range by key.
func (m *Store) GetVoidRange(_ context.Context, key string) (*document.VoidRange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.voidRanges[key]
	if !ok {
		return nil, fiscal.ErrVoidRangeNotFound
	}
	cp := *v
	return &cp, nil
}

// ──────────────────────────────────────────────────
// Dead-letter Store
// ──────────────────────────────────────────────────

// PushDeadLetter persists a new entry.
func (m *Store) PushDeadLetter(_ context.Context, e *deadletter.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters[e.ID.String()] = copyEntry(e)
	return nil
}

// ListDeadLetters returns entries matching opts, newest first.
func (m *Store) ListDeadLetters(_ context.Context, opts deadletter.ListOpts) ([]*deadletter.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*deadletter.Entry
	for _, e := range m.deadLetters {
		if opts.TenantID != "" && e.TenantID != opts.TenantID {
			continue
		}
		if opts.Class != "" && e.Class != opts.Class {
			continue
		}
		out = append(out, copyEntry(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].FailedAt.After(out[j].FailedAt)
		}
		return out[i].ID.String() > out[j].ID.String()
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

// GetDeadLetter retrieves an entry by ID.
func (m *Store) GetDeadLetter(_ context.Context, entryID id.DLQID) (*deadletter.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.deadLetters[entryID.String()]
	if !ok {
		return nil, fiscal.ErrDeadLetterNotFound
	}
	return copyEntry(e), nil
}

// UpdateDeadLetter persists changes to an existing entry.
func (m *Store) UpdateDeadLetter(_ context.Context, e *deadletter.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := e.ID.String()
	if _, ok := m.deadLetters[key]; !ok {
		return fiscal.ErrDeadLetterNotFound
	}
	m.deadLetters[key] = copyEntry(e)
	return nil
}

// DeleteDeadLetter removes an entry.
func (m *Store) DeleteDeadLetter(_ context.Context, entryID id.DLQID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entryID.String()
	if _, ok := m.deadLetters[key]; !ok {
		return fiscal.ErrDeadLetterNotFound
	}
	delete(m.deadLetters, key)
	return nil
}

// PurgeDeadLetters removes entries that failed before the given time.
func (m *Store) PurgeDeadLetters(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, e := range m.deadLetters {
		if e.FailedAt.Before(before) {
			delete(m.deadLetters, key)
			n++
		}
	}
	return n, nil
}

// CountDeadLetters returns the number of stored entries.
func (m *Store) CountDeadLetters(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.deadLetters)), nil
}

func copyEntry(e *deadletter.Entry) *deadletter.Entry {
	cp := *e
	item := e.Item()
	cp.Payload = item.Payload
	cp.Metadata = item.Metadata
	if e.RecoverAt != nil {
		t := *e.RecoverAt
		cp.RecoverAt = &t
	}
	if e.ReplayedAt != nil {
		t := *e.ReplayedAt
		cp.ReplayedAt = &t
	}
	return &cp
}
