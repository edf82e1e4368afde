// Package memory provides a fully in-memory store.Store. Safe for
// concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/xraph/cascade"
	"github.com/xraph/cascade/event"
	"github.com/xraph/cascade/run"
	"github.com/xraph/cascade/store"
)

// Ensure Store implements store.Store at compile time.
var _ store.Store = (*Store)(nil)

type kvEntry struct {
	value     []byte
	expiresAt time.Time
}

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	logs    map[string][]*event.Record       // subject → records in log order
	indexes map[string]map[string]*run.Entry // index key → run id → entry
	kv      map[string]kvEntry

	lastMillis int64
	seq        int64
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for record timestamps and TTLs.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		logs:    make(map[string][]*event.Record),
		indexes: make(map[string]map[string]*run.Entry),
		kv:      make(map[string]kvEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ──────────────────────────────────────────────────
// Lifecycle: Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Event log
// ──────────────────────────────────────────────────

// Append stores a copy of rec with a "<millis>-<seq>" id.
func (m *Store) Append(_ context.Context, subject string, rec *event.Record) (*event.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	ms := now.UnixMilli()
	if ms > m.lastMillis {
		m.lastMillis, m.seq = ms, 0
	} else {
		m.seq++
	}

	cp := *rec
	cp.ID = fmt.Sprintf("%d-%d", m.lastMillis, m.seq)
	cp.Timestamp = now
	cp.Data = slices.Clone(rec.Data)
	m.logs[subject] = append(m.logs[subject], &cp)

	out := cp
	return &out, nil
}

// Read returns copies of the matching records.
func (m *Store) Read(_ context.Context, subject string, opts store.ReadOptions) ([]*event.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.logs[subject]
	start, end, step := 0, len(log), 1
	if opts.Order == store.OrderDesc {
		start, end, step = len(log)-1, -1, -1
	}
	if opts.FromID != "" {
		pos := slices.IndexFunc(log, func(r *event.Record) bool { return r.ID == opts.FromID })
		if pos >= 0 {
			start = pos + step
		}
	}

	var out []*event.Record
	for i := start; i != end; i += step {
		r := log[i]
		if len(opts.Types) > 0 && !slices.Contains(opts.Types, r.Type) {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Run index
// ──────────────────────────────────────────────────

// IndexAdd stores a copy of e.
func (m *Store) IndexAdd(_ context.Context, key string, e *run.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.indexes[key]
	if !ok {
		idx = make(map[string]*run.Entry)
		m.indexes[key] = idx
	}
	if _, exists := idx[e.RunID]; exists {
		return cascade.ErrRunAlreadyExists
	}
	stored := cloneEntry(e)
	stored.Metadata.Version = 0
	idx[e.RunID] = stored
	return nil
}

// IndexGet returns a copy of the entry.
func (m *Store) IndexGet(_ context.Context, key, id string) (*run.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.indexes[key][id]
	if !ok {
		return nil, cascade.ErrRunNotFound
	}
	return cloneEntry(e), nil
}

// IndexUpdate writes meta if the version matches.
func (m *Store) IndexUpdate(_ context.Context, key, id string, meta run.Metadata) (*run.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.indexes[key][id]
	if !ok {
		return nil, cascade.ErrRunNotFound
	}
	if e.Metadata.Version != meta.Version {
		return nil, cascade.ErrVersionConflict
	}
	next := meta.Clone()
	next.CompletedSteps = e.Metadata.CompletedSteps
	next.Version = meta.Version + 1
	e.Metadata = next
	return cloneEntry(e), nil
}

// IndexIncrement adds delta to completedSteps.
func (m *Store) IndexIncrement(_ context.Context, key, id, field string, delta int64) (int64, error) {
	if field != store.FieldCompletedSteps {
		return 0, fmt.Errorf("cascade/memory: unsupported counter %q", field)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.indexes[key][id]
	if !ok {
		return 0, cascade.ErrRunNotFound
	}
	e.Metadata.CompletedSteps += delta
	return e.Metadata.CompletedSteps, nil
}

// IndexRead returns entries newest first, ties broken by run id.
func (m *Store) IndexRead(_ context.Context, key string, offset, limit int) ([]*run.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]*run.Entry, 0, len(m.indexes[key]))
	for _, e := range m.indexes[key] {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].RunID > entries[j].RunID
	})

	if offset >= len(entries) {
		return []*run.Entry{}, nil
	}
	entries = entries[offset:]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}

	out := make([]*run.Entry, len(entries))
	for i, e := range entries {
		out[i] = cloneEntry(e)
	}
	return out, nil
}

func cloneEntry(e *run.Entry) *run.Entry {
	return &run.Entry{RunID: e.RunID, Score: e.Score, Metadata: e.Metadata.Clone()}
}

// ──────────────────────────────────────────────────
// Key-value
// ──────────────────────────────────────────────────

// Get returns the value stored at key.
func (m *Store) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.kv[key]
	if !ok || (!e.expiresAt.IsZero() && !m.now().Before(e.expiresAt)) {
		return nil, cascade.ErrKeyNotFound
	}
	return slices.Clone(e.value), nil
}

// Set stores value at key.
func (m *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := kvEntry{value: slices.Clone(value)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.kv[key] = e
	return nil
}

// Delete removes key. Missing keys are not an error.
func (m *Store) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}
