package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/eddiefleurent/optionchain_collector/internal/models"
)

// MemoryStore implements Interface in process memory with the same
// idempotency semantics as PostgresStore. Used by tests and dry runs.
type MemoryStore struct {
	mu        sync.Mutex
	tables    map[models.TableIdentity]map[int64]models.OptionChainRecord
	ensures   int
	acquired  int
	closed    bool
	upsertErr error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[models.TableIdentity]map[int64]models.OptionChainRecord)}
}

// FailUpserts makes every subsequent Upsert return err; nil restores normal behavior.
func (m *MemoryStore) FailUpserts(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertErr = err
}

func (m *MemoryStore) Acquire(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.acquired++
	return &memorySession{store: m}, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemoryStore) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// Tables returns the names of created tables in sorted order.
func (m *MemoryStore) Tables() []models.TableIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.TableIdentity, 0, len(m.tables))
	for id := range m.tables {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Rows returns a table's rows ordered by capture time.
func (m *MemoryStore) Rows(id models.TableIdentity) []models.OptionChainRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]models.OptionChainRecord, 0, len(m.tables[id]))
	for _, r := range m.tables[id] {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CapturedAt.Before(rows[j].CapturedAt) })
	return rows
}

// EnsureCalls returns how many times EnsureTable has run.
func (m *MemoryStore) EnsureCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensures
}

// Acquired returns how many sessions have been handed out.
func (m *MemoryStore) Acquired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired
}

type memorySession struct {
	store    *MemoryStore
	released bool
}

func (s *memorySession) EnsureTable(ctx context.Context, id models.TableIdentity) error {
	if s.released {
		return ErrClosed
	}
	m := s.store
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.ensures++
	if _, ok := m.tables[id]; !ok {
		m.tables[id] = make(map[int64]models.OptionChainRecord)
	}
	return nil
}

func (s *memorySession) Upsert(ctx context.Context, id models.TableIdentity, rec *models.OptionChainRecord) (bool, error) {
	if s.released {
		return false, ErrClosed
	}
	m := s.store
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if m.upsertErr != nil {
		return false, m.upsertErr
	}
	table, ok := m.tables[id]
	if !ok {
		return false, ErrTableMissing
	}
	key := rec.CapturedAt.UnixMilli()
	if _, exists := table[key]; exists {
		return false, nil
	}
	table[key] = *rec
	return true, nil
}

func (s *memorySession) Healthy() bool {
	return !s.released
}

func (s *memorySession) Release() {
	s.released = true
}
