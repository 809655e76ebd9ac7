package status

import (
	"context"
	"maps"
	"sort"
	"sync"
)

// Store persists health records. Get returns nil, nil when no record exists.
type Store interface {
	Get(ctx context.Context, indexerID int64) (*IndexerStatus, error)
	Save(ctx context.Context, s *IndexerStatus) error
	List(ctx context.Context) ([]*IndexerStatus, error)
	Delete(ctx context.Context, indexerID int64) error
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[int64]*IndexerStatus
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int64]*IndexerStatus)}
}

func (m *MemoryStore) Get(_ context.Context, indexerID int64) (*IndexerStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.records[indexerID]
	if !ok {
		return nil, nil
	}
	return clone(s), nil
}

func (m *MemoryStore) Save(_ context.Context, s *IndexerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[s.IndexerID] = clone(s)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]*IndexerStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*IndexerStatus, 0, len(m.records))
	for _, s := range m.records {
		out = append(out, clone(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IndexerID < out[j].IndexerID })
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, indexerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, indexerID)
	return nil
}

func clone(s *IndexerStatus) *IndexerStatus {
	c := *s
	c.Cookies = maps.Clone(s.Cookies)
	return &c
}
