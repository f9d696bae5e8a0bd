package correlator

import (
	"context"
	"sync"
)

// Store persists pending correlations. Implementations provide plain CRUD;
// the Correlator serializes mutations per trace id on top.
type Store interface {
	Get(ctx context.Context, traceID string) (Record, error)
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, traceID string) error
	TraceIDs(ctx context.Context) ([]string, error)
}

type memoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore returns the in-process store used by single-instance
// deployments and tests.
func NewMemoryStore() Store {
	return &memoryStore{records: make(map[string]Record)}
}

func (s *memoryStore) Get(_ context.Context, traceID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[traceID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.clone(), nil
}

func (s *memoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.TraceID] = rec.clone()
	return nil
}

func (s *memoryStore) Delete(_ context.Context, traceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, traceID)
	return nil
}

func (s *memoryStore) TraceIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.records))
	for id := range s.records {
		out = append(out, id)
	}
	return out, nil
}
