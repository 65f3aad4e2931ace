package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process fact store for local/dev use.
type InMemoryStore struct {
	mu    sync.RWMutex
	facts map[string][]FactRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{facts: make(map[string][]FactRecord)}
}

func (s *InMemoryStore) SaveFact(_ context.Context, record FactRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.facts[record.UserID] = append(s.facts[record.UserID], record)
	return nil
}

func (s *InMemoryStore) RecentFacts(_ context.Context, userID string, limit int) ([]FactRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.facts[userID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]FactRecord, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
