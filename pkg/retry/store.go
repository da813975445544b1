package retry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrItemNotFound is returned when resolving an unknown failed item.
var ErrItemNotFound = errors.New("retry: failed item not found")

// FailedItem captures a delivery that exhausted all attempts without
// success. Items are removed only by explicit manual resolution.
type FailedItem struct {
	RequestID      string    `json:"request_id"`
	Provider       string    `json:"provider"`
	Payload        []byte    `json:"payload"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error"`
	FirstAttemptAt time.Time `json:"first_attempt_at"`
	LastAttemptAt  time.Time `json:"last_attempt_at"`
	Results        []Result  `json:"results"`
}

// FailedStore persists exhausted deliveries for operator inspection.
// Items are keyed by (provider, request_id).
type FailedStore interface {
	Save(ctx context.Context, item *FailedItem) error
	List(ctx context.Context) ([]*FailedItem, error)
	Resolve(ctx context.Context, provider, requestID string) error
}

// MemoryFailedStore is an in-process FailedStore.
type MemoryFailedStore struct {
	mu    sync.Mutex
	items map[string]*FailedItem
}

// NewMemoryFailedStore creates an empty in-memory store.
func NewMemoryFailedStore() *MemoryFailedStore {
	return &MemoryFailedStore{items: make(map[string]*FailedItem)}
}

func failedKey(provider, requestID string) string {
	return provider + "/" + requestID
}

func (s *MemoryFailedStore) Save(_ context.Context, item *FailedItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[failedKey(item.Provider, item.RequestID)] = item
	return nil
}

func (s *MemoryFailedStore) List(_ context.Context) ([]*FailedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*FailedItem, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAttemptAt.Before(out[j].LastAttemptAt)
	})
	return out, nil
}

func (s *MemoryFailedStore) Resolve(_ context.Context, provider, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := failedKey(provider, requestID)
	if _, ok := s.items[key]; !ok {
		return ErrItemNotFound
	}
	delete(s.items, key)
	return nil
}
