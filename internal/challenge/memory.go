package challenge

import (
	"context"
	"sync"
	"time"

	"uniattend/internal/errs"
	"uniattend/internal/model"
)

// MemoryStore is a process-local Store for development and tests.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]model.Challenge
	now   func() time.Time
}

// NewMemoryStore creates an empty store using the given clock (time.Now if nil).
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{items: make(map[string]model.Challenge), now: now}
}

func (s *MemoryStore) Save(_ context.Context, c model.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcLocked()
	s.items[key(c.Kind, c.UserID, c.Value)] = c
	return nil
}

func (s *MemoryStore) Take(_ context.Context, kind model.CeremonyKind, userID string, value []byte) (*model.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(kind, userID, value)
	c, ok := s.items[k]
	if !ok {
		return nil, errs.ErrChallengeMismatch
	}
	delete(s.items, k)
	if c.Expired(s.now()) {
		return nil, errs.ErrChallengeMismatch
	}
	return &c, nil
}

// Len reports how many challenges are pending.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *MemoryStore) gcLocked() {
	now := s.now()
	for k, c := range s.items {
		if c.Expired(now) {
			delete(s.items, k)
		}
	}
}
