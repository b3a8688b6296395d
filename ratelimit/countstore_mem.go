package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	count   int
	expires time.Time
}

// MemCountStore is an in-memory CountStore for tests and single-process use.
// Expiry is checked lazily on read and write. The clock is injectable so
// window rollover can be tested without sleeping.
type MemCountStore struct {
	lk     sync.Mutex
	counts map[string]memEntry

	Now func() time.Time
}

func NewMemCountStore() *MemCountStore {
	return &MemCountStore{
		counts: make(map[string]memEntry),
		Now:    time.Now,
	}
}

func (s *MemCountStore) GetCount(ctx context.Context, key string) (int, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	e, ok := s.counts[key]
	if !ok || s.Now().After(e.expires) {
		return 0, nil
	}
	return e.count, nil
}

func (s *MemCountStore) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	now := s.Now()
	e, ok := s.counts[key]
	if !ok || now.After(e.expires) {
		s.counts[key] = memEntry{count: 1, expires: now.Add(ttl)}
		return nil
	}
	e.count++
	s.counts[key] = e
	return nil
}
