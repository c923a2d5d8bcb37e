package risk

import (
	"context"
	"sync"
)

type memoryEntry struct {
	mu sync.Mutex
	b  *Baseline
}

// MemoryBaselineStore keeps baselines in process memory. Losing it on restart
// degrades scoring only.
type MemoryBaselineStore struct {
	mu    sync.Mutex
	users map[string]*memoryEntry
}

func NewMemoryBaselineStore() *MemoryBaselineStore {
	return &MemoryBaselineStore{users: make(map[string]*memoryEntry)}
}

// entry returns the user's slot, creating it only when create is set. Reads
// and resets of unknown users leave the map untouched.
func (s *MemoryBaselineStore) entry(userID string, create bool) *memoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.users[userID]
	if !ok && create {
		e = &memoryEntry{}
		s.users[userID] = e
	}
	return e
}

func (s *MemoryBaselineStore) Get(ctx context.Context, userID string) (Baseline, bool, error) {
	e := s.entry(userID, false)
	if e == nil {
		return Baseline{}, false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.b == nil {
		return Baseline{}, false, nil
	}
	return e.b.clone(), true, nil
}

func (s *MemoryBaselineStore) Update(ctx context.Context, userID string, fn func(b *Baseline)) (Baseline, error) {
	if err := ctx.Err(); err != nil {
		return Baseline{}, err
	}
	e := s.entry(userID, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	b := NewBaseline(userID)
	if e.b != nil {
		b = e.b.clone()
	}
	fn(&b)
	e.b = &b
	return b.clone(), nil
}

func (s *MemoryBaselineStore) Reset(ctx context.Context, userID string) error {
	e := s.entry(userID, false)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.b = nil
	return nil
}
