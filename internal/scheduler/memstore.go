package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-process Store implementation used by tests and by
// single-node deployments that don't need cross-process durability. The
// Postgres-backed Store in internal/adapters implements the same
// interface for real durability (spec §6 "Meta adapter owns ... tasks").
type MemStore struct {
	mu      sync.Mutex
	records map[string]*Record
	seq     int
}

// NewMemStore creates an empty in-memory task store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]*Record)}
}

func (s *MemStore) Insert(ctx context.Context, rec *Record) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Key != nil {
		for _, existing := range s.records {
			if existing.Kind == rec.Kind && existing.Key != nil && *existing.Key == *rec.Key &&
				existing.Status != StatusFinished && existing.Status != StatusFailedTerminal {
				cp := *existing
				return &cp, nil
			}
		}
	}

	cp := *rec
	s.records[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *MemStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemStore) ClaimNext(ctx context.Context, workerID string, leaseTTL time.Duration, now time.Time) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Record
	for _, r := range s.records {
		if r.Status != StatusPending {
			continue
		}
		if !r.Ready(now) {
			continue
		}
		if !s.depsSatisfiedLocked(r.Deps) {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].NextAt.Equal(candidates[j].NextAt) {
			return candidates[i].NextAt.Before(candidates[j].NextAt)
		}
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})

	chosen := candidates[0]
	chosen.Status = StatusRunning
	lease := now.Add(leaseTTL)
	chosen.LeaseExpires = &lease
	chosen.LeaseOwner = workerID
	cp := *chosen
	return &cp, nil
}

func (s *MemStore) depsSatisfiedLocked(deps []string) bool {
	for _, d := range deps {
		r, ok := s.records[d]
		if !ok || r.Status != StatusFinished {
			return false
		}
	}
	return true
}

func (s *MemStore) DepsSatisfied(ctx context.Context, deps []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depsSatisfiedLocked(deps), nil
}

func (s *MemStore) MarkFinished(ctx context.Context, id string, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = StatusFinished
	r.Output = &output
	r.LeaseExpires = nil
	return nil
}

func (s *MemStore) MarkRetry(ctx context.Context, id string, retryAt time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = StatusPending
	r.NextAt = retryAt
	r.RetryCount++
	r.Error = &errMsg
	r.LeaseExpires = nil
	return nil
}

func (s *MemStore) MarkFailedTerminal(ctx context.Context, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = StatusFailedTerminal
	r.Error = &errMsg
	r.LeaseExpires = nil
	return nil
}

func (s *MemStore) Reschedule(ctx context.Context, id string, nextAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = StatusPending
	r.NextAt = nextAt
	r.LeaseExpires = nil
	return nil
}

func (s *MemStore) ExpireLeases(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.Status == StatusRunning && r.LeaseExpired(now) {
			r.Status = StatusPending
			r.LeaseExpires = nil
			n++
		}
	}
	return n, nil
}
