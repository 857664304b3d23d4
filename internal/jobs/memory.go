package jobs

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a [Store] backed by a map. Similar is a linear scan.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]Job)}
}

// Put implements [Store].
func (s *MemoryStore) Put(_ context.Context, j Job) error {
	j.Fingerprint = slices.Clone(j.Fingerprint)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return nil
}

// Get implements [Store].
func (s *MemoryStore) Get(_ context.Context, id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	j.Fingerprint = slices.Clone(j.Fingerprint)
	return j, nil
}

// Delete implements [Store].
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

// Similar implements [Store].
func (s *MemoryStore) Similar(_ context.Context, id string, k int) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	target, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if len(target.Fingerprint) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFingerprint, id)
	}

	matches := []Match{}
	for _, j := range s.jobs {
		if j.ID == id || len(j.Fingerprint) != len(target.Fingerprint) {
			continue
		}
		matches = append(matches, Match{Job: j, Distance: cosineDistance(target.Fingerprint, j.Fingerprint)})
	}
	slices.SortFunc(matches, func(a, b Match) int {
		return cmp.Or(cmp.Compare(a.Distance, b.Distance), cmp.Compare(a.Job.ID, b.Job.ID))
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	for i := range matches {
		matches[i].Job.Fingerprint = nil
	}
	return matches, nil
}

// Prune implements [Store].
func (s *MemoryStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if !j.FinishedAt.IsZero() && j.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

// Ping implements [Store]. It always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// cosineDistance matches pgvector's <=> operator: 1 - cos(a, b). A zero
// vector is at distance 1 from everything.
func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/math.Sqrt(na*nb)
}
