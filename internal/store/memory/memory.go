// Package memory provides an in-process job store and per-job locker.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"vrp-orchestrator/internal/apperrors"
	"vrp-orchestrator/internal/job"
)

// Store is a job.Store backed by maps. Values are cloned on the way in and
// out so callers never share memory with the store.
type Store struct {
	mu      sync.RWMutex
	jobs    map[string]*job.Job
	results map[string]*job.Result
}

// New creates an empty store.
func New() *Store {
	return &Store{
		jobs:    make(map[string]*job.Job),
		results: make(map[string]*job.Result),
	}
}

// Create inserts a new job.
func (s *Store) Create(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return apperrors.Conflict("job", j.ID, "job "+j.ID+" already exists")
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

// Get returns a copy of the job.
func (s *Store) Get(_ context.Context, id string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return j.Clone(), nil
}

// List returns matching jobs, most recently created first.
func (s *Store) List(_ context.Context, opts job.ListOptions) ([]*job.Job, error) {
	s.mu.RLock()
	out := make([]*job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if opts.Matches(j) {
			out = append(out, j.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *job.Job) int {
		c := b.CreatedAt.Compare(a.CreatedAt)
		if opts.OldestFirst {
			c = -c
		}
		if c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit := opts.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Update applies fn to a copy of the job and saves it if fn succeeds.
func (s *Store) Update(_ context.Context, id string, fn func(*job.Job) error) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.jobs[id] = next
	return next.Clone(), nil
}

// Complete applies fn and stores the result it returns together with the job.
func (s *Store) Complete(_ context.Context, id string, fn func(*job.Job) (*job.Result, error)) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	if _, exists := s.results[id]; exists {
		return nil, apperrors.Conflict("result", id, "result for job "+id+" already exists")
	}
	next := cur.Clone()
	res, err := fn(next)
	if err != nil {
		return nil, err
	}
	s.jobs[id] = next
	s.results[id] = res.Clone()
	return next.Clone(), nil
}

// Result returns the stored result for a job.
func (s *Store) Result(_ context.Context, id string) (*job.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[id]
	if !ok {
		return nil, apperrors.NotFound("result", id)
	}
	return r.Clone(), nil
}

// Counts returns the number of jobs per status.
func (s *Store) Counts(_ context.Context) (map[job.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[job.Status]int)
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

// Delete removes a job and its result. Drives in flight observe NotFound.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return apperrors.NotFound("job", id)
	}
	delete(s.jobs, id)
	delete(s.results, id)
	return nil
}

// Ready always succeeds.
func (s *Store) Ready(context.Context) error {
	return nil
}
