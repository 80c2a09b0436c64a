// Package memory provides the in-memory job store used for development,
// tests, and single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nexlearn/crawlsync/internal/jobs"
)

// Store implements jobs.Store with a mutex-guarded map. Every mutation is
// atomic under the lock, so a crash can never expose a half-applied
// transition.
type Store struct {
	mu      sync.RWMutex
	jobs    map[string]jobs.Job
	history map[string][]jobs.Transition
	clock   jobs.Clock
}

// NewStore constructs a Store.
func NewStore(clock jobs.Clock) *Store {
	return &Store{
		jobs:    make(map[string]jobs.Job),
		history: make(map[string][]jobs.Transition),
		clock:   clock,
	}
}

// CreateJob stores a new job in pending state and records the creation
// transition at seq 0.
func (s *Store) CreateJob(_ context.Context, job jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: %w", job.ID, jobs.ErrConflict)
	}
	job.State = jobs.StatePending
	job.Seq = 0
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.clock.Now()
	}
	job.UpdatedAt = job.CreatedAt
	s.jobs[job.ID] = job
	s.history[job.ID] = []jobs.Transition{{
		JobID: job.ID,
		Seq:   0,
		To:    jobs.StatePending,
		At:    job.CreatedAt,
	}}
	return nil
}

// GetJob fetches the current snapshot of a job.
func (s *Store) GetJob(_ context.Context, jobID string) (jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return jobs.Job{}, fmt.Errorf("job %s: %w", jobID, jobs.ErrNotFound)
	}
	return job, nil
}

// ListJobs pages jobs filtered by owner and optional state, newest first.
func (s *Store) ListJobs(_ context.Context, q jobs.ListQuery) ([]jobs.Job, error) {
	s.mu.RLock()
	matched := make([]jobs.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if q.OwnerID != "" && job.OwnerID != q.OwnerID {
			continue
		}
		if q.State != nil && job.State != *q.State {
			continue
		}
		matched = append(matched, job)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return []jobs.Job{}, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

// ListTransitions returns a copy of the job's transition history.
func (s *Store) ListTransitions(_ context.Context, jobID string) ([]jobs.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history, ok := s.history[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, jobs.ErrNotFound)
	}
	out := make([]jobs.Transition, len(history))
	copy(out, history)
	return out, nil
}

// ApplyTransition advances the job under the optimistic fromExpected guard.
func (s *Store) ApplyTransition(
	_ context.Context,
	jobID string,
	fromExpected, to jobs.State,
	outcome *jobs.Outcome,
) (jobs.Job, jobs.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return jobs.Job{}, jobs.Transition{}, fmt.Errorf("job %s: %w", jobID, jobs.ErrNotFound)
	}
	if job.State != fromExpected {
		return jobs.Job{}, jobs.Transition{}, fmt.Errorf(
			"job %s is %s, expected %s: %w", jobID, job.State, fromExpected, jobs.ErrConflict)
	}
	if !jobs.CanTransition(fromExpected, to) {
		return jobs.Job{}, jobs.Transition{}, fmt.Errorf(
			"job %s %s -> %s: %w", jobID, fromExpected, to, jobs.ErrIllegalTransition)
	}
	now := s.clock.Now()
	job.State = to
	job.Seq++
	job.UpdatedAt = now
	if outcome != nil && jobs.IsTerminal(to) {
		job.Outcome = *outcome
	}
	tr := jobs.Transition{
		JobID: jobID,
		Seq:   job.Seq,
		From:  fromExpected,
		To:    to,
		At:    now,
	}
	s.jobs[jobID] = job
	s.history[jobID] = append(s.history[jobID], tr)
	return job, tr, nil
}

// SetCancelRequested flips the cancellation flag.
func (s *Store) SetCancelRequested(_ context.Context, jobID string) (jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return jobs.Job{}, fmt.Errorf("job %s: %w", jobID, jobs.ErrNotFound)
	}
	if !job.CancelRequested {
		job.CancelRequested = true
		job.UpdatedAt = s.clock.Now()
		s.jobs[jobID] = job
	}
	return job, nil
}

// CountByState aggregates job counts across all owners.
func (s *Store) CountByState(_ context.Context) (map[jobs.State]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[jobs.State]int64)
	for _, job := range s.jobs {
		counts[job.State]++
	}
	return counts, nil
}
