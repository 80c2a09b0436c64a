// Package scheduler orders queued jobs for dispatch to worker capacity.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nexlearn/crawlsync/internal/jobs"
)

// Entry is one queued job awaiting assignment.
type Entry struct {
	JobID     string
	Priority  jobs.Priority
	CreatedAt time.Time

	index int
}

// Scheduler is a strict priority queue with FIFO tie-break within a
// priority band. DequeueNext hands each entry to at most one caller even
// under concurrent worker pools; removal supports cancellation of jobs
// that never reached assignment. No aging is applied; operators keep
// capacity for low priority.
type Scheduler struct {
	mu      sync.Mutex
	heap    entryHeap
	byJobID map[string]*Entry
	notify  chan struct{}
}

// New constructs an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{
		byJobID: make(map[string]*Entry),
		notify:  make(chan struct{}, 1),
	}
}

// Enqueue adds a job to the wait set. Re-enqueueing a job already waiting
// is rejected so a job can never be assigned twice.
func (s *Scheduler) Enqueue(job jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byJobID[job.ID]; exists {
		return fmt.Errorf("job %s already queued: %w", job.ID, jobs.ErrConflict)
	}
	entry := &Entry{JobID: job.ID, Priority: job.Priority, CreatedAt: job.CreatedAt}
	heap.Push(&s.heap, entry)
	s.byJobID[job.ID] = entry
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// TryDequeue pops the highest-priority entry without blocking.
func (s *Scheduler) TryDequeue() (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap.Len() == 0 {
		return Entry{}, false
	}
	entry := heap.Pop(&s.heap).(*Entry)
	delete(s.byJobID, entry.JobID)
	return *entry, true
}

// DequeueNext blocks until an entry is available or the context ends.
func (s *Scheduler) DequeueNext(ctx context.Context) (Entry, error) {
	for {
		if entry, ok := s.TryDequeue(); ok {
			return entry, nil
		}
		select {
		case <-ctx.Done():
			return Entry{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-s.notify:
		}
	}
}

// Remove takes a job out of the wait set; returns false if it was already
// dequeued or never enqueued.
func (s *Scheduler) Remove(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.byJobID[jobID]
	if !ok {
		return false
	}
	heap.Remove(&s.heap, entry.index)
	delete(s.byJobID, jobID)
	return true
}

// Len reports the current wait-set depth.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len()
}

type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	entry := x.(*Entry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}
