package jobs

import (
	"context"
	"time"
)

// Store is the authoritative persistence layer for jobs. Every mutation is
// a single atomic operation keyed by job ID; ApplyTransition enforces the
// optimistic fromExpected guard and keeps Seq gapless.
type Store interface {
	// CreateJob persists a new job in StatePending with Seq 0 and records
	// the creation transition.
	CreateJob(ctx context.Context, job Job) error
	// GetJob returns the current snapshot of a job or ErrNotFound.
	GetJob(ctx context.Context, jobID string) (Job, error)
	// ListJobs pages jobs filtered by owner and optional state, newest first.
	ListJobs(ctx context.Context, q ListQuery) ([]Job, error)
	// ListTransitions returns the full transition history ordered by Seq.
	ListTransitions(ctx context.Context, jobID string) ([]Transition, error)
	// ApplyTransition advances the job iff its state equals fromExpected and
	// the edge is legal, incrementing Seq by exactly one. It returns the
	// updated job and the committed transition, or ErrConflict /
	// ErrIllegalTransition / ErrNotFound without mutating.
	ApplyTransition(ctx context.Context, jobID string, fromExpected, to State, outcome *Outcome) (Job, Transition, error)
	// SetCancelRequested flips the cancellation flag and returns the job as
	// of the flag being set. Setting it twice is a no-op.
	SetCancelRequested(ctx context.Context, jobID string) (Job, error)
	// CountByState aggregates job counts for the stats surface.
	CountByState(ctx context.Context) (map[State]int64, error)
}

// Publisher pushes committed transition events to an external transport
// (Pub/Sub, AMQP, or an in-memory fake). Delivery is at-least-once;
// consumers deduplicate by Seq.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
	Close() error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
