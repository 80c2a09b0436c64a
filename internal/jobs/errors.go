package jobs

import "errors"

// Sentinel errors returned across package boundaries. Callers classify
// with errors.Is; none of these are delivered as panics.
var (
	// ErrInvalidInput marks a caller error that must not be retried.
	ErrInvalidInput = errors.New("invalid input")
	// ErrQuotaExceeded rejects a submission that would exceed the owner's limit.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrConflict signals a stale fromExpected on an optimistic transition.
	ErrConflict = errors.New("state conflict")
	// ErrIllegalTransition marks an edge outside the lifecycle graph.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrNotFound signals the requested job or account does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTransport marks a network-layer failure retried with backoff.
	ErrTransport = errors.New("transport error")
	// ErrSyncDegraded is surfaced by the sync client after retries are exhausted.
	ErrSyncDegraded = errors.New("sync degraded")
)
