// Package idempotency maps caller-supplied submission keys to job IDs for
// a bounded window, so a retried submit returns the original handle
// instead of creating a duplicate job.
package idempotency

import "context"

// Store records and resolves idempotency keys. Entries expire after the
// window configured at construction.
type Store interface {
	// Lookup returns the job ID previously recorded for the key, if any.
	Lookup(ctx context.Context, ownerID, key string) (string, bool, error)
	// Remember associates key with jobID for the retention window.
	Remember(ctx context.Context, ownerID, key, jobID string) error
	// Close releases any client connections.
	Close() error
}
