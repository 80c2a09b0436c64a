package sync

import (
	"context"

	"github.com/nexlearn/crawlsync/internal/jobs"
)

// StoreFetcher serves snapshots straight from the job store, for consumers
// embedded in the same process as the server.
type StoreFetcher struct {
	store jobs.Store
}

// NewStoreFetcher wraps a store.
func NewStoreFetcher(store jobs.Store) *StoreFetcher {
	return &StoreFetcher{store: store}
}

// Snapshot returns the job's current committed state.
func (f *StoreFetcher) Snapshot(ctx context.Context, jobID string) (jobs.Job, error) {
	return f.store.GetJob(ctx, jobID)
}
