// Package sync implements the client-side synchronization of job state.
// It merges the push event stream with pull snapshots into one
// monotonically-advancing view per watched job: events are applied in
// sequence order, duplicates are discarded, and a detected sequence gap
// or transport disconnect triggers a snapshot refetch before any further
// events are applied. The client holds a read-only projection and never
// fabricates a transition the server has not committed.
package sync
