// Package storage declares the blob store used for exported job artifacts.
package storage

import "context"

// BlobStore persists opaque artifacts and returns a stable URI for each.
type BlobStore interface {
	// PutObject writes data under path with the given content type and
	// returns the URI of the stored object.
	PutObject(ctx context.Context, path, contentType string, data []byte) (string, error)
}
