// Package archive defines the Store interface and common types for the
// object stores that retain audit-event batches.
//
// Auth events live in Postgres for querying, but compliance retention is
// measured in years, not weeks. The archive shipper periodically writes
// batches of events to one of these stores, where they can sit cheaply for
// as long as the retention policy requires.
//
// New backends are added by implementing the Store interface and registering
// with the factory via an init() function in the backend's own package:
//
//	func init() {
//	    archive.Register("mybackend", func(cfg *config.ArchiveConfig) (archive.Store, error) {
//	        return New(cfg)
//	    })
//	}
//
// The main package imports each backend with a blank import to trigger
// init(), so adding a backend requires no changes to the factory.
package archive

import (
	"context"
	"io"
	"time"
)

// Store is an object store holding archived audit batches. Keys are
// slash-separated paths; the shipper lays batches out by date so retention
// sweeps can delete whole days at a time.
type Store interface {
	// Put stores an object and returns the key, size, and SHA-256 checksum
	// of what was written.
	Put(ctx context.Context, key string, reader io.Reader, size int64) (*PutResult, error)

	// Get retrieves an object.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether an object is present at the key.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns up to max keys under the prefix. max <= 0 means no limit.
	List(ctx context.Context, prefix string, max int) ([]string, error)

	// Metadata retrieves object metadata without downloading the object.
	Metadata(ctx context.Context, key string) (*ObjectMetadata, error)
}

// PutResult describes a stored object.
type PutResult struct {
	// Key is where the object was stored.
	Key string

	// Size is the object size in bytes.
	Size int64

	// Checksum is the SHA-256 hex digest of the object contents.
	Checksum string
}

// ObjectMetadata describes a stored object without its contents.
type ObjectMetadata struct {
	Key string

	Size int64

	// Checksum is the SHA-256 hex digest of the object contents, when the
	// backend recorded one at write time.
	Checksum string

	LastModified time.Time
}
