// Package blob defines the Store interface for raw uploaded documents.
//
// A blob store holds the original bytes of an uploaded file, addressed by an
// opaque handle. The ingestion pipeline only ever consumes a blob as a
// sequential, seekable byte source — it never assumes the whole object fits
// in memory. Implementations include a local filesystem store ([fs.Store])
// and an S3/MinIO-compatible object store ([s3.Store]).
//
// Implementations must be safe for concurrent use.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by [Store.Open] and [Store.Delete] when no object
// exists under the given handle.
var ErrNotFound = errors.New("blob: object not found")

// Object is an open blob. It supports sequential reads and offset seeks so
// that a restarted ingestion job can resume from a checkpointed byte offset
// without re-reading the prefix.
type Object interface {
	io.ReadSeekCloser

	// Size returns the total object size in bytes.
	Size() int64
}

// Store is the abstraction over any blob storage backend.
type Store interface {
	// Open returns a reader over the object stored under handle.
	// The caller must Close the returned Object.
	Open(ctx context.Context, handle string) (Object, error)

	// Put stores the contents of r under handle, replacing any previous
	// object. It returns the number of bytes written. Implementations must
	// stream r rather than buffering it whole.
	Put(ctx context.Context, handle string, r io.Reader) (int64, error)

	// Delete removes the object stored under handle.
	Delete(ctx context.Context, handle string) error
}
