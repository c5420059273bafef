package blobstore

import (
	"context"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// Store is an abstraction for accessing immutable run files.
//
// Run files are append-only and never mutated in place, so a Blob's contents
// are stable for the lifetime of the handle; a single ReadAt over a Blob can
// never observe a torn write.
type Store interface {
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (Blob, error)
	// List returns the names of blobs under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Put atomically writes a complete blob. Used for exporting virtual
	// composites next to (or instead of) local output.
	Put(ctx context.Context, name string, data []byte) error
}

// Blob is a read-only handle to one run file.
type Blob interface {
	// ReadAt reads len(p) bytes at offset off. Reads at or past the end of
	// the blob return io.EOF.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	// Size returns the size of the blob in bytes.
	Size() int64
	Close() error
}

// ReadFull reads exactly len(p) bytes at off, mapping short reads to errors.
func ReadFull(ctx context.Context, b Blob, p []byte, off int64) error {
	n, err := b.ReadAt(ctx, p, off)
	if n == len(p) {
		return nil
	}
	return err
}
