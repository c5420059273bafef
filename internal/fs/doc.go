// Package fs provides filesystem abstractions for testability and fault injection.
//
// The package defines two key interfaces:
//
//   - [File]: Represents an open file with read/write/sync capabilities
//   - [FileSystem]: Abstracts filesystem operations (open, remove, rename, etc.)
//
// # Implementations
//
//   - [LocalFS]: Production implementation using the standard os package
//   - [FaultyFS]: Test utility for fault injection (simulate I/O errors)
//
// Production code should use fs.Default (which is [LocalFS]). Tests can
// inject [FaultyFS] to simulate partial writes against the index cache and
// verify that a torn cache record is never observable.
//
// The package intentionally does NOT take context.Context: local filesystem
// operations are fast and non-interruptible at the syscall level. Slow
// backends (object storage) live behind blobstore, which has context support.
package fs
