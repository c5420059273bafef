package traindex

import (
	"time"

	"github.com/traindex/traindex/blobstore"
	"github.com/traindex/traindex/codec"
	"github.com/traindex/traindex/internal/resource"
)

type options struct {
	store       blobstore.Store
	cacheDir    string
	noCache     bool
	strict      bool
	openTimeout time.Duration
	resources   resource.Config
	codec       codec.Codec
	logger      *Logger
}

// Option configures OpenRun behavior.
type Option func(*options)

// WithStore reads the run through a custom blob store (e.g. the s3 or minio
// subpackages) instead of the local file system. With a custom store the
// index cache stays disabled unless WithCacheDir points it at a local
// directory.
func WithStore(store blobstore.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithCacheDir places the index cache in the given directory. The default
// is an .index-cache directory inside the run.
func WithCacheDir(dir string) Option {
	return func(o *options) {
		o.cacheDir = dir
	}
}

// WithoutCache disables the index cache; every OpenRun re-reads all file
// structure.
func WithoutCache() Option {
	return func(o *options) {
		o.noCache = true
	}
}

// WithStrict makes any unreadable run file fatal. The default excludes the
// file from the index with a warning.
func WithStrict() Option {
	return func(o *options) {
		o.strict = true
	}
}

// WithOpenTimeout bounds the indexing of each individual file; a file
// exceeding it surfaces as ErrFileUnavailable. Zero means no timeout.
func WithOpenTimeout(d time.Duration) Option {
	return func(o *options) {
		o.openTimeout = d
	}
}

// WithParallelism caps how many files are indexed or fetched concurrently.
// If n <= 0 the default applies.
func WithParallelism(n int) Option {
	return func(o *options) {
		o.resources.MaxConcurrentReads = int64(n)
	}
}

// WithIOLimit caps background read throughput in bytes per second.
// If n <= 0 throughput is unlimited.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.resources.IOLimitBytesPerSec = bytesPerSec
	}
}

// WithCodec configures the codec used for index cache records.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
