// Package indexcache persists per-file structural indices so that opening a
// multi-thousand-file run is fast and idempotent.
//
// One record is kept per indexed file, keyed by file path and validated
// against a modification signature (size + mtime). Records are JSON,
// zstd-compressed, and written with temp-file + fsync + atomic rename: a
// reader can never observe a partially written record. Any unreadable or
// stale record degrades to a rebuild, never to a failure.
package indexcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/singleflight"

	"github.com/traindex/traindex/codec"
	"github.com/traindex/traindex/exdf"
	"github.com/traindex/traindex/internal/fs"
)

// SchemaVersion is bumped when the record layout changes incompatibly.
// Records from another schema version are treated as misses.
const SchemaVersion = 1

// BuildFunc scans one file and produces its index. It is invoked on cache
// miss or signature mismatch.
type BuildFunc func(ctx context.Context, path string) (*exdf.FileIndex, error)

// record is the persisted cache entry. Unknown fields in stored records are
// ignored on load, keeping old caches forward-readable.
type record struct {
	SchemaVersion int             `json:"schema_version"`
	Codec         string          `json:"codec"`
	Path          string          `json:"path"`
	Signature     exdf.Signature  `json:"signature"`
	Index         *exdf.FileIndex `json:"index"`
}

// Cache is an explicit per-run-directory handle; there is no process-wide
// singleton. It is safe for concurrent use: at most one rebuild per file
// proceeds at a time, and other callers share its result.
type Cache struct {
	dir    string
	fsys   fs.FileSystem
	codec  codec.Codec
	logger *slog.Logger

	group singleflight.Group
	enc   *zstd.Encoder
	dec   *zstd.Decoder

	hits     atomic.Int64
	misses   atomic.Int64
	rebuilds atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithFileSystem injects a FileSystem (used by tests for fault injection).
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(c *Cache) { c.fsys = fsys }
}

// WithLogger sets the logger. Defaults to a discard logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithCodec sets the record codec. Defaults to codec.Default.
func WithCodec(cd codec.Codec) Option {
	return func(c *Cache) { c.codec = cd }
}

// New creates a cache rooted at dir, creating the directory if needed.
func New(dir string, opts ...Option) (*Cache, error) {
	c := &Cache{
		dir:    dir,
		fsys:   fs.Default,
		codec:  codec.Default,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	c.enc = enc
	c.dec = dec
	return c, nil
}

// Stats reports cache effectiveness counters.
func (c *Cache) Stats() (hits, misses, rebuilds int64) {
	return c.hits.Load(), c.misses.Load(), c.rebuilds.Load()
}

// LoadOrBuild returns the index for path, from cache when the file's current
// signature matches the recorded one, rebuilding (and re-persisting)
// otherwise. Concurrent callers for the same path are deduplicated.
func (c *Cache) LoadOrBuild(ctx context.Context, path string, build BuildFunc) (*exdf.FileIndex, error) {
	fi, err := c.fsys.Stat(path)
	if err != nil {
		return nil, err
	}
	sig := exdf.Signature{Size: fi.Size(), ModTimeNS: fi.ModTime().UnixNano()}

	v, err, _ := c.group.Do(path, func() (any, error) {
		if idx := c.load(path, sig); idx != nil {
			c.hits.Add(1)
			return idx, nil
		}
		c.misses.Add(1)

		idx, err := build(ctx, path)
		if err != nil {
			return nil, err
		}
		idx.Signature = sig
		c.rebuilds.Add(1)
		if err := c.persist(path, sig, idx); err != nil {
			// A failed persist costs a rescan next open, nothing more.
			c.logger.Warn("persisting index cache record failed",
				"path", path, "error", err)
		}
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*exdf.FileIndex), nil
}

// Invalidate removes the cached record for path, if any.
func (c *Cache) Invalidate(path string) error {
	err := c.fsys.Remove(c.recordPath(path))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// load returns the cached index for path if present and valid, nil
// otherwise. Corruption of any kind is a miss, never an error.
func (c *Cache) load(path string, sig exdf.Signature) *exdf.FileIndex {
	raw, err := fs.ReadFile(c.fsys, c.recordPath(path))
	if err != nil {
		return nil
	}
	data, err := c.dec.DecodeAll(raw, nil)
	if err != nil {
		c.logger.Warn("index cache record is corrupt, rebuilding", "path", path, "error", err)
		return nil
	}
	var rec record
	if err := c.codec.Unmarshal(data, &rec); err != nil {
		c.logger.Warn("index cache record is corrupt, rebuilding", "path", path, "error", err)
		return nil
	}
	// A record written under a different codec is only trustworthy through
	// that codec; resolve it by the recorded name and re-decode. An unknown
	// name is a miss.
	if rec.Codec != c.codec.Name() {
		by, ok := codec.ByName(rec.Codec)
		if !ok {
			c.logger.Warn("index cache record uses unknown codec, rebuilding",
				"path", path, "codec", rec.Codec)
			return nil
		}
		rec = record{}
		if err := by.Unmarshal(data, &rec); err != nil {
			c.logger.Warn("index cache record is corrupt, rebuilding", "path", path, "error", err)
			return nil
		}
	}
	if rec.SchemaVersion != SchemaVersion || rec.Index == nil || rec.Path != path {
		return nil
	}
	if rec.Signature != sig {
		return nil
	}
	return rec.Index
}

func (c *Cache) persist(path string, sig exdf.Signature, idx *exdf.FileIndex) error {
	rec := record{
		SchemaVersion: SchemaVersion,
		Codec:         c.codec.Name(),
		Path:          path,
		Signature:     sig,
		Index:         idx,
	}
	data, err := c.codec.Marshal(&rec)
	if err != nil {
		return err
	}
	return fs.WriteFileAtomic(c.fsys, c.recordPath(path), c.enc.EncodeAll(data, nil), 0o644)
}

// recordPath maps a file path to its cache record location. Hashing keeps
// record names flat and filesystem-safe regardless of the indexed path.
func (c *Cache) recordPath(path string) string {
	sum := sha256.Sum256([]byte(path))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:8])+".idx.zst")
}
