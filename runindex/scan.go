package runindex

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/traindex/traindex/blobstore"
	"github.com/traindex/traindex/exdf"
	"github.com/traindex/traindex/indexcache"
	"github.com/traindex/traindex/internal/resource"
)

// FileSuffix is the extension run files are discovered by.
const FileSuffix = ".exdf"

// ScanOptions configures a run-directory scan.
type ScanOptions struct {
	// Store provides read access to the run files. Defaults to a local
	// store rooted at the scanned directory.
	Store blobstore.Store
	// Cache, if set, serves unchanged files without re-scanning them.
	Cache *indexcache.Cache
	// Strict makes any per-file problem fatal. The default is to log a
	// warning and exclude the offending file from the merge.
	Strict bool
	// OpenTimeout bounds each file's indexing; exceeding it surfaces as
	// [ErrFileUnavailable]. Zero means no timeout.
	OpenTimeout time.Duration
	// Resources bounds scan concurrency and throughput. nil means default
	// concurrency, unlimited throughput.
	Resources *resource.Controller
	// Logger receives per-file warnings in lenient mode. Defaults to a
	// discard logger.
	Logger *slog.Logger
}

// Scan indexes every run file under dir and merges the results into a
// RunIndex. Files are indexed in parallel; the cache (when configured)
// makes re-opening an unchanged run a pure metadata read.
func Scan(ctx context.Context, dir string, opts ScanOptions) (*RunIndex, error) {
	store := opts.Store
	if store == nil {
		store = blobstore.NewLocalStore(dir)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	names, err := store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, n := range names {
		if strings.HasSuffix(n, FileSuffix) {
			files = append(files, n)
		}
	}

	entries := make([]*exdf.FileIndex, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range files {
		g.Go(func() error {
			if err := opts.Resources.AcquireRead(gctx); err != nil {
				return err
			}
			defer opts.Resources.ReleaseRead()

			entry, err := indexOne(gctx, store, dir, name, opts)
			if err != nil {
				if opts.Strict {
					return err
				}
				logger.Warn("excluding file from run index",
					"file", name, "error", err)
				return nil
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return Merge(entries)
}

// indexOne produces the index of a single file, via the cache when
// configured. Open timeouts are mapped to [ErrFileUnavailable].
func indexOne(ctx context.Context, store blobstore.Store, dir, name string, opts ScanOptions) (*exdf.FileIndex, error) {
	if opts.OpenTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.OpenTimeout)
		defer cancel()
	}

	build := func(ctx context.Context, path string) (*exdf.FileIndex, error) {
		blob, err := store.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		defer blob.Close()
		return exdf.ReadIndex(ctx, blob, name)
	}

	var entry *exdf.FileIndex
	var err error
	if opts.Cache != nil {
		entry, err = opts.Cache.LoadOrBuild(ctx, filepath.Join(dir, name), build)
	} else {
		entry, err = build(ctx, name)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &UnavailableError{Path: name, Cause: err}
		}
		return nil, err
	}
	return entry, nil
}
