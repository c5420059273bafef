// Package traindex indexes multi-file scientific runs and composes their
// datasets into virtual arrays, without ever loading a run into memory.
//
// A run is a directory of immutable container files, each covering a slice
// of the experiment's train sequence for some of its sources. Traindex
// builds on a few core pieces:
//
//   - File indexing: each file's structural metadata (trains, datasets,
//     byte-range locators) is extracted once and cached, so reopening an
//     unchanged run is a pure metadata read
//   - Run index: per-file indexes merged into one queryable catalog with
//     inconsistency detection across files
//   - Views: immutable selections of sources, keys and trains with set
//     algebra (select, deselect, union)
//   - Geometry and assembly: per-module placement models composing
//     detector frames into images, materialized or as virtual composites
//     of byte-range references
//   - Chunking: deterministic chunk descriptors and explicit reduction
//     graphs for external parallel execution
//
// # Quick Start
//
// Open a run and look around:
//
//	ctx := context.Background()
//	run, err := traindex.OpenRun(ctx, "/data/run-0042")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer run.Close()
//
//	fmt.Println(run.Index().Sources())
//	fmt.Println(run.Index().TrainIDs())
//
// Narrow a view and plan chunked access:
//
//	v := run.View().
//	    Select("detector/*", "image.data").
//	    SelectTrains(view.TrainRange{From: 1000, To: 1999})
//	descs, err := chunks.FromView(v, "detector/mod0", "image.data")
//
// Assemble detector images:
//
//	geom, err := geometry.LoadFile("agipd.yaml")
//	asm, err := assembly.New(geom, model.DTypeFloat32)
//	img, err := run.AssembleTrain(ctx, asm, modules, 1000, nil)
//
// Runs stored in object storage work the same way through the blobstore/s3
// and blobstore/minio subpackages and the WithStore option.
package traindex

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/traindex/traindex/assembly"
	"github.com/traindex/traindex/blobstore"
	"github.com/traindex/traindex/chunks"
	"github.com/traindex/traindex/codec"
	"github.com/traindex/traindex/exdf"
	"github.com/traindex/traindex/indexcache"
	"github.com/traindex/traindex/internal/resource"
	"github.com/traindex/traindex/model"
	"github.com/traindex/traindex/runindex"
	"github.com/traindex/traindex/view"
)

// CacheDirName is the default index cache location inside a local run.
const CacheDirName = ".index-cache"

// Run is an opened, indexed run directory. All methods are safe for
// concurrent use; the underlying files are immutable.
type Run struct {
	dir    string
	store  blobstore.Store
	cache  *indexcache.Cache
	res    *resource.Controller
	logger *Logger
	idx    *runindex.RunIndex

	filesOnce sync.Once
	files     map[string]*exdf.FileIndex

	mu      sync.Mutex
	blobs   map[string]blobstore.Blob
	readers map[string]*exdf.Reader
	closed  bool
}

// OpenRun scans and indexes the run at dir.
func OpenRun(ctx context.Context, dir string, optFns ...Option) (*Run, error) {
	o := options{
		codec:  codec.Default,
		logger: NoopLogger(),
	}
	for _, fn := range optFns {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}

	store := o.store
	local := store == nil
	if local {
		store = blobstore.NewLocalStore(dir)
	}

	var cache *indexcache.Cache
	if !o.noCache {
		cacheDir := o.cacheDir
		if cacheDir == "" && local {
			cacheDir = filepath.Join(dir, CacheDirName)
		}
		if cacheDir != "" {
			var err error
			cache, err = indexcache.New(cacheDir,
				indexcache.WithCodec(o.codec),
				indexcache.WithLogger(o.logger.Logger),
			)
			if err != nil {
				return nil, translateError(fmt.Errorf("open index cache: %w", err))
			}
		}
	}

	res := resource.NewController(o.resources)
	start := time.Now()
	idx, err := runindex.Scan(ctx, dir, runindex.ScanOptions{
		Store:       store,
		Cache:       cache,
		Strict:      o.strict,
		OpenTimeout: o.openTimeout,
		Resources:   res,
		Logger:      o.logger.Logger,
	})
	if err != nil {
		o.logger.LogScan(ctx, dir, 0, 0, time.Since(start), err)
		return nil, translateError(err)
	}
	o.logger.LogScan(ctx, dir, len(idx.Files()), len(idx.TrainIDs()), time.Since(start), nil)

	return &Run{
		dir:     dir,
		store:   store,
		cache:   cache,
		res:     res,
		logger:  o.logger,
		idx:     idx,
		blobs:   make(map[string]blobstore.Blob),
		readers: make(map[string]*exdf.Reader),
	}, nil
}

// Index returns the run's merged catalog.
func (r *Run) Index() *runindex.RunIndex { return r.idx }

// View returns a fresh all-selected view over the run.
func (r *Run) View() *view.View { return view.New(r.idx) }

// Fetcher returns a chunk fetcher sharing the run's store and resource
// limits. The caller owns it and must Close it.
func (r *Run) Fetcher() *chunks.Fetcher {
	return chunks.NewFetcher(r.store, r.res)
}

// CacheStats reports index cache activity since OpenRun. All zeros when the
// cache is disabled.
func (r *Run) CacheStats() (hits, misses, rebuilds int64) {
	if r.cache == nil {
		return 0, 0, 0
	}
	return r.cache.Stats()
}

// ReadTrain reads one train of one dataset, decoded to raw bytes: the
// train's entry count times the dataset's entry size. An empty slice means
// the file covers the train but recorded no entries for it.
func (r *Run) ReadTrain(ctx context.Context, source, key string, train model.TrainID) ([]byte, error) {
	loc, err := r.idx.Locate(source, key, train)
	if err != nil {
		return nil, translateError(err)
	}
	fi, ok := r.fileIndex(loc.File)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileUnavailable, loc.File)
	}
	ti, ok := fi.TrainIndex(train)
	if !ok {
		return nil, fmt.Errorf("%w: train %d", ErrNoSuchTrain, train)
	}
	rd, err := r.reader(ctx, loc.File)
	if err != nil {
		return nil, translateError(err)
	}
	data, err := rd.ReadTrain(ctx, model.SourceKey{Source: source, Key: key}, ti)
	return data, translateError(err)
}

// AssembleTrain reads one frame per module and composes them onto the
// assembler's canvas. A module whose dataset does not cover the train, or
// covers it with zero entries, is left as sentinel fill.
func (r *Run) AssembleTrain(ctx context.Context, asm *assembly.Assembler, modules []model.SourceKey, train model.TrainID, opts *assembly.Options) ([]byte, error) {
	frames := make([]assembly.ModuleFrame, len(modules))
	missing := 0
	for i, sk := range modules {
		data, err := r.ReadTrain(ctx, sk.Source, sk.Key, train)
		if errors.Is(err, ErrNoSuchTrain) {
			missing++
			continue
		}
		if err != nil {
			r.logger.LogAssemble(ctx, train, len(modules), missing, err)
			return nil, err
		}
		if len(data) == 0 {
			missing++
			continue
		}
		frames[i].Data = data
	}
	img, err := asm.AssembleFrame(frames, opts)
	r.logger.LogAssemble(ctx, train, len(modules), missing, err)
	return img, translateError(err)
}

// AssembleTrains assembles every listed train in parallel, bounded by the
// run's read-concurrency limit. Results are in train order. Out-buffer reuse
// does not apply here; each train gets its own canvas.
func (r *Run) AssembleTrains(ctx context.Context, asm *assembly.Assembler, modules []model.SourceKey, trains []model.TrainID, opts *assembly.Options) ([][]byte, error) {
	perTrain := assembly.Options{}
	if opts != nil {
		perTrain.Sentinel = opts.Sentinel
	}
	imgs := make([][]byte, len(trains))
	g, ctx := errgroup.WithContext(ctx)
	for i, t := range trains {
		g.Go(func() error {
			if err := r.res.AcquireRead(ctx); err != nil {
				return err
			}
			defer r.res.ReleaseRead()
			img, err := r.AssembleTrain(ctx, asm, modules, t, &perTrain)
			if err != nil {
				return err
			}
			imgs[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return imgs, nil
}

// VirtualTrain composes one train as a virtual frame: byte-range references
// into the run's files instead of pixels. Only uncompressed datasets can be
// referenced; block-coded ones must go through AssembleTrain.
func (r *Run) VirtualTrain(asm *assembly.Assembler, modules []model.SourceKey, train model.TrainID, opts *assembly.Options) (*assembly.VirtualFrame, error) {
	refs := make([]assembly.ModuleRef, len(modules))
	for i, sk := range modules {
		loc, err := r.idx.Locate(sk.Source, sk.Key, train)
		if errors.Is(err, ErrNoSuchTrain) {
			continue
		}
		if err != nil {
			return nil, translateError(err)
		}
		if loc.Compression != model.CompressionNone {
			return nil, fmt.Errorf("%s: block-coded dataset cannot be referenced virtually", sk)
		}
		if loc.Length == 0 {
			continue
		}
		refs[i] = assembly.ModuleRef{File: loc.File, Offset: loc.Offset, Length: loc.Length}
	}
	vf, err := asm.AssembleVirtual(refs, opts)
	return vf, translateError(err)
}

// ExportCXI writes a composite file referencing the run's data for the
// given trains, one virtual frame per train.
func (r *Run) ExportCXI(path string, asm *assembly.Assembler, modules []model.SourceKey, trains []model.TrainID, opts *assembly.Options) error {
	frames := make([]*assembly.VirtualFrame, len(trains))
	for i, t := range trains {
		vf, err := r.VirtualTrain(asm, modules, t, opts)
		if err != nil {
			return err
		}
		frames[i] = vf
	}
	return translateError(assembly.WriteCXI(path, trains, frames))
}

// MaterializeFrame paints a virtual frame into pixels, reading the
// referenced byte ranges from the run's store.
func (r *Run) MaterializeFrame(ctx context.Context, vf *assembly.VirtualFrame, opts *assembly.Options) ([]byte, error) {
	img, err := vf.Materialize(func(file string, off, length int64) ([]byte, error) {
		blob, err := r.blob(ctx, file)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, length)
		if err := blobstore.ReadFull(ctx, blob, buf, off); err != nil {
			return nil, err
		}
		return buf, nil
	}, opts)
	return img, translateError(err)
}

// Close releases all blobs the run has opened. The index itself stays
// usable for metadata queries.
func (r *Run) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var first error
	for name, b := range r.blobs {
		if err := b.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.blobs, name)
	}
	r.readers = make(map[string]*exdf.Reader)
	return first
}

func (r *Run) fileIndex(path string) (*exdf.FileIndex, bool) {
	r.filesOnce.Do(func() {
		files := r.idx.Files()
		r.files = make(map[string]*exdf.FileIndex, len(files))
		for _, f := range files {
			r.files[f.Path] = f
		}
	})
	f, ok := r.files[path]
	return f, ok
}

// blob returns a cached open blob for the given file.
func (r *Run) blob(ctx context.Context, name string) (blobstore.Blob, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.New("run is closed")
	}
	if b, ok := r.blobs[name]; ok {
		r.mu.Unlock()
		return b, nil
	}
	r.mu.Unlock()

	b, err := r.store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.blobs[name]; ok {
		b.Close()
		return prev, nil
	}
	r.blobs[name] = b
	return b, nil
}

// reader returns a cached structural reader for the given file. Readers
// share the run's blob cache, so closing the run closes them all.
func (r *Run) reader(ctx context.Context, path string) (*exdf.Reader, error) {
	r.mu.Lock()
	rd, ok := r.readers[path]
	r.mu.Unlock()
	if ok {
		return rd, nil
	}

	blob, err := r.blob(ctx, path)
	if err != nil {
		return nil, err
	}
	fi, _ := r.fileIndex(path)
	rd, err = exdf.OpenReader(ctx, blob, path, fi)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.readers[path]; ok {
		return prev, nil
	}
	r.readers[path] = rd
	return rd, nil
}
