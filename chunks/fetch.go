package chunks

import (
	"context"
	"fmt"
	"sync"

	"github.com/pierrec/lz4/v4"
	"golang.org/x/sync/errgroup"

	"github.com/traindex/traindex/blobstore"
	"github.com/traindex/traindex/internal/resource"
	"github.com/traindex/traindex/model"
)

// Fetcher reads chunk bytes from a blob store, decompressing block-coded
// chunks, under the limits of a resource controller. It keeps opened blobs
// for reuse; Close releases them. Safe for concurrent use.
type Fetcher struct {
	store blobstore.Store
	res   *resource.Controller

	mu    sync.Mutex
	blobs map[string]blobstore.Blob
}

// NewFetcher wraps a blob store. res may be nil for unlimited access.
func NewFetcher(store blobstore.Store, res *resource.Controller) *Fetcher {
	return &Fetcher{store: store, res: res, blobs: make(map[string]blobstore.Blob)}
}

// Close releases all cached blobs.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var first error
	for name, b := range f.blobs {
		if err := b.Close(); err != nil && first == nil {
			first = err
		}
		delete(f.blobs, name)
	}
	return first
}

// Fetch reads one chunk and returns its raw (uncompressed) bytes.
func (f *Fetcher) Fetch(ctx context.Context, chunk model.ChunkDescriptor) ([]byte, error) {
	if err := f.res.AcquireRead(ctx); err != nil {
		return nil, err
	}
	defer f.res.ReleaseRead()
	if err := f.res.WaitIO(ctx, int(chunk.Locator.Length)); err != nil {
		return nil, err
	}

	blob, err := f.blob(ctx, chunk.Locator.File)
	if err != nil {
		return nil, err
	}
	stored := make([]byte, chunk.Locator.Length)
	if err := blobstore.ReadFull(ctx, blob, stored, chunk.Locator.Offset); err != nil {
		return nil, fmt.Errorf("%s: %w", chunk.Locator, err)
	}

	if chunk.Locator.Compression == model.CompressionNone {
		return stored, nil
	}
	rawSize := int64(chunk.Shape.Elems()) * int64(chunk.DType.Size())
	if int64(len(stored)) == rawSize {
		// Incompressible blocks are stored raw.
		return stored, nil
	}
	raw := make([]byte, rawSize)
	n, err := lz4.UncompressBlock(stored, raw)
	if err != nil {
		return nil, fmt.Errorf("%s: lz4: %w", chunk.Locator, err)
	}
	if int64(n) != rawSize {
		return nil, fmt.Errorf("%s: block decodes to %d bytes, want %d", chunk.Locator, n, rawSize)
	}
	return raw, nil
}

// FetchAll reads chunks concurrently, preserving order in the result.
// Cancelling ctx stops new fetches; fetches already running finish and
// their data is discarded with the error.
func (f *Fetcher) FetchAll(ctx context.Context, descs []model.ChunkDescriptor) ([][]byte, error) {
	out := make([][]byte, len(descs))
	g, ctx := errgroup.WithContext(ctx)
	for i, chunk := range descs {
		g.Go(func() error {
			data, err := f.Fetch(ctx, chunk)
			if err != nil {
				return err
			}
			out[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *Fetcher) blob(ctx context.Context, name string) (blobstore.Blob, error) {
	f.mu.Lock()
	if b, ok := f.blobs[name]; ok {
		f.mu.Unlock()
		return b, nil
	}
	f.mu.Unlock()

	b, err := f.store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.blobs[name]; ok {
		b.Close()
		return prev, nil
	}
	f.blobs[name] = b
	return b, nil
}
