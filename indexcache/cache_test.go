package indexcache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traindex/traindex/blobstore"
	"github.com/traindex/traindex/codec"
	"github.com/traindex/traindex/exdf"
	"github.com/traindex/traindex/internal/fs"
	"github.com/traindex/traindex/model"
)

func writeRunFile(t *testing.T, dir, name string, trains []model.TrainID) string {
	t.Helper()
	data := make([]byte, len(trains)*2)
	path := filepath.Join(dir, name)
	require.NoError(t, exdf.WriteFile(path, trains, []exdf.DatasetSpec{{
		Source: "modA", Key: "image.data",
		DType: model.DTypeUint16, Shape: model.Shape{},
		Counts: ones(len(trains)), Data: data,
	}}))
	return path
}

func ones(n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

// countingBuild wraps the real reader and counts invocations.
func countingBuild(t *testing.T, dir string, calls *atomic.Int64) BuildFunc {
	t.Helper()
	store := blobstore.NewLocalStore(dir)
	return func(ctx context.Context, path string) (*exdf.FileIndex, error) {
		calls.Add(1)
		blob, err := store.Open(ctx, filepath.Base(path))
		if err != nil {
			return nil, err
		}
		defer blob.Close()
		return exdf.ReadIndex(ctx, blob, filepath.Base(path))
	}
}

func TestLoadOrBuild_HitSkipsRescan(t *testing.T) {
	dir := t.TempDir()
	path := writeRunFile(t, dir, "r0001.exdf", []model.TrainID{10, 11, 12})

	cache, err := New(filepath.Join(dir, ".cache"))
	require.NoError(t, err)

	var calls atomic.Int64
	build := countingBuild(t, dir, &calls)
	ctx := context.Background()

	cold, err := cache.LoadOrBuild(ctx, path, build)
	require.NoError(t, err)
	require.EqualValues(t, 1, calls.Load())
	assert.Equal(t, []model.TrainID{10, 11, 12}, cold.TrainIDs)

	warm, err := cache.LoadOrBuild(ctx, path, build)
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load(), "unchanged file must not be re-scanned")
	assert.Equal(t, cold.TrainIDs, warm.TrainIDs)
	assert.Equal(t, cold.Signature, warm.Signature)
	require.Len(t, warm.Datasets, 1)
	assert.Equal(t, cold.Datasets[0].Counts, warm.Datasets[0].Counts)

	hits, misses, rebuilds := cache.Stats()
	assert.EqualValues(t, 1, hits)
	assert.EqualValues(t, 1, misses)
	assert.EqualValues(t, 1, rebuilds)
}

func TestLoadOrBuild_SignatureChangeForcesOneRebuild(t *testing.T) {
	dir := t.TempDir()
	path := writeRunFile(t, dir, "r0001.exdf", []model.TrainID{10, 11})

	cache, err := New(filepath.Join(dir, ".cache"))
	require.NoError(t, err)

	var calls atomic.Int64
	build := countingBuild(t, dir, &calls)
	ctx := context.Background()

	cold, err := cache.LoadOrBuild(ctx, path, build)
	require.NoError(t, err)
	require.EqualValues(t, 1, calls.Load())

	// New mtime invalidates the recorded signature.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	rebuilt, err := cache.LoadOrBuild(ctx, path, build)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, cold.TrainIDs, rebuilt.TrainIDs)

	// Signature is now current again.
	_, err = cache.LoadOrBuild(ctx, path, build)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestLoadOrBuild_CodecNameIsValidated(t *testing.T) {
	dir := t.TempDir()
	path := writeRunFile(t, dir, "r0001.exdf", []model.TrainID{10, 11, 12})

	cache, err := New(filepath.Join(dir, ".cache"))
	require.NoError(t, err)

	var calls atomic.Int64
	build := countingBuild(t, dir, &calls)
	ctx := context.Background()
	_, err = cache.LoadOrBuild(ctx, path, build)
	require.NoError(t, err)
	require.EqualValues(t, 1, calls.Load())

	// Rewrite the persisted record under another codec name.
	rewrite := func(name string, c codec.Codec) {
		t.Helper()
		raw, err := fs.ReadFile(cache.fsys, cache.recordPath(path))
		require.NoError(t, err)
		data, err := cache.dec.DecodeAll(raw, nil)
		require.NoError(t, err)
		var rec record
		require.NoError(t, cache.codec.Unmarshal(data, &rec))
		rec.Codec = name
		out := codec.MustMarshal(c, &rec)
		require.NoError(t, fs.WriteFileAtomic(cache.fsys, cache.recordPath(path), cache.enc.EncodeAll(out, nil), 0o644))
	}

	// A record from the plain json codec resolves by name and still hits.
	rewrite("json", codec.JSON{})
	_, err = cache.LoadOrBuild(ctx, path, build)
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())

	// An unknown codec name is a miss and forces a rebuild.
	rewrite("msgpack", codec.JSON{})
	_, err = cache.LoadOrBuild(ctx, path, build)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestLoadOrBuild_CorruptRecordDegradesToRebuild(t *testing.T) {
	dir := t.TempDir()
	path := writeRunFile(t, dir, "r0001.exdf", []model.TrainID{1})

	cacheDir := filepath.Join(dir, ".cache")
	cache, err := New(cacheDir)
	require.NoError(t, err)

	var calls atomic.Int64
	build := countingBuild(t, dir, &calls)
	ctx := context.Background()

	_, err = cache.LoadOrBuild(ctx, path, build)
	require.NoError(t, err)

	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, entries[0].Name()), []byte("garbage"), 0o644))

	idx, err := cache.LoadOrBuild(ctx, path, build)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, []model.TrainID{1}, idx.TrainIDs)
}

func TestLoadOrBuild_PartialWriteNeverObservable(t *testing.T) {
	dir := t.TempDir()
	path := writeRunFile(t, dir, "r0001.exdf", []model.TrainID{1, 2, 3})

	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule(".idx.zst", fs.Fault{FailAfterBytes: 10})

	cache, err := New(filepath.Join(dir, ".cache"), WithFileSystem(ffs))
	require.NoError(t, err)

	var calls atomic.Int64
	build := countingBuild(t, dir, &calls)
	ctx := context.Background()

	// The failed persist is swallowed; the index is still served.
	idx, err := cache.LoadOrBuild(ctx, path, build)
	require.NoError(t, err)
	assert.Equal(t, []model.TrainID{1, 2, 3}, idx.TrainIDs)

	// No record landed, so the next open rebuilds from scratch rather than
	// reading a torn file.
	_, err = cache.LoadOrBuild(ctx, path, build)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestLoadOrBuild_ConcurrentCallersShareOneBuild(t *testing.T) {
	dir := t.TempDir()
	path := writeRunFile(t, dir, "r0001.exdf", []model.TrainID{7, 8, 9})

	cache, err := New(filepath.Join(dir, ".cache"))
	require.NoError(t, err)

	var calls atomic.Int64
	store := blobstore.NewLocalStore(dir)
	build := func(ctx context.Context, p string) (*exdf.FileIndex, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond) // widen the race window
		blob, err := store.Open(ctx, filepath.Base(p))
		if err != nil {
			return nil, err
		}
		defer blob.Close()
		return exdf.ReadIndex(ctx, blob, filepath.Base(p))
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx, err := cache.LoadOrBuild(context.Background(), path, build)
			assert.NoError(t, err)
			assert.Equal(t, []model.TrainID{7, 8, 9}, idx.TrainIDs)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, calls.Load())
}

func TestLoadOrBuild_MissingFile(t *testing.T) {
	dir := t.TempDir()
	cache, err := New(filepath.Join(dir, ".cache"))
	require.NoError(t, err)

	var calls atomic.Int64
	_, err = cache.LoadOrBuild(context.Background(), filepath.Join(dir, "gone.exdf"),
		countingBuild(t, dir, &calls))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.EqualValues(t, 0, calls.Load())
}
