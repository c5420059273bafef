package chunks_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traindex/traindex/blobstore"
	"github.com/traindex/traindex/chunks"
	"github.com/traindex/traindex/codec"
	"github.com/traindex/traindex/internal/resource"
	"github.com/traindex/traindex/model"
	"github.com/traindex/traindex/runindex"
	"github.com/traindex/traindex/testutil"
	"github.com/traindex/traindex/view"
)

var frame = model.Shape{4, 4}

// chunkRun builds a run where det/data spans two files with an overlapping
// train boundary: file A holds trains [10,11,12], file B holds [13,14].
func chunkRun(t *testing.T) (string, *view.View) {
	t.Helper()
	dir := t.TempDir()
	testutil.WriteRunFile(t, dir, "r0001-a.exdf", []model.TrainID{10, 11, 12},
		testutil.Dataset{Source: "det", Key: "data", DType: model.DTypeUint16, Shape: frame})
	testutil.WriteRunFile(t, dir, "r0001-b.exdf", []model.TrainID{13, 14},
		testutil.Dataset{Source: "det", Key: "data", DType: model.DTypeUint16, Shape: frame})

	idx, err := runindex.Scan(context.Background(), dir, runindex.ScanOptions{})
	require.NoError(t, err)
	return dir, view.New(idx)
}

func TestFromViewSpansFiles(t *testing.T) {
	_, v := chunkRun(t)

	descs, err := chunks.FromView(v, "det", "data")
	require.NoError(t, err)
	require.Len(t, descs, 2, "one span per file")

	a, b := descs[0], descs[1]
	assert.Equal(t, model.TrainID(10), a.FirstTrain)
	assert.Equal(t, 3, a.Trains)
	assert.Equal(t, model.Shape{3, 4, 4}, a.Shape)
	assert.Equal(t, "r0001-a.exdf", a.Locator.File)
	assert.EqualValues(t, 3*32, a.Locator.Length)
	assert.EqualValues(t, 0, a.EntryOffset)

	assert.Equal(t, model.TrainID(13), b.FirstTrain)
	assert.Equal(t, 2, b.Trains)
	assert.EqualValues(t, 3, b.EntryOffset)
}

func TestFromViewSplitsOnSelectionGap(t *testing.T) {
	_, v := chunkRun(t)
	v = v.SelectTrainsFunc(func(id model.TrainID) bool { return id != 11 })

	descs, err := chunks.FromView(v, "det", "data")
	require.NoError(t, err)
	require.Len(t, descs, 3, "the gap at train 11 splits file A")

	assert.Equal(t, model.TrainID(10), descs[0].FirstTrain)
	assert.Equal(t, 1, descs[0].Trains)
	assert.Equal(t, model.TrainID(12), descs[1].FirstTrain)
	assert.Equal(t, 1, descs[1].Trains)
	assert.Equal(t, model.TrainID(13), descs[2].FirstTrain)
	assert.Equal(t, 2, descs[2].Trains)

	// Entry axis stays gap-free.
	assert.EqualValues(t, 0, descs[0].EntryOffset)
	assert.EqualValues(t, 1, descs[1].EntryOffset)
	assert.EqualValues(t, 2, descs[2].EntryOffset)
}

func TestFromViewSplitsAtInterleavedFiles(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteRunFile(t, dir, "a-early.exdf", []model.TrainID{10, 12},
		testutil.Dataset{Source: "det", Key: "data", DType: model.DTypeUint16, Shape: frame})
	testutil.WriteRunFile(t, dir, "z-late.exdf", []model.TrainID{11},
		testutil.Dataset{Source: "det", Key: "data", DType: model.DTypeUint16, Shape: frame})

	idx, err := runindex.Scan(context.Background(), dir, runindex.ScanOptions{})
	require.NoError(t, err)

	// Train 11 lives in the other file, so the [10,12] file contributes two
	// spans and the concatenated entry axis stays in train order.
	descs, err := chunks.FromView(view.New(idx), "det", "data")
	require.NoError(t, err)
	require.Len(t, descs, 3)

	assert.Equal(t, model.TrainID(10), descs[0].FirstTrain)
	assert.Equal(t, "a-early.exdf", descs[0].Locator.File)
	assert.Equal(t, model.TrainID(11), descs[1].FirstTrain)
	assert.Equal(t, "z-late.exdf", descs[1].Locator.File)
	assert.Equal(t, model.TrainID(12), descs[2].FirstTrain)
	assert.Equal(t, "a-early.exdf", descs[2].Locator.File)
	for i, d := range descs {
		assert.Equal(t, 1, d.Trains)
		assert.EqualValues(t, i, d.EntryOffset)
	}
}

func TestFromViewCompressedIsPerTrain(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteRunFile(t, dir, "c.exdf", []model.TrainID{1, 2, 3},
		testutil.Dataset{Source: "det", Key: "data", DType: model.DTypeUint16,
			Shape: frame, Compression: model.CompressionLZ4})

	idx, err := runindex.Scan(context.Background(), dir, runindex.ScanOptions{})
	require.NoError(t, err)

	descs, err := chunks.FromView(view.New(idx), "det", "data")
	require.NoError(t, err)
	require.Len(t, descs, 3, "block-coded datasets chunk per train")
	for i, d := range descs {
		assert.Equal(t, 1, d.Trains)
		assert.Equal(t, model.CompressionLZ4, d.Locator.Compression)
		assert.EqualValues(t, i, d.EntryOffset)
	}
}

func TestFromViewIsDeterministic(t *testing.T) {
	_, v := chunkRun(t)
	v = v.SelectTrains(view.TrainRange{From: 11, To: 13})

	first, err := chunks.FromView(v, "det", "data")
	require.NoError(t, err)
	second, err := chunks.FromView(v, "det", "data")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFromViewUnknownDataset(t *testing.T) {
	_, v := chunkRun(t)

	_, err := chunks.FromView(v, "nope", "data")
	assert.ErrorIs(t, err, runindex.ErrNoSuchSource)
	_, err = chunks.FromView(v, "det", "nope")
	assert.ErrorIs(t, err, runindex.ErrNoSuchKey)
}

func TestBuildReductionShape(t *testing.T) {
	_, v := chunkRun(t)
	descs, err := chunks.FromView(v, "det", "data")
	require.NoError(t, err)

	g, err := chunks.BuildReduction(descs, chunks.OpMean, 2)
	require.NoError(t, err)
	require.NoError(t, g.Validate())
	assert.Equal(t, chunks.OpMean, g.Op)
	assert.Len(t, g.Chunks(), len(descs))

	// Same inputs, same plan.
	again, err := chunks.BuildReduction(descs, chunks.OpMean, 2)
	require.NoError(t, err)
	assert.Equal(t, g, again)
}

func TestBuildReductionSingleChunk(t *testing.T) {
	descs := []model.ChunkDescriptor{{Source: "s", Key: "k", DType: model.DTypeUint8}}
	g, err := chunks.BuildReduction(descs, chunks.OpSum, 0)
	require.NoError(t, err)
	require.NoError(t, g.Validate())
	assert.Len(t, g.Nodes, 2, "fetch plus one partial, no combine needed")
}

func TestGraphSurvivesSerialization(t *testing.T) {
	_, v := chunkRun(t)
	descs, err := chunks.FromView(v, "det", "data")
	require.NoError(t, err)
	g, err := chunks.BuildReduction(descs, "sum", 2)
	require.NoError(t, err)

	data, err := codec.Default.Marshal(g)
	require.NoError(t, err)
	var restored chunks.Graph
	require.NoError(t, codec.Default.Unmarshal(data, &restored))
	require.NoError(t, restored.Validate())
	assert.Equal(t, g.Chunks(), restored.Chunks())
}

func TestFetcherReadsChunks(t *testing.T) {
	dir, v := chunkRun(t)
	descs, err := chunks.FromView(v, "det", "data")
	require.NoError(t, err)

	f := chunks.NewFetcher(blobstore.NewLocalStore(dir), nil)
	defer f.Close()

	data, err := f.FetchAll(context.Background(), descs)
	require.NoError(t, err)
	require.Len(t, data, 2)
	assert.Equal(t, testutil.Payload(model.DTypeUint16, frame, 3, 0), data[0])
	assert.Equal(t, testutil.Payload(model.DTypeUint16, frame, 2, 0), data[1])
}

func TestFetcherDecompresses(t *testing.T) {
	dir := t.TempDir()
	payload := testutil.Payload(model.DTypeUint16, frame, 3, 7)
	testutil.WriteRunFile(t, dir, "c.exdf", []model.TrainID{1, 2, 3},
		testutil.Dataset{Source: "det", Key: "data", DType: model.DTypeUint16,
			Shape: frame, Compression: model.CompressionLZ4, Data: payload})

	idx, err := runindex.Scan(context.Background(), dir, runindex.ScanOptions{})
	require.NoError(t, err)
	descs, err := chunks.FromView(view.New(idx), "det", "data")
	require.NoError(t, err)

	f := chunks.NewFetcher(blobstore.NewLocalStore(dir), nil)
	defer f.Close()
	data, err := f.FetchAll(context.Background(), descs)
	require.NoError(t, err)

	var got []byte
	for _, d := range data {
		got = append(got, d...)
	}
	assert.Equal(t, payload, got)
}

func TestFetchAllHonorsCancellation(t *testing.T) {
	dir, v := chunkRun(t)
	descs, err := chunks.FromView(v, "det", "data")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := resource.NewController(resource.Config{MaxConcurrentReads: 1})
	f := chunks.NewFetcher(blobstore.NewLocalStore(dir), res)
	defer f.Close()

	_, err = f.FetchAll(ctx, descs)
	require.ErrorIs(t, err, context.Canceled)
}
