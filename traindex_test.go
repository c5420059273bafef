package traindex_test

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traindex/traindex"
	"github.com/traindex/traindex/assembly"
	"github.com/traindex/traindex/blobstore"
	"github.com/traindex/traindex/chunks"
	"github.com/traindex/traindex/geometry"
	"github.com/traindex/traindex/model"
	"github.com/traindex/traindex/testutil"
	"github.com/traindex/traindex/view"
)

var (
	frame   = model.Shape{4, 4}
	modules = []model.SourceKey{
		{Source: "det/mod0", Key: "image.data"},
		{Source: "det/mod1", Key: "image.data"},
	}
)

// writeRun builds a run where mod0 covers trains [10,11,12] and mod1 covers
// [11,12,13].
func writeRun(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	testutil.WriteRunFile(t, dir, "r0042-m0.exdf", []model.TrainID{10, 11, 12},
		testutil.Dataset{Source: "det/mod0", Key: "image.data", DType: model.DTypeUint16, Shape: frame})
	testutil.WriteRunFile(t, dir, "r0042-m1.exdf", []model.TrainID{11, 12, 13},
		testutil.Dataset{Source: "det/mod1", Key: "image.data", DType: model.DTypeUint16, Shape: frame})
	return dir
}

func stackedGeom(t *testing.T) *assembly.Assembler {
	t.Helper()
	geom, err := geometry.NewModel(4, 4, 1.0, []geometry.ModulePlacement{
		{Module: 0, Offset: [2]float64{0, 0}},
		{Module: 1, Offset: [2]float64{0, 4}},
	})
	require.NoError(t, err)
	asm, err := assembly.New(geom, model.DTypeUint16)
	require.NoError(t, err)
	return asm
}

func TestOpenRunAndReadTrain(t *testing.T) {
	ctx := context.Background()
	run, err := traindex.OpenRun(ctx, writeRun(t))
	require.NoError(t, err)
	defer run.Close()

	assert.Equal(t, []string{"det/mod0", "det/mod1"}, run.Index().Sources())
	assert.Equal(t, []model.TrainID{10, 11, 12, 13}, run.Index().TrainIDs())

	// Train 11 is mod0's second train: the second frame of its payload.
	payload := testutil.Payload(model.DTypeUint16, frame, 3, 0)
	data, err := run.ReadTrain(ctx, "det/mod0", "image.data", 11)
	require.NoError(t, err)
	assert.Equal(t, payload[32:64], data)

	_, err = run.ReadTrain(ctx, "nope", "image.data", 11)
	assert.ErrorIs(t, err, traindex.ErrNoSuchSource)
	_, err = run.ReadTrain(ctx, "det/mod0", "nope", 11)
	assert.ErrorIs(t, err, traindex.ErrNoSuchKey)
	_, err = run.ReadTrain(ctx, "det/mod0", "image.data", 13)
	assert.ErrorIs(t, err, traindex.ErrNoSuchTrain)
}

func TestAssembleTrain(t *testing.T) {
	ctx := context.Background()
	dir := writeRun(t)
	run, err := traindex.OpenRun(ctx, dir)
	require.NoError(t, err)
	defer run.Close()

	asm := stackedGeom(t)
	_, cw := asm.Geometry().CanvasShape()
	m := geometry.Margin
	sentinel := float64(0xFFFF)

	// Train 12: both modules present.
	img, err := run.AssembleTrain(ctx, asm, modules, 12, &assembly.Options{Sentinel: &sentinel})
	require.NoError(t, err)
	mod0, err := run.ReadTrain(ctx, "det/mod0", "image.data", 12)
	require.NoError(t, err)
	assert.Equal(t, mod0[:2], img[((m*cw)+m)*2:((m*cw)+m)*2+2])
	assert.Equal(t, uint16(0xFFFF), binary.LittleEndian.Uint16(img[:2]))

	// Train 10: mod1 has no data, its rectangle stays sentinel.
	img, err = run.AssembleTrain(ctx, asm, modules, 10, &assembly.Options{Sentinel: &sentinel})
	require.NoError(t, err)
	at := func(y, x int) uint16 {
		return binary.LittleEndian.Uint16(img[(y*cw+x)*2:])
	}
	assert.NotEqual(t, uint16(0xFFFF), at(m+1, m+1))
	assert.Equal(t, uint16(0xFFFF), at(m+5, m+1))
}

func TestAssembleTrainsMatchesPerTrain(t *testing.T) {
	ctx := context.Background()
	run, err := traindex.OpenRun(ctx, writeRun(t))
	require.NoError(t, err)
	defer run.Close()

	asm := stackedGeom(t)
	trains := []model.TrainID{10, 11, 12, 13}
	imgs, err := run.AssembleTrains(ctx, asm, modules, trains, nil)
	require.NoError(t, err)
	require.Len(t, imgs, len(trains))
	for i, tid := range trains {
		want, err := run.AssembleTrain(ctx, asm, modules, tid, nil)
		require.NoError(t, err)
		assert.Equal(t, want, imgs[i], "train %d", tid)
	}
}

func TestVirtualCompositeRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := writeRun(t)
	run, err := traindex.OpenRun(ctx, dir)
	require.NoError(t, err)
	defer run.Close()

	asm := stackedGeom(t)
	trains := []model.TrainID{10, 12}

	exportDir := t.TempDir()
	path := filepath.Join(exportDir, "composite.exdf")
	require.NoError(t, run.ExportCXI(path, asm, modules, trains, nil))

	gotTrains, frames, err := assembly.ReadCXI(ctx, blobstore.NewLocalStore(exportDir), "composite.exdf")
	require.NoError(t, err)
	assert.Equal(t, trains, gotTrains)
	require.Len(t, frames, 2)

	// Materializing the composite must reproduce direct assembly of the
	// train where both modules exist.
	direct, err := run.AssembleTrain(ctx, asm, modules, 12, nil)
	require.NoError(t, err)
	virtual, err := run.MaterializeFrame(ctx, frames[1], nil)
	require.NoError(t, err)
	assert.Equal(t, direct, virtual)
}

func TestReopenHitsCache(t *testing.T) {
	ctx := context.Background()
	dir := writeRun(t)

	run1, err := traindex.OpenRun(ctx, dir)
	require.NoError(t, err)
	_, misses, _ := run1.CacheStats()
	assert.EqualValues(t, 2, misses)
	require.NoError(t, run1.Close())

	run2, err := traindex.OpenRun(ctx, dir)
	require.NoError(t, err)
	defer run2.Close()
	hits, _, _ := run2.CacheStats()
	assert.EqualValues(t, 2, hits)
	assert.Equal(t, run1.Index().TrainIDs(), run2.Index().TrainIDs())
}

func TestViewToChunksThroughFacade(t *testing.T) {
	ctx := context.Background()
	run, err := traindex.OpenRun(ctx, writeRun(t))
	require.NoError(t, err)
	defer run.Close()

	v := run.View().
		Select("det/mod0", "").
		SelectTrains(view.TrainRange{From: 11, To: 12})
	descs, err := chunks.FromView(v, "det/mod0", "image.data")
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, model.TrainID(11), descs[0].FirstTrain)
	assert.Equal(t, 2, descs[0].Trains)

	f := run.Fetcher()
	defer f.Close()
	data, err := f.Fetch(ctx, descs[0])
	require.NoError(t, err)
	payload := testutil.Payload(model.DTypeUint16, frame, 3, 0)
	assert.Equal(t, payload[32:96], data)
}
