package assembly

import (
	"context"
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traindex/traindex/blobstore"
	"github.com/traindex/traindex/geometry"
	"github.com/traindex/traindex/model"
)

// twoModuleGeom stacks two 4x4 modules vertically into an 8x4 region.
func twoModuleGeom(t *testing.T) *geometry.Model {
	t.Helper()
	m, err := geometry.NewModel(4, 4, 1.0, []geometry.ModulePlacement{
		{Module: 0, Offset: [2]float64{0, 0}},
		{Module: 1, Offset: [2]float64{0, 4}},
	})
	require.NoError(t, err)
	return m
}

// frameU16 fills a 4x4 uint16 frame with base+i.
func frameU16(base uint16) []byte {
	b := make([]byte, 4*4*2)
	for i := 0; i < 16; i++ {
		binary.LittleEndian.PutUint16(b[i*2:], base+uint16(i))
	}
	return b
}

func pixelU16(t *testing.T, img []byte, cw, y, x int) uint16 {
	t.Helper()
	return binary.LittleEndian.Uint16(img[(y*cw+x)*2:])
}

func TestAssembleTwoModules(t *testing.T) {
	geom := twoModuleGeom(t)
	a, err := New(geom, model.DTypeUint16)
	require.NoError(t, err)

	img, err := a.AssembleFrame([]ModuleFrame{
		{Data: frameU16(100)},
		{Data: frameU16(200)},
	}, nil)
	require.NoError(t, err)

	ch, cw := geom.CanvasShape()
	require.Len(t, img, ch*cw*2)

	m := geometry.Margin
	assert.Equal(t, uint16(100), pixelU16(t, img, cw, m, m))
	assert.Equal(t, uint16(115), pixelU16(t, img, cw, m+3, m+3))
	assert.Equal(t, uint16(200), pixelU16(t, img, cw, m+4, m))
	assert.Equal(t, uint16(215), pixelU16(t, img, cw, m+7, m+3))
	// Margin pixels keep the integer sentinel.
	assert.Equal(t, uint16(0), pixelU16(t, img, cw, 0, 0))
}

func TestMissingModuleKeepsSentinel(t *testing.T) {
	geom := twoModuleGeom(t)
	a, err := New(geom, model.DTypeFloat32)
	require.NoError(t, err)

	frame := make([]byte, a.FrameBytes())
	for i := 0; i < 16; i++ {
		binary.LittleEndian.PutUint32(frame[i*4:], math.Float32bits(float32(i)))
	}
	img, err := a.AssembleFrame([]ModuleFrame{{Data: frame}, {}}, nil)
	require.NoError(t, err)

	_, cw := geom.CanvasShape()
	m := geometry.Margin
	at := func(y, x int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(img[(y*cw+x)*4:]))
	}
	assert.Equal(t, float32(5), at(m+1, m+1))
	assert.True(t, math.IsNaN(float64(at(m+4, m))), "missing module pixel should be NaN")
	assert.True(t, math.IsNaN(float64(at(0, 0))), "margin pixel should be NaN")
}

func TestExplicitSentinel(t *testing.T) {
	geom := twoModuleGeom(t)
	a, err := New(geom, model.DTypeUint16)
	require.NoError(t, err)

	s := float64(9999)
	img, err := a.AssembleFrame([]ModuleFrame{{}, {}}, &Options{Sentinel: &s})
	require.NoError(t, err)

	_, cw := geom.CanvasShape()
	assert.Equal(t, uint16(9999), pixelU16(t, img, cw, 0, 0))
	assert.Equal(t, uint16(9999), pixelU16(t, img, cw, geometry.Margin, geometry.Margin))
}

func TestOutBufferReuse(t *testing.T) {
	geom := twoModuleGeom(t)
	a, err := New(geom, model.DTypeUint16)
	require.NoError(t, err)

	buf := make([]byte, a.CanvasBytes())
	img, err := a.AssembleFrame([]ModuleFrame{{Data: frameU16(1)}, {Data: frameU16(2)}}, &Options{Out: buf})
	require.NoError(t, err)
	assert.Equal(t, &buf[0], &img[0], "assembly should write into the provided buffer")

	_, err = a.AssembleFrame([]ModuleFrame{{}, {}}, &Options{Out: make([]byte, 3)})
	var sm *ShapeMismatchError
	require.ErrorAs(t, err, &sm)
	assert.Equal(t, "out buffer", sm.What)
}

func TestModuleCountAndShapeMismatch(t *testing.T) {
	a, err := New(twoModuleGeom(t), model.DTypeUint16)
	require.NoError(t, err)

	_, err = a.AssembleFrame([]ModuleFrame{{Data: frameU16(0)}}, nil)
	var cm *ModuleCountMismatchError
	require.ErrorAs(t, err, &cm)
	assert.Equal(t, 2, cm.Want)
	assert.Equal(t, 1, cm.Got)

	_, err = a.AssembleFrame([]ModuleFrame{{Data: frameU16(0)}, {Data: []byte{1, 2}}}, nil)
	var sm *ShapeMismatchError
	require.ErrorAs(t, err, &sm)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestRotatedModuleMatchesMapping(t *testing.T) {
	geom, err := geometry.NewModel(2, 3, 1.0, []geometry.ModulePlacement{
		{Module: 0, Offset: [2]float64{0, 0}, Rotation: 180},
	})
	require.NoError(t, err)
	a, err := New(geom, model.DTypeUint8)
	require.NoError(t, err)

	img, err := a.AssembleFrame([]ModuleFrame{{Data: []byte{1, 2, 3, 4, 5, 6}}}, nil)
	require.NoError(t, err)

	_, cw := geom.CanvasShape()
	r := geom.Layout()[0]
	row := func(y int) []byte {
		start := y*cw + r.X0
		return img[start : start+3]
	}
	assert.Equal(t, []byte{6, 5, 4}, row(r.Y0))
	assert.Equal(t, []byte{3, 2, 1}, row(r.Y0+1))
}

func TestVirtualMatchesMaterialized(t *testing.T) {
	geom := twoModuleGeom(t)
	a, err := New(geom, model.DTypeUint16)
	require.NoError(t, err)

	frames := map[string][]byte{
		"a.exdf": frameU16(100),
		"b.exdf": frameU16(200),
	}
	direct, err := a.AssembleFrame([]ModuleFrame{
		{Data: frames["a.exdf"]},
		{Data: frames["b.exdf"]},
	}, nil)
	require.NoError(t, err)

	vf, err := a.AssembleVirtual([]ModuleRef{
		{File: "a.exdf", Offset: 0, Length: int64(len(frames["a.exdf"]))},
		{File: "b.exdf", Offset: 0, Length: int64(len(frames["b.exdf"]))},
	}, nil)
	require.NoError(t, err)
	require.Len(t, vf.Refs, 3, "background fill plus one reference per module")

	got, err := vf.Materialize(func(file string, off, length int64) ([]byte, error) {
		return frames[file][off : off+length], nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, direct, got)
}

func TestVirtualMissingModuleIsExplicitFill(t *testing.T) {
	a, err := New(twoModuleGeom(t), model.DTypeFloat64)
	require.NoError(t, err)

	vf, err := a.AssembleVirtual([]ModuleRef{
		{File: "a.exdf", Offset: 64, Length: 128},
		{},
	}, nil)
	require.NoError(t, err)

	require.Len(t, vf.Refs, 3)
	assert.Equal(t, RefFill, vf.Refs[0].Kind)
	assert.Equal(t, -1, vf.Refs[0].Module)
	assert.Equal(t, RefData, vf.Refs[1].Kind)
	assert.Equal(t, RefFill, vf.Refs[2].Kind)
	assert.Equal(t, 1, vf.Refs[2].Module)
	assert.True(t, math.IsNaN(vf.Refs[2].Sentinel))
}

func TestCXIRoundTrip(t *testing.T) {
	geom := twoModuleGeom(t)
	a, err := New(geom, model.DTypeUint16)
	require.NoError(t, err)

	vf1, err := a.AssembleVirtual([]ModuleRef{
		{File: "a.exdf", Offset: 1024, Length: 32},
		{File: "b.exdf", Offset: 2048, Length: 32},
	}, nil)
	require.NoError(t, err)
	vf2, err := a.AssembleVirtual([]ModuleRef{
		{File: "a.exdf", Offset: 1056, Length: 32},
		{},
	}, nil)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "composite.exdf")
	trains := []model.TrainID{10, 11}
	require.NoError(t, WriteCXI(path, trains, []*VirtualFrame{vf1, vf2}))

	store := blobstore.NewLocalStore(dir)
	gotTrains, gotFrames, err := ReadCXI(context.Background(), store, "composite.exdf")
	require.NoError(t, err)

	assert.Equal(t, trains, gotTrains)
	require.Len(t, gotFrames, 2)
	require.Equal(t, len(vf1.Refs), len(gotFrames[0].Refs))
	for i, want := range vf1.Refs {
		got := gotFrames[0].Refs[i]
		assert.Equal(t, want.Kind, got.Kind)
		assert.Equal(t, want.File, got.File)
		assert.Equal(t, want.Offset, got.Offset)
		assert.Equal(t, want.Length, got.Length)
		assert.Equal(t, want.Dest, got.Dest)
	}
	// Sentinel fill for the missing module survives the round trip.
	last := gotFrames[1].Refs[2]
	assert.Equal(t, RefFill, last.Kind)
	assert.Equal(t, 1, last.Module)
}
