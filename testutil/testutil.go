// Package testutil builds synthetic run directories for tests.
package testutil

import (
	"encoding/binary"
	"math"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/traindex/traindex/exdf"
	"github.com/traindex/traindex/model"
)

// Dataset describes one synthetic dataset for a run file. If Counts is nil,
// every train gets exactly one entry.
type Dataset struct {
	Source      string
	Key         string
	DType       model.DType
	Shape       model.Shape
	Compression model.Compression
	Counts      []uint32
	// Data overrides the generated payload when non-nil.
	Data []byte
}

// WriteRunFile writes one exdf file with deterministic payloads and returns
// its path.
func WriteRunFile(t *testing.T, dir, name string, trains []model.TrainID, datasets ...Dataset) string {
	t.Helper()
	specs := make([]exdf.DatasetSpec, len(datasets))
	for i, ds := range datasets {
		counts := ds.Counts
		if counts == nil {
			counts = make([]uint32, len(trains))
			for k := range counts {
				counts[k] = 1
			}
		}
		require.Len(t, counts, len(trains))
		var entries uint64
		for _, c := range counts {
			entries += uint64(c)
		}
		data := ds.Data
		if data == nil {
			data = Payload(ds.DType, ds.Shape, entries, int64(i))
		}
		specs[i] = exdf.DatasetSpec{
			Source:      ds.Source,
			Key:         ds.Key,
			DType:       ds.DType,
			Shape:       ds.Shape,
			Compression: ds.Compression,
			Counts:      counts,
			Data:        data,
		}
	}
	path := filepath.Join(dir, name)
	require.NoError(t, exdf.WriteFile(path, trains, specs))
	return path
}

// Payload generates a deterministic payload for the given dtype/shape:
// element j of entry i is derived from (seed, i, j), so tests can predict
// any byte of any entry.
func Payload(dtype model.DType, shape model.Shape, entries uint64, seed int64) []byte {
	elems := shape.Elems()
	size := dtype.Size()
	out := make([]byte, entries*elems*uint64(size))
	pos := 0
	for i := uint64(0); i < entries; i++ {
		for j := uint64(0); j < elems; j++ {
			v := uint64(seed)*1_000_003 + i*1009 + j
			switch dtype {
			case model.DTypeFloat32:
				binary.LittleEndian.PutUint32(out[pos:], math.Float32bits(float32(v)))
			case model.DTypeFloat64:
				binary.LittleEndian.PutUint64(out[pos:], math.Float64bits(float64(v)))
			default:
				switch size {
				case 1:
					out[pos] = byte(v)
				case 2:
					binary.LittleEndian.PutUint16(out[pos:], uint16(v))
				case 4:
					binary.LittleEndian.PutUint32(out[pos:], uint32(v))
				case 8:
					binary.LittleEndian.PutUint64(out[pos:], v)
				}
			}
			pos += size
		}
	}
	return out
}

// RNG is a seeded, thread-safe random number generator for tests.
type RNG struct {
	rand *rand.Rand
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{rand: rand.New(rand.NewSource(seed))}
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}
