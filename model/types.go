package model

import (
	"fmt"
)

// TrainID identifies one acquisition cycle of the instrument. Train IDs are
// monotonically non-decreasing across a run and form the primary ordering
// axis; they are not necessarily contiguous.
type TrainID uint64

// SourceKey names one dataset: a logical data producer (Source) and a field
// within it (Key).
type SourceKey struct {
	Source string `json:"source"`
	Key    string `json:"key"`
}

// String returns a string representation of the SourceKey.
func (sk SourceKey) String() string {
	return fmt.Sprintf("%s[%s]", sk.Source, sk.Key)
}

// Compare orders SourceKeys lexicographically by source, then key.
func (sk SourceKey) Compare(other SourceKey) int {
	if sk.Source != other.Source {
		if sk.Source < other.Source {
			return -1
		}
		return 1
	}
	switch {
	case sk.Key < other.Key:
		return -1
	case sk.Key > other.Key:
		return 1
	}
	return 0
}

// DType is the scalar element type of a dataset.
type DType uint8

const (
	DTypeInvalid DType = iota
	DTypeUint8
	DTypeUint16
	DTypeUint32
	DTypeUint64
	DTypeInt8
	DTypeInt16
	DTypeInt32
	DTypeInt64
	DTypeFloat32
	DTypeFloat64
)

// Size returns the element size in bytes, or 0 for an invalid DType.
func (d DType) Size() int {
	switch d {
	case DTypeUint8, DTypeInt8:
		return 1
	case DTypeUint16, DTypeInt16:
		return 2
	case DTypeUint32, DTypeInt32, DTypeFloat32:
		return 4
	case DTypeUint64, DTypeInt64, DTypeFloat64:
		return 8
	}
	return 0
}

// IsFloat reports whether the type is a floating-point type.
func (d DType) IsFloat() bool {
	return d == DTypeFloat32 || d == DTypeFloat64
}

func (d DType) String() string {
	switch d {
	case DTypeUint8:
		return "uint8"
	case DTypeUint16:
		return "uint16"
	case DTypeUint32:
		return "uint32"
	case DTypeUint64:
		return "uint64"
	case DTypeInt8:
		return "int8"
	case DTypeInt16:
		return "int16"
	case DTypeInt32:
		return "int32"
	case DTypeInt64:
		return "int64"
	case DTypeFloat32:
		return "float32"
	case DTypeFloat64:
		return "float64"
	}
	return "invalid"
}

// Shape is the per-entry shape of a dataset, slowest axis first.
type Shape []uint64

// Elems returns the number of elements in one entry.
func (s Shape) Elems() uint64 {
	n := uint64(1)
	for _, d := range s {
		n *= d
	}
	return n
}

// Equal reports whether two shapes are identical.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	out := "("
	for i, d := range s {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprint(d)
	}
	return out + ")"
}

// Compression identifies the block codec applied to a dataset's payload.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
)

// Locator addresses a byte range within one physical file. Locators are the
// only thing an index owns; they never carry raw data.
type Locator struct {
	// File is the path of the physical file, relative to the run directory.
	File string `json:"file"`
	// Offset is the byte offset of the range within the file.
	Offset int64 `json:"offset"`
	// Length is the byte length of the range. For a compressed dataset this
	// is the stored (compressed) length.
	Length int64 `json:"length"`
	// Compression is the codec the range is stored with.
	Compression Compression `json:"compression"`
	// Entries is the number of dataset entries the range covers.
	Entries uint32 `json:"entries"`
}

// String returns a string representation of the Locator.
func (l Locator) String() string {
	return fmt.Sprintf("%s@%d+%d", l.File, l.Offset, l.Length)
}

// ChunkDescriptor describes one independently fetchable unit of a logical
// array: where its bytes live and where it sits in the assembled whole.
// Descriptors are produced by the chunks package and consumed by an external
// execution layer; they are read-only.
type ChunkDescriptor struct {
	// Source and Key identify the dataset the chunk belongs to.
	Source string `json:"source"`
	Key    string `json:"key"`
	// Shape is the chunk's array shape: entry count followed by the
	// dataset's per-entry shape.
	Shape Shape `json:"shape"`
	// DType is the scalar element type.
	DType DType `json:"dtype"`
	// Locator addresses the chunk's bytes.
	Locator Locator `json:"locator"`
	// FirstTrain is the first train the chunk covers.
	FirstTrain TrainID `json:"first_train"`
	// Trains is the number of consecutive selected trains covered.
	Trains int `json:"trains"`
	// EntryOffset is the chunk's placement on the logical entry axis of the
	// concatenated view-wide array.
	EntryOffset uint64 `json:"entry_offset"`
}
