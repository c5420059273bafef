package exdf

import (
	"encoding/binary"
	"errors"
	"hash/crc32"

	"github.com/traindex/traindex/model"
)

const (
	MagicNumber = 0x46445845 // "EXDF" little-endian
	Version     = 1
)

var (
	// ErrCorruptFile indicates an unreadable file structure: bad magic,
	// truncation, or a checksum mismatch.
	ErrCorruptFile = errors.New("corrupt exdf file")
	// ErrUnsupportedVersion indicates a format version this reader does not
	// understand.
	ErrUnsupportedVersion = errors.New("unsupported exdf format version")
)

// DatasetKind distinguishes raw payloads from reference datasets used by
// virtual composites.
type DatasetKind uint8

const (
	KindRaw       DatasetKind = 0
	KindReference DatasetKind = 1
)

// castagnoli is the CRC32C polynomial table used for all file checksums.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// FileHeader describes the layout of an exdf file. It is stored at the
// beginning of the file.
type FileHeader struct {
	Magic           uint32
	Version         uint32
	TrainCount      uint64
	DatasetCount    uint32
	Flags           uint32
	TrainIndexOff   uint64
	DatasetTableOff uint64
	DatasetTableLen uint64
	DataOff         uint64
	Checksum        uint32 // CRC32C of the preceding header bytes
}

// HeaderSize is the size of the fixed header in bytes, including reserved
// padding.
const HeaderSize = 4 + 4 + 8 + 4 + 4 + 8 + 8 + 8 + 8 + 4 + 4

func (h *FileHeader) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:], h.Version)
	binary.LittleEndian.PutUint64(buf[8:], h.TrainCount)
	binary.LittleEndian.PutUint32(buf[16:], h.DatasetCount)
	binary.LittleEndian.PutUint32(buf[20:], h.Flags)
	binary.LittleEndian.PutUint64(buf[24:], h.TrainIndexOff)
	binary.LittleEndian.PutUint64(buf[32:], h.DatasetTableOff)
	binary.LittleEndian.PutUint64(buf[40:], h.DatasetTableLen)
	binary.LittleEndian.PutUint64(buf[48:], h.DataOff)
	h.Checksum = crc32.Checksum(buf[:56], castagnoli)
	binary.LittleEndian.PutUint32(buf[56:], h.Checksum)
	// Reserved [60:64]
	return buf
}

func DecodeHeader(buf []byte) (*FileHeader, error) {
	if len(buf) < HeaderSize {
		return nil, errors.New("buffer too small for header")
	}
	h := &FileHeader{}
	h.Magic = binary.LittleEndian.Uint32(buf[0:])
	if h.Magic != MagicNumber {
		return nil, errors.New("invalid magic number")
	}
	h.Version = binary.LittleEndian.Uint32(buf[4:])
	if h.Version != Version {
		return nil, ErrUnsupportedVersion
	}
	h.TrainCount = binary.LittleEndian.Uint64(buf[8:])
	h.DatasetCount = binary.LittleEndian.Uint32(buf[16:])
	h.Flags = binary.LittleEndian.Uint32(buf[20:])
	h.TrainIndexOff = binary.LittleEndian.Uint64(buf[24:])
	h.DatasetTableOff = binary.LittleEndian.Uint64(buf[32:])
	h.DatasetTableLen = binary.LittleEndian.Uint64(buf[40:])
	h.DataOff = binary.LittleEndian.Uint64(buf[48:])
	h.Checksum = binary.LittleEndian.Uint32(buf[56:])
	if crc32.Checksum(buf[:56], castagnoli) != h.Checksum {
		return nil, errors.New("header checksum mismatch")
	}
	return h, nil
}

// Dataset describes one (source, key) dataset within a file: its element
// type, per-entry shape, per-train entry counts and the location of its
// payload. Counts are fixed at write time and never change after indexing.
type Dataset struct {
	model.SourceKey
	DType       model.DType       `json:"dtype"`
	Compression model.Compression `json:"compression"`
	Kind        DatasetKind       `json:"kind"`
	Shape       model.Shape       `json:"shape"`
	DataOff     int64             `json:"data_off"`
	DataLen     int64             `json:"data_len"`
	// Counts holds the number of entries per train, aligned with the file's
	// train index. Variable multiplicity: zero, one, or many per train.
	Counts []uint32 `json:"counts"`
	// BlockLens holds the stored byte length of each per-train block for
	// compressed datasets. A block whose stored length equals its raw
	// length is stored uncompressed (incompressible data).
	BlockLens []uint32 `json:"block_lens,omitempty"`
}

// EntrySize returns the byte size of one entry.
func (d *Dataset) EntrySize() int64 {
	return int64(d.DType.Size()) * int64(d.Shape.Elems())
}

// TotalEntries returns the number of entries across all trains.
func (d *Dataset) TotalEntries() uint64 {
	var n uint64
	for _, c := range d.Counts {
		n += uint64(c)
	}
	return n
}

// entryStart returns the index of the first entry belonging to train
// position trainIdx.
func (d *Dataset) entryStart(trainIdx int) uint64 {
	var n uint64
	for _, c := range d.Counts[:trainIdx] {
		n += uint64(c)
	}
	return n
}

// blockStart returns the byte offset of train position trainIdx's stored
// block, relative to DataOff.
func (d *Dataset) blockStart(trainIdx int) int64 {
	if d.Compression == model.CompressionNone {
		return int64(d.entryStart(trainIdx)) * d.EntrySize()
	}
	var off int64
	for _, bl := range d.BlockLens[:trainIdx] {
		off += int64(bl)
	}
	return off
}

// Locator returns the byte-range locator for train position trainIdx.
func (d *Dataset) Locator(file string, trainIdx int) model.Locator {
	count := d.Counts[trainIdx]
	if d.Compression == model.CompressionNone {
		return model.Locator{
			File:        file,
			Offset:      d.DataOff + int64(d.entryStart(trainIdx))*d.EntrySize(),
			Length:      int64(count) * d.EntrySize(),
			Compression: model.CompressionNone,
			Entries:     count,
		}
	}
	return model.Locator{
		File:        file,
		Offset:      d.DataOff + d.blockStart(trainIdx),
		Length:      int64(d.BlockLens[trainIdx]),
		Compression: d.Compression,
		Entries:     count,
	}
}

func (d *Dataset) encode(trainCount uint64) []byte {
	size := 2 + len(d.Source) + 2 + len(d.Key) + 4 + len(d.Shape)*8 + 16 + int(trainCount)*4
	if d.Compression != model.CompressionNone {
		size += int(trainCount) * 4
	}
	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(d.Source)))
	buf = append(buf, d.Source...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(d.Key)))
	buf = append(buf, d.Key...)
	buf = append(buf, byte(d.DType), byte(d.Compression), byte(d.Kind), byte(len(d.Shape)))
	for _, dim := range d.Shape {
		buf = binary.LittleEndian.AppendUint64(buf, dim)
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(d.DataOff))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(d.DataLen))
	for _, c := range d.Counts {
		buf = binary.LittleEndian.AppendUint32(buf, c)
	}
	if d.Compression != model.CompressionNone {
		for _, bl := range d.BlockLens {
			buf = binary.LittleEndian.AppendUint32(buf, bl)
		}
	}
	return buf
}

// decodeDataset decodes one dataset table entry starting at buf, returning
// the dataset and the number of bytes consumed.
func decodeDataset(buf []byte, trainCount uint64) (*Dataset, int, error) {
	short := errors.New("truncated dataset table entry")
	pos := 0
	need := func(n int) error {
		if pos+n > len(buf) {
			return short
		}
		return nil
	}
	if err := need(2); err != nil {
		return nil, 0, err
	}
	srcLen := int(binary.LittleEndian.Uint16(buf[pos:]))
	pos += 2
	if err := need(srcLen + 2); err != nil {
		return nil, 0, err
	}
	source := string(buf[pos : pos+srcLen])
	pos += srcLen
	keyLen := int(binary.LittleEndian.Uint16(buf[pos:]))
	pos += 2
	if err := need(keyLen + 4); err != nil {
		return nil, 0, err
	}
	key := string(buf[pos : pos+keyLen])
	pos += keyLen

	d := &Dataset{
		SourceKey:   model.SourceKey{Source: source, Key: key},
		DType:       model.DType(buf[pos]),
		Compression: model.Compression(buf[pos+1]),
		Kind:        DatasetKind(buf[pos+2]),
	}
	rank := int(buf[pos+3])
	pos += 4
	if d.DType.Size() == 0 {
		return nil, 0, errors.New("invalid dtype")
	}
	if err := need(rank*8 + 16); err != nil {
		return nil, 0, err
	}
	d.Shape = make(model.Shape, rank)
	for i := range d.Shape {
		d.Shape[i] = binary.LittleEndian.Uint64(buf[pos:])
		pos += 8
	}
	d.DataOff = int64(binary.LittleEndian.Uint64(buf[pos:]))
	d.DataLen = int64(binary.LittleEndian.Uint64(buf[pos+8:]))
	pos += 16

	if err := need(int(trainCount) * 4); err != nil {
		return nil, 0, err
	}
	d.Counts = make([]uint32, trainCount)
	for i := range d.Counts {
		d.Counts[i] = binary.LittleEndian.Uint32(buf[pos:])
		pos += 4
	}
	if d.Compression != model.CompressionNone {
		if err := need(int(trainCount) * 4); err != nil {
			return nil, 0, err
		}
		d.BlockLens = make([]uint32, trainCount)
		for i := range d.BlockLens {
			d.BlockLens[i] = binary.LittleEndian.Uint32(buf[pos:])
			pos += 4
		}
	}
	return d, pos, nil
}
