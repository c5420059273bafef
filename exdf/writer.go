package exdf

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/pierrec/lz4/v4"

	"github.com/traindex/traindex/model"
)

// DatasetSpec describes one dataset to write. Data holds the raw
// (uncompressed) payload: TotalEntries() entries of EntrySize bytes, in
// train order.
type DatasetSpec struct {
	Source      string
	Key         string
	DType       model.DType
	Shape       model.Shape
	Compression model.Compression
	Kind        DatasetKind
	// Counts holds entries per train, aligned with the file's train list.
	Counts []uint32
	Data   []byte
}

// Encode builds a complete exdf file image in memory. Trains must be
// strictly increasing; every dataset's Counts must align with trains.
func Encode(trains []model.TrainID, specs []DatasetSpec) ([]byte, error) {
	for i := 1; i < len(trains); i++ {
		if trains[i] <= trains[i-1] {
			return nil, fmt.Errorf("train ids not strictly increasing at position %d", i)
		}
	}

	datasets := make([]*Dataset, len(specs))
	payloads := make([][]byte, len(specs))
	for i, spec := range specs {
		if len(spec.Counts) != len(trains) {
			return nil, fmt.Errorf("dataset %s[%s]: %d counts for %d trains",
				spec.Source, spec.Key, len(spec.Counts), len(trains))
		}
		d := &Dataset{
			SourceKey:   model.SourceKey{Source: spec.Source, Key: spec.Key},
			DType:       spec.DType,
			Compression: spec.Compression,
			Kind:        spec.Kind,
			Shape:       spec.Shape,
			Counts:      spec.Counts,
		}
		want := int64(d.TotalEntries()) * d.EntrySize()
		if int64(len(spec.Data)) != want {
			return nil, fmt.Errorf("dataset %s: payload is %d bytes, want %d",
				d.SourceKey, len(spec.Data), want)
		}
		payload, blockLens, err := encodePayload(d, spec.Data)
		if err != nil {
			return nil, err
		}
		d.BlockLens = blockLens
		d.DataLen = int64(len(payload))
		datasets[i] = d
		payloads[i] = payload
	}

	// Layout: header | train index + crc | dataset table + crc | payloads.
	trainSectionLen := 0
	if len(trains) > 0 {
		trainSectionLen = len(trains)*8 + 4
	}
	trainIndexOff := uint64(HeaderSize)
	tableOff := trainIndexOff + uint64(trainSectionLen)

	// Dataset table entries reference absolute payload offsets, so compute
	// the table length first (entry size does not depend on offsets).
	tableLen := 0
	for _, d := range datasets {
		tableLen += len(d.encode(uint64(len(trains))))
	}
	dataOff := tableOff
	if len(datasets) > 0 {
		dataOff += uint64(tableLen) + 4
	}
	off := int64(dataOff)
	for i, d := range datasets {
		d.DataOff = off
		off += int64(len(payloads[i]))
	}

	h := FileHeader{
		Magic:           MagicNumber,
		Version:         Version,
		TrainCount:      uint64(len(trains)),
		DatasetCount:    uint32(len(datasets)),
		TrainIndexOff:   trainIndexOff,
		DatasetTableOff: tableOff,
		DatasetTableLen: uint64(tableLen),
		DataOff:         dataOff,
	}

	out := make([]byte, 0, off)
	out = append(out, h.Encode()...)
	if len(trains) > 0 {
		body := make([]byte, len(trains)*8)
		for i, t := range trains {
			binary.LittleEndian.PutUint64(body[i*8:], uint64(t))
		}
		out = append(out, body...)
		out = binary.LittleEndian.AppendUint32(out, crc32.Checksum(body, castagnoli))
	}
	if len(datasets) > 0 {
		table := make([]byte, 0, tableLen)
		for _, d := range datasets {
			table = append(table, d.encode(uint64(len(trains)))...)
		}
		out = append(out, table...)
		out = binary.LittleEndian.AppendUint32(out, crc32.Checksum(table, castagnoli))
	}
	for _, p := range payloads {
		out = append(out, p...)
	}
	return out, nil
}

// WriteFile encodes and writes a complete exdf file.
func WriteFile(path string, trains []model.TrainID, specs []DatasetSpec) error {
	data, err := Encode(trains, specs)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// encodePayload applies the dataset's compression, returning the stored
// payload and, for compressed datasets, the per-train block lengths.
func encodePayload(d *Dataset, raw []byte) ([]byte, []uint32, error) {
	if d.Compression == model.CompressionNone {
		return raw, nil, nil
	}
	if d.Compression != model.CompressionLZ4 {
		return nil, nil, fmt.Errorf("dataset %s: unknown compression %d", d.SourceKey, d.Compression)
	}

	blockLens := make([]uint32, len(d.Counts))
	out := make([]byte, 0, len(raw))
	entrySize := d.EntrySize()
	var start int64
	for t, count := range d.Counts {
		blockRaw := raw[start : start+int64(count)*entrySize]
		start += int64(count) * entrySize
		if len(blockRaw) == 0 {
			continue
		}
		dst := make([]byte, lz4.CompressBlockBound(len(blockRaw)))
		n, err := lz4.CompressBlock(blockRaw, dst, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("dataset %s: lz4: %w", d.SourceKey, err)
		}
		if n == 0 || n >= len(blockRaw) {
			// Incompressible: store raw. The reader detects this by the
			// stored length equaling the raw length.
			out = append(out, blockRaw...)
			blockLens[t] = uint32(len(blockRaw))
			continue
		}
		out = append(out, dst[:n]...)
		blockLens[t] = uint32(n)
	}
	return out, blockLens, nil
}
