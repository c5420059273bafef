package exdf

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
	"sync"

	"github.com/pierrec/lz4/v4"

	"github.com/traindex/traindex/blobstore"
	"github.com/traindex/traindex/model"
)

// Signature captures a file's modification state. A cached index is valid
// only while the file's current signature matches the recorded one.
type Signature struct {
	Size      int64 `json:"size"`
	ModTimeNS int64 `json:"mod_time_ns"`
}

// FileIndex is the structural metadata of one exdf file: the trains it
// covers and the datasets it holds. It owns locators only, never raw data,
// and is immutable once built.
type FileIndex struct {
	Path      string          `json:"path"`
	Signature Signature       `json:"signature"`
	TrainIDs  []model.TrainID `json:"train_ids"`
	Datasets  []*Dataset      `json:"datasets"`

	lookupOnce sync.Once
	lookup     map[model.SourceKey]*Dataset
}

// Dataset returns the dataset for the given source/key, if present.
func (fi *FileIndex) Dataset(sk model.SourceKey) (*Dataset, bool) {
	fi.lookupOnce.Do(func() {
		fi.lookup = make(map[model.SourceKey]*Dataset, len(fi.Datasets))
		for _, d := range fi.Datasets {
			fi.lookup[d.SourceKey] = d
		}
	})
	d, ok := fi.lookup[sk]
	return d, ok
}

// TrainIndex returns the position of train t in this file, or false if the
// file does not cover it.
func (fi *FileIndex) TrainIndex(t model.TrainID) (int, bool) {
	i := sort.Search(len(fi.TrainIDs), func(i int) bool { return fi.TrainIDs[i] >= t })
	if i < len(fi.TrainIDs) && fi.TrainIDs[i] == t {
		return i, true
	}
	return 0, false
}

// FirstTrain returns the first train covered by the file. ok is false for an
// empty (zero-train) file, which is valid.
func (fi *FileIndex) FirstTrain() (model.TrainID, bool) {
	if len(fi.TrainIDs) == 0 {
		return 0, false
	}
	return fi.TrainIDs[0], true
}

// ReadIndex parses the structural layout of one exdf file: which datasets it
// contains, its train ordering and per-train entry counts. It is a pure
// read; the caller fills in Signature from its own stat of the file.
//
// Failure modes: [ErrCorruptFile] for unreadable structure and
// [ErrUnsupportedVersion] for future format versions.
func ReadIndex(ctx context.Context, blob blobstore.Blob, path string) (*FileIndex, error) {
	hbuf := make([]byte, HeaderSize)
	if err := blobstore.ReadFull(ctx, blob, hbuf, 0); err != nil {
		return nil, corrupt(path, fmt.Errorf("reading header: %w", err))
	}
	h, err := DecodeHeader(hbuf)
	if err != nil {
		if errors.Is(err, ErrUnsupportedVersion) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedVersion, path)
		}
		return nil, corrupt(path, err)
	}

	fi := &FileIndex{Path: path}
	size := uint64(blob.Size())

	// Train index section: sorted uint64 array followed by its CRC32C. The
	// section bounds come from an untrusted header; check them against the
	// file size before sizing any allocation. TrainCount <= size/8 also
	// keeps TrainCount*8+4 from overflowing.
	if h.TrainCount > 0 {
		if h.TrainCount > size/8 || !sectionFits(h.TrainIndexOff, h.TrainCount*8+4, size) {
			return nil, corrupt(path, errors.New("train index out of bounds"))
		}
		tbuf := make([]byte, h.TrainCount*8+4)
		if err := blobstore.ReadFull(ctx, blob, tbuf, int64(h.TrainIndexOff)); err != nil {
			return nil, corrupt(path, fmt.Errorf("reading train index: %w", err))
		}
		body := tbuf[:len(tbuf)-4]
		if crc32.Checksum(body, castagnoli) != binary.LittleEndian.Uint32(tbuf[len(tbuf)-4:]) {
			return nil, corrupt(path, errors.New("train index checksum mismatch"))
		}
		fi.TrainIDs = make([]model.TrainID, h.TrainCount)
		for i := range fi.TrainIDs {
			fi.TrainIDs[i] = model.TrainID(binary.LittleEndian.Uint64(body[i*8:]))
			if i > 0 && fi.TrainIDs[i] <= fi.TrainIDs[i-1] {
				return nil, corrupt(path, errors.New("train index not strictly increasing"))
			}
		}
	}

	// Dataset table plus its CRC32C, bounds-checked the same way.
	if h.DatasetCount > 0 {
		if h.DatasetTableLen > size || !sectionFits(h.DatasetTableOff, h.DatasetTableLen+4, size) {
			return nil, corrupt(path, errors.New("dataset table out of bounds"))
		}
		dbuf := make([]byte, h.DatasetTableLen+4)
		if err := blobstore.ReadFull(ctx, blob, dbuf, int64(h.DatasetTableOff)); err != nil {
			return nil, corrupt(path, fmt.Errorf("reading dataset table: %w", err))
		}
		body := dbuf[:len(dbuf)-4]
		if crc32.Checksum(body, castagnoli) != binary.LittleEndian.Uint32(dbuf[len(dbuf)-4:]) {
			return nil, corrupt(path, errors.New("dataset table checksum mismatch"))
		}
		fi.Datasets = make([]*Dataset, 0, h.DatasetCount)
		pos := 0
		for i := uint32(0); i < h.DatasetCount; i++ {
			d, n, err := decodeDataset(body[pos:], h.TrainCount)
			if err != nil {
				return nil, corrupt(path, err)
			}
			pos += n
			if d.DataOff < 0 || d.DataLen < 0 || d.DataOff+d.DataLen > blob.Size() {
				return nil, corrupt(path, fmt.Errorf("dataset %s payload out of bounds", d.SourceKey))
			}
			fi.Datasets = append(fi.Datasets, d)
		}
	}

	return fi, nil
}

func corrupt(path string, cause error) error {
	return fmt.Errorf("%w: %s: %v", ErrCorruptFile, path, cause)
}

// sectionFits reports whether the byte range [off, off+n) lies within a file
// of the given size, without overflowing on hostile off/n values.
func sectionFits(off, n, size uint64) bool {
	return off <= size && n <= size-off
}

// Reader reads dataset payloads from one exdf file, using a previously built
// FileIndex to avoid re-parsing the layout.
type Reader struct {
	blob blobstore.Blob
	idx  *FileIndex
}

// OpenReader wraps an open blob. If idx is nil the file's layout is parsed;
// passing a cached index skips the scan.
func OpenReader(ctx context.Context, blob blobstore.Blob, path string, idx *FileIndex) (*Reader, error) {
	if idx == nil {
		parsed, err := ReadIndex(ctx, blob, path)
		if err != nil {
			return nil, err
		}
		idx = parsed
	}
	return &Reader{blob: blob, idx: idx}, nil
}

// Index returns the file's structural index.
func (r *Reader) Index() *FileIndex { return r.idx }

// Close closes the underlying blob.
func (r *Reader) Close() error { return r.blob.Close() }

// ReadTrain returns the decoded entries of one train for the given dataset:
// Counts[trainIdx] entries of EntrySize bytes each. Compressed blocks are
// decompressed; the returned slice is always freshly allocated.
func (r *Reader) ReadTrain(ctx context.Context, sk model.SourceKey, trainIdx int) ([]byte, error) {
	d, ok := r.idx.Dataset(sk)
	if !ok {
		return nil, fmt.Errorf("dataset %s not in %s", sk, r.idx.Path)
	}
	if trainIdx < 0 || trainIdx >= len(d.Counts) {
		return nil, fmt.Errorf("train position %d out of range in %s", trainIdx, r.idx.Path)
	}
	loc := d.Locator(r.idx.Path, trainIdx)
	raw := make([]byte, loc.Length)
	if err := blobstore.ReadFull(ctx, r.blob, raw, loc.Offset); err != nil {
		return nil, corrupt(r.idx.Path, err)
	}
	return decodeBlock(d, raw, int(loc.Entries), r.idx.Path)
}

// ReadLocatorBytes resolves an arbitrary locator against an open blob and
// returns the decoded bytes it covers.
func ReadLocatorBytes(ctx context.Context, blob blobstore.Blob, d *Dataset, loc model.Locator) ([]byte, error) {
	raw := make([]byte, loc.Length)
	if err := blobstore.ReadFull(ctx, blob, raw, loc.Offset); err != nil {
		return nil, corrupt(loc.File, err)
	}
	return decodeBlock(d, raw, int(loc.Entries), loc.File)
}

func decodeBlock(d *Dataset, raw []byte, entries int, path string) ([]byte, error) {
	rawLen := int64(entries) * d.EntrySize()
	switch d.Compression {
	case model.CompressionNone:
		return raw, nil
	case model.CompressionLZ4:
		if int64(len(raw)) == rawLen {
			// Incompressible block, stored raw.
			return raw, nil
		}
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(raw, out)
		if err != nil {
			return nil, corrupt(path, fmt.Errorf("lz4: %w", err))
		}
		if int64(n) != rawLen {
			return nil, corrupt(path, io.ErrUnexpectedEOF)
		}
		return out, nil
	}
	return nil, corrupt(path, fmt.Errorf("unknown compression %d", d.Compression))
}
