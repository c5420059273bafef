package assembly

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/traindex/traindex/blobstore"
	"github.com/traindex/traindex/codec"
	"github.com/traindex/traindex/exdf"
	"github.com/traindex/traindex/geometry"
	"github.com/traindex/traindex/model"
)

// A CXI-style composite file stores one virtual frame per train inside a
// regular container file: a JSON metadata dataset and a reference dataset
// whose fixed-size records point into the original source files. Readers
// that understand the container but not the composite convention still see
// a well-formed file.
const (
	CompositeSource = "composite"
	CompositeMeta   = "meta"
	CompositeRefs   = "refs"

	refRecordSize   = 48
	cxiMetaVersion  = 1
	foreignFileNone = 0xFFFF
)

type cxiMeta struct {
	Version int         `json:"version"`
	CanvasH int         `json:"canvas_h"`
	CanvasW int         `json:"canvas_w"`
	FrameH  int         `json:"frame_h"`
	FrameW  int         `json:"frame_w"`
	DType   model.DType `json:"dtype"`
	Files   []string    `json:"files"`
}

// WriteCXI writes one virtual frame per train to a composite file. All
// frames must share the same canvas and element type.
func WriteCXI(path string, trains []model.TrainID, frames []*VirtualFrame) error {
	if len(trains) == 0 {
		return fmt.Errorf("composite file needs at least one train")
	}
	if len(frames) != len(trains) {
		return fmt.Errorf("%d frames for %d trains", len(frames), len(trains))
	}

	meta := cxiMeta{
		Version: cxiMetaVersion,
		CanvasH: frames[0].CanvasH, CanvasW: frames[0].CanvasW,
		FrameH: frames[0].FrameH, FrameW: frames[0].FrameW,
		DType: frames[0].DType,
	}
	fileIdx := make(map[string]uint16)
	counts := make([]uint32, len(trains))
	var refData []byte
	for t, vf := range frames {
		if vf.CanvasH != meta.CanvasH || vf.CanvasW != meta.CanvasW || vf.DType != meta.DType {
			return fmt.Errorf("frame %d does not match the composite canvas", t)
		}
		counts[t] = uint32(len(vf.Refs))
		for _, ref := range vf.Refs {
			idx := uint16(foreignFileNone)
			if ref.Kind == RefData {
				i, ok := fileIdx[ref.File]
				if !ok {
					if len(meta.Files) >= foreignFileNone {
						return fmt.Errorf("too many distinct source files")
					}
					i = uint16(len(meta.Files))
					fileIdx[ref.File] = i
					meta.Files = append(meta.Files, ref.File)
				}
				idx = i
			}
			refData = append(refData, encodeRef(ref, idx)...)
		}
	}

	metaJSON, err := codec.Default.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode composite metadata: %w", err)
	}
	metaCounts := make([]uint32, len(trains))
	metaCounts[0] = uint32(len(metaJSON))

	return exdf.WriteFile(path, trains, []exdf.DatasetSpec{
		{
			Source: CompositeSource, Key: CompositeMeta,
			DType:  model.DTypeUint8,
			Counts: metaCounts,
			Data:   metaJSON,
		},
		{
			Source: CompositeSource, Key: CompositeRefs,
			DType:  model.DTypeUint8,
			Shape:  model.Shape{refRecordSize},
			Kind:   exdf.KindReference,
			Counts: counts,
			Data:   refData,
		},
	})
}

// ReadCXI loads a composite file back into virtual frames, one per train.
func ReadCXI(ctx context.Context, store blobstore.Store, path string) ([]model.TrainID, []*VirtualFrame, error) {
	blob, err := store.Open(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	r, err := exdf.OpenReader(ctx, blob, path, nil)
	if err != nil {
		blob.Close()
		return nil, nil, err
	}
	defer r.Close()

	idx := r.Index()
	metaJSON, err := r.ReadTrain(ctx, model.SourceKey{Source: CompositeSource, Key: CompositeMeta}, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: read composite metadata: %w", path, err)
	}
	var meta cxiMeta
	if err := codec.Default.Unmarshal(metaJSON, &meta); err != nil {
		return nil, nil, fmt.Errorf("%s: decode composite metadata: %w", path, err)
	}
	if meta.Version != cxiMetaVersion {
		return nil, nil, fmt.Errorf("%s: unsupported composite version %d", path, meta.Version)
	}

	sk := model.SourceKey{Source: CompositeSource, Key: CompositeRefs}
	frames := make([]*VirtualFrame, len(idx.TrainIDs))
	for t := range idx.TrainIDs {
		raw, err := r.ReadTrain(ctx, sk, t)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: read composite references: %w", path, err)
		}
		if len(raw)%refRecordSize != 0 {
			return nil, nil, fmt.Errorf("%s: reference block is %d bytes", path, len(raw))
		}
		vf := &VirtualFrame{
			CanvasH: meta.CanvasH, CanvasW: meta.CanvasW,
			FrameH: meta.FrameH, FrameW: meta.FrameW,
			DType: meta.DType,
		}
		for o := 0; o < len(raw); o += refRecordSize {
			ref, err := decodeRef(raw[o:o+refRecordSize], meta.Files)
			if err != nil {
				return nil, nil, fmt.Errorf("%s: %w", path, err)
			}
			vf.Refs = append(vf.Refs, ref)
		}
		frames[t] = vf
	}
	return append([]model.TrainID(nil), idx.TrainIDs...), frames, nil
}

func encodeRef(ref Reference, fileIdx uint16) []byte {
	b := make([]byte, refRecordSize)
	b[0] = byte(ref.Kind)
	b[1] = byte((ref.Rotation % 360 / 90) & 3)
	binary.LittleEndian.PutUint16(b[2:], fileIdx)
	binary.LittleEndian.PutUint32(b[4:], uint32(int32(ref.Module)))
	binary.LittleEndian.PutUint64(b[8:], uint64(ref.Offset))
	binary.LittleEndian.PutUint64(b[16:], uint64(ref.Length))
	binary.LittleEndian.PutUint32(b[24:], uint32(ref.Dest.Y0))
	binary.LittleEndian.PutUint32(b[28:], uint32(ref.Dest.X0))
	binary.LittleEndian.PutUint32(b[32:], uint32(ref.Dest.Y1))
	binary.LittleEndian.PutUint32(b[36:], uint32(ref.Dest.X1))
	binary.LittleEndian.PutUint64(b[40:], math.Float64bits(ref.Sentinel))
	return b
}

func decodeRef(b []byte, files []string) (Reference, error) {
	ref := Reference{
		Kind:     RefKind(b[0]),
		Rotation: int(b[1]) * 90,
		Module:   int(int32(binary.LittleEndian.Uint32(b[4:]))),
		Offset:   int64(binary.LittleEndian.Uint64(b[8:])),
		Length:   int64(binary.LittleEndian.Uint64(b[16:])),
		Dest: geometry.Rect{
			Y0: int(binary.LittleEndian.Uint32(b[24:])),
			X0: int(binary.LittleEndian.Uint32(b[28:])),
			Y1: int(binary.LittleEndian.Uint32(b[32:])),
			X1: int(binary.LittleEndian.Uint32(b[36:])),
		},
		Sentinel: math.Float64frombits(binary.LittleEndian.Uint64(b[40:])),
	}
	if ref.Kind == RefData {
		idx := binary.LittleEndian.Uint16(b[2:])
		if int(idx) >= len(files) {
			return Reference{}, fmt.Errorf("reference names file %d of %d", idx, len(files))
		}
		ref.File = files[idx]
	}
	return ref, nil
}
