package assembly

import (
	"fmt"

	"github.com/traindex/traindex/geometry"
	"github.com/traindex/traindex/model"
)

// RefKind discriminates virtual composite references.
type RefKind uint8

const (
	// RefFill paints a constant value across the destination rectangle.
	RefFill RefKind = iota
	// RefData paints a byte range of a source file, rotated into place.
	RefData
)

// Reference is one painting step of a virtual composite frame. References
// are applied in order; the first is always the background fill, and a
// missing module gets its own explicit fill reference rather than silently
// inheriting the background.
type Reference struct {
	Kind     RefKind
	Module   int
	File     string
	Offset   int64
	Length   int64
	Dest     geometry.Rect
	Rotation int
	Sentinel float64
}

// VirtualFrame describes one assembled image without materializing it:
// the canvas, the per-module source byte ranges, and the fill records for
// everything no module covers.
type VirtualFrame struct {
	CanvasH int
	CanvasW int
	FrameH  int
	FrameW  int
	DType   model.DType
	Refs    []Reference
}

// ModuleRef locates one module's raw frame bytes for a virtual composite,
// aligned with the geometry's placement table. An empty File marks the
// module as missing.
type ModuleRef struct {
	File   string
	Offset int64
	Length int64
}

// AssembleVirtual builds the reference list for one frame. It performs no
// IO: the source ranges are recorded, not read.
func (a *Assembler) AssembleVirtual(mods []ModuleRef, opts *Options) (*VirtualFrame, error) {
	if len(mods) != a.geom.NumModules() {
		return nil, &ModuleCountMismatchError{Want: a.geom.NumModules(), Got: len(mods)}
	}
	ch, cw := a.geom.CanvasShape()
	fh, fw := a.geom.FrameShape()
	sentinel := opts.sentinel(a.dtype)

	vf := &VirtualFrame{
		CanvasH: ch, CanvasW: cw,
		FrameH: fh, FrameW: fw,
		DType: a.dtype,
		Refs: []Reference{{
			Kind:     RefFill,
			Module:   -1,
			Dest:     geometry.Rect{Y0: 0, X0: 0, Y1: ch, X1: cw},
			Sentinel: sentinel,
		}},
	}
	for i, m := range mods {
		if m.File == "" {
			vf.Refs = append(vf.Refs, Reference{
				Kind:     RefFill,
				Module:   i,
				Dest:     a.rects[i],
				Sentinel: sentinel,
			})
			continue
		}
		vf.Refs = append(vf.Refs, Reference{
			Kind:     RefData,
			Module:   i,
			File:     m.File,
			Offset:   m.Offset,
			Length:   m.Length,
			Dest:     a.rects[i],
			Rotation: a.geom.Rotation(i),
		})
	}
	return vf, nil
}

// ReadFunc resolves a data reference to the module's raw (uncompressed)
// frame bytes.
type ReadFunc func(file string, offset, length int64) ([]byte, error)

// Materialize paints the composite into a pixel buffer, resolving data
// references through read. Options.Sentinel is ignored: the recorded fill
// references already carry their values.
func (v *VirtualFrame) Materialize(read ReadFunc, opts *Options) ([]byte, error) {
	es := v.DType.Size()
	need := v.CanvasH * v.CanvasW * es
	out := opts.out()
	if out == nil {
		out = make([]byte, need)
	} else if len(out) != need {
		return nil, &ShapeMismatchError{What: "out buffer", Want: need, Got: len(out)}
	}

	frameBytes := v.FrameH * v.FrameW * es
	for _, ref := range v.Refs {
		switch ref.Kind {
		case RefFill:
			fillRect(out, ref.Dest, v.CanvasW, es, encodeElem(v.DType, ref.Sentinel))
		case RefData:
			data, err := read(ref.File, ref.Offset, ref.Length)
			if err != nil {
				return nil, fmt.Errorf("module %d: %w", ref.Module, err)
			}
			if len(data) != frameBytes {
				return nil, &ShapeMismatchError{
					What: fmt.Sprintf("module %d frame", ref.Module), Want: frameBytes, Got: len(data),
				}
			}
			if ref.Rotation == 0 {
				rowBytes := v.FrameW * es
				for y := 0; y < v.FrameH; y++ {
					dst := ((ref.Dest.Y0+y)*v.CanvasW + ref.Dest.X0) * es
					copy(out[dst:dst+rowBytes], data[y*rowBytes:])
				}
			} else {
				paintRotated(out, data, ref.Dest, ref.Rotation, v.FrameH, v.FrameW, v.CanvasW, es)
			}
		default:
			return nil, fmt.Errorf("unknown reference kind %d", ref.Kind)
		}
	}
	return out, nil
}
