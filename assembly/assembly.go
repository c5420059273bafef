// Package assembly composes per-module detector frames into a single image
// using a geometry model, either materialized into a pixel buffer or as a
// virtual composite of byte-range references.
package assembly

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/traindex/traindex/geometry"
	"github.com/traindex/traindex/model"
)

// Options tunes a single assembly call.
type Options struct {
	// Out, when non-nil, receives the assembled image instead of a fresh
	// allocation. Its length must match the canvas exactly.
	Out []byte
	// Sentinel fills canvas pixels no module covers. When nil, float
	// element types use NaN and integer types use zero.
	Sentinel *float64
}

func (o *Options) out() []byte {
	if o == nil {
		return nil
	}
	return o.Out
}

func (o *Options) sentinel(dtype model.DType) float64 {
	if o != nil && o.Sentinel != nil {
		return *o.Sentinel
	}
	if dtype.IsFloat() {
		return math.NaN()
	}
	return 0
}

// ModuleFrame is one module's data for a single frame, aligned with the
// geometry's placement table. A nil Data marks the module as missing; its
// canvas rectangle keeps the sentinel value.
type ModuleFrame struct {
	Data []byte
}

// Assembler composes module frames of a fixed element type onto the canvas
// of a geometry model. It is stateless and safe for concurrent use.
type Assembler struct {
	geom  *geometry.Model
	dtype model.DType
	rects []geometry.Rect
}

// New builds an assembler for the given geometry and element type.
func New(geom *geometry.Model, dtype model.DType) (*Assembler, error) {
	if dtype.Size() == 0 {
		return nil, fmt.Errorf("invalid element type %d", dtype)
	}
	return &Assembler{geom: geom, dtype: dtype, rects: geom.Layout()}, nil
}

// Geometry returns the model the assembler composes onto.
func (a *Assembler) Geometry() *geometry.Model { return a.geom }

// DType returns the element type of assembled images.
func (a *Assembler) DType() model.DType { return a.dtype }

// CanvasBytes returns the size of one assembled image in bytes.
func (a *Assembler) CanvasBytes() int {
	h, w := a.geom.CanvasShape()
	return h * w * a.dtype.Size()
}

// FrameBytes returns the expected size of one module frame in bytes.
func (a *Assembler) FrameBytes() int {
	h, w := a.geom.FrameShape()
	return h * w * a.dtype.Size()
}

// AssembleFrame paints the given module frames onto the canvas and returns
// the assembled image. frames must have one entry per placed module, in
// placement order; pixels of missing modules and the inter-module gaps hold
// the sentinel value.
func (a *Assembler) AssembleFrame(frames []ModuleFrame, opts *Options) ([]byte, error) {
	if len(frames) != a.geom.NumModules() {
		return nil, &ModuleCountMismatchError{Want: a.geom.NumModules(), Got: len(frames)}
	}
	out, err := a.canvas(opts)
	if err != nil {
		return nil, err
	}

	frameBytes := a.FrameBytes()
	for i, f := range frames {
		if f.Data == nil {
			continue
		}
		if len(f.Data) != frameBytes {
			return nil, &ShapeMismatchError{
				What: fmt.Sprintf("module %d frame", i), Want: frameBytes, Got: len(f.Data),
			}
		}
		a.paint(out, i, f.Data)
	}
	return out, nil
}

// canvas prepares the output buffer, sentinel-filled.
func (a *Assembler) canvas(opts *Options) ([]byte, error) {
	need := a.CanvasBytes()
	out := opts.out()
	if out == nil {
		out = make([]byte, need)
	} else if len(out) != need {
		return nil, &ShapeMismatchError{What: "out buffer", Want: need, Got: len(out)}
	}
	fillPattern(out, encodeElem(a.dtype, opts.sentinel(a.dtype)))
	return out, nil
}

// paint copies one module frame into its canvas rectangle.
func (a *Assembler) paint(out []byte, module int, data []byte) {
	fh, fw := a.geom.FrameShape()
	_, cw := a.geom.CanvasShape()
	es := a.dtype.Size()
	r := a.rects[module]

	if a.geom.Rotation(module) == 0 {
		rowBytes := fw * es
		for y := 0; y < fh; y++ {
			dst := ((r.Y0+y)*cw + r.X0) * es
			copy(out[dst:dst+rowBytes], data[y*rowBytes:])
		}
		return
	}
	paintRotated(out, data, r, a.geom.Rotation(module), fh, fw, cw, es)
}

// paintRotated copies pixel by pixel through the shared rotation mapping.
func paintRotated(out, data []byte, r geometry.Rect, rot, fh, fw, cw, es int) {
	for py := 0; py < fh; py++ {
		for px := 0; px < fw; px++ {
			ry, rx := geometry.MapRotated(rot, fh, fw, py, px)
			dst := ((r.Y0+ry)*cw + r.X0 + rx) * es
			src := (py*fw + px) * es
			copy(out[dst:dst+es], data[src:src+es])
		}
	}
}

// fillRect writes the pattern across a canvas rectangle.
func fillRect(out []byte, r geometry.Rect, cw, es int, pat []byte) {
	rowBytes := r.W() * es
	for y := r.Y0; y < r.Y1; y++ {
		start := (y*cw + r.X0) * es
		fillPattern(out[start:start+rowBytes], pat)
	}
}

// fillPattern tiles pat across dst, doubling the copied span.
func fillPattern(dst, pat []byte) {
	if len(dst) == 0 {
		return
	}
	n := copy(dst, pat)
	for n < len(dst) {
		n += copy(dst[n:], dst[:n])
	}
}

// encodeElem returns the little-endian encoding of one element.
func encodeElem(d model.DType, v float64) []byte {
	b := make([]byte, d.Size())
	switch d {
	case model.DTypeUint8, model.DTypeInt8:
		b[0] = byte(int64(v))
	case model.DTypeUint16, model.DTypeInt16:
		binary.LittleEndian.PutUint16(b, uint16(int64(v)))
	case model.DTypeUint32, model.DTypeInt32:
		binary.LittleEndian.PutUint32(b, uint32(int64(v)))
	case model.DTypeUint64, model.DTypeInt64:
		binary.LittleEndian.PutUint64(b, uint64(int64(v)))
	case model.DTypeFloat32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case model.DTypeFloat64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
	return b
}
