// Package geometry models per-module physical placement of a segmented
// detector and computes the pixel-space layout used for image assembly.
//
// Internally all lengths are metres, whatever unit the geometry file uses.
// Module placement is snapped to whole pixels with floor division, the
// canvas gets a fixed pixel margin, and the physical origin maps to the
// canvas centre offset; a model whose snapped module rectangles overlap is
// rejected at construction, so assembly itself is guaranteed overlap-free.
package geometry

import (
	"errors"
	"fmt"
	"math"
)

// Margin is the pixel border added around the assembled canvas.
const Margin = 20

// ErrOverlappingModules indicates two modules whose projected pixel
// rectangles collide. This is a configuration error, reported at model
// construction time.
var ErrOverlappingModules = errors.New("overlapping modules")

// OverlapError names the colliding module pair.
//
// errors.Is(err, ErrOverlappingModules) matches it.
type OverlapError struct {
	ModuleA int
	ModuleB int
	RectA   Rect
	RectB   Rect
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("overlapping modules %d %v and %d %v",
		e.ModuleA, e.RectA, e.ModuleB, e.RectB)
}

func (e *OverlapError) Unwrap() error { return ErrOverlappingModules }

// Rect is a half-open pixel rectangle on the assembled canvas:
// rows [Y0, Y1), columns [X0, X1).
type Rect struct {
	Y0, X0, Y1, X1 int
}

func (r Rect) H() int { return r.Y1 - r.Y0 }
func (r Rect) W() int { return r.X1 - r.X0 }

// Intersects reports whether two rectangles share any pixel.
func (r Rect) Intersects(o Rect) bool {
	return r.X0 < o.X1 && o.X0 < r.X1 && r.Y0 < o.Y1 && o.Y0 < r.Y1
}

func (r Rect) String() string {
	return fmt.Sprintf("[%d:%d, %d:%d]", r.Y0, r.Y1, r.X0, r.X1)
}

// ModulePlacement positions one module's pixel grid in physical space.
type ModulePlacement struct {
	// Module is the module index; it must match the position of the
	// module's source in the assembled view.
	Module int `yaml:"module"`
	// Offset is the physical position (x, y) of the module origin, in the
	// geometry file's unit (metres internally).
	Offset [2]float64 `yaml:"offset"`
	// Rotation is the in-plane rotation in degrees, counter-clockwise,
	// restricted to quarter turns.
	Rotation int `yaml:"rotation"`
}

// Model is an immutable placement table plus its precomputed canvas layout.
type Model struct {
	pitch   float64
	frameH  int
	frameW  int
	modules []ModulePlacement
	rects   []Rect
	canvasH int
	canvasW int
	centreX int
	centreY int
}

// NewModel builds and validates a geometry. frameH and frameW are the
// per-module pixel grid (slow scan, fast scan); pitch is the pixel pitch in
// metres; placements must already be in metres.
func NewModel(frameH, frameW int, pitch float64, placements []ModulePlacement) (*Model, error) {
	if frameH <= 0 || frameW <= 0 {
		return nil, fmt.Errorf("invalid module frame %dx%d", frameH, frameW)
	}
	if pitch <= 0 {
		return nil, fmt.Errorf("invalid pixel pitch %g", pitch)
	}
	m := &Model{
		pitch:   pitch,
		frameH:  frameH,
		frameW:  frameW,
		modules: append([]ModulePlacement(nil), placements...),
	}

	// Snap each module to whole pixels; floor division keeps placement
	// consistent for negative offsets.
	raw := make([]Rect, len(placements))
	minX, minY := 0, 0
	maxX, maxY := 0, 0
	for i, p := range m.modules {
		if p.Rotation%90 != 0 {
			return nil, fmt.Errorf("module %d: rotation %d is not a quarter turn", p.Module, p.Rotation)
		}
		h, w := m.rotatedFrame(p.Rotation)
		x0 := int(math.Floor(p.Offset[0] / pitch))
		y0 := int(math.Floor(p.Offset[1] / pitch))
		raw[i] = Rect{Y0: y0, X0: x0, Y1: y0 + h, X1: x0 + w}
		minX = min(minX, x0)
		minY = min(minY, y0)
		maxX = max(maxX, x0+w)
		maxY = max(maxY, y0+h)
	}

	m.centreX = -minX + Margin
	m.centreY = -minY + Margin
	m.canvasW = maxX - minX + 2*Margin
	m.canvasH = maxY - minY + 2*Margin

	m.rects = make([]Rect, len(raw))
	for i, r := range raw {
		m.rects[i] = Rect{
			Y0: r.Y0 + m.centreY, X0: r.X0 + m.centreX,
			Y1: r.Y1 + m.centreY, X1: r.X1 + m.centreX,
		}
	}

	for i := range m.rects {
		for j := i + 1; j < len(m.rects); j++ {
			if m.rects[i].Intersects(m.rects[j]) {
				return nil, &OverlapError{
					ModuleA: m.modules[i].Module, RectA: m.rects[i],
					ModuleB: m.modules[j].Module, RectB: m.rects[j],
				}
			}
		}
	}
	return m, nil
}

// NumModules returns the number of placed modules.
func (m *Model) NumModules() int { return len(m.modules) }

// Modules returns a copy of the placement table, in order.
func (m *Model) Modules() []ModulePlacement {
	return append([]ModulePlacement(nil), m.modules...)
}

// FrameShape returns the per-module pixel grid (slow scan, fast scan).
func (m *Model) FrameShape() (h, w int) { return m.frameH, m.frameW }

// PixelPitch returns the pixel pitch in metres.
func (m *Model) PixelPitch() float64 { return m.pitch }

// CanvasShape returns the assembled canvas size in pixels (rows, columns).
func (m *Model) CanvasShape() (h, w int) { return m.canvasH, m.canvasW }

// Centre returns the canvas pixel coordinates (x, y) of the physical origin.
func (m *Model) Centre() (x, y int) { return m.centreX, m.centreY }

// Layout returns each module's destination rectangle on the canvas, in
// placement order. Rectangles never overlap.
func (m *Model) Layout() []Rect {
	return append([]Rect(nil), m.rects...)
}

// Position returns the physical (x, y) coordinates, in metres, of pixel
// (py, px) of the given placement-table position.
func (m *Model) Position(module, py, px int) (x, y float64, err error) {
	if module < 0 || module >= len(m.modules) {
		return 0, 0, fmt.Errorf("module position %d out of range", module)
	}
	if py < 0 || py >= m.frameH || px < 0 || px >= m.frameW {
		return 0, 0, fmt.Errorf("pixel (%d, %d) outside %dx%d module frame", py, px, m.frameH, m.frameW)
	}
	p := m.modules[module]
	lx := float64(px) * m.pitch
	ly := float64(py) * m.pitch
	rx, ry := rotate(lx, ly, p.Rotation)
	return p.Offset[0] + rx, p.Offset[1] + ry, nil
}

// MapPixel maps module-local pixel (py, px) to its offset (ry, rx) inside
// the module's canvas rectangle, applying the module's rotation. Assembly
// and virtual-composite consumers share this mapping.
func (m *Model) MapPixel(module, py, px int) (ry, rx int) {
	return MapRotated(m.modules[module].Rotation, m.frameH, m.frameW, py, px)
}

// MapRotated maps pixel (py, px) of an h by w grid to its position inside
// the grid's footprint after a counter-clockwise quarter-turn rotation.
func MapRotated(rotation, h, w, py, px int) (ry, rx int) {
	switch normRot(rotation) {
	case 90:
		return w - 1 - px, py
	case 180:
		return h - 1 - py, w - 1 - px
	case 270:
		return px, h - 1 - py
	}
	return py, px
}

// Rotation returns the normalized rotation of a placement-table position.
func (m *Model) Rotation(module int) int {
	return normRot(m.modules[module].Rotation)
}

// rotatedFrame returns the module's canvas footprint (h, w) after rotation.
func (m *Model) rotatedFrame(rotation int) (h, w int) {
	if r := normRot(rotation); r == 90 || r == 270 {
		return m.frameW, m.frameH
	}
	return m.frameH, m.frameW
}

func normRot(r int) int {
	r %= 360
	if r < 0 {
		r += 360
	}
	return r
}

// rotate rotates the vector (x, y) counter-clockwise by a quarter-turn
// multiple.
func rotate(x, y float64, rotation int) (float64, float64) {
	switch normRot(rotation) {
	case 90:
		return -y, x
	case 180:
		return -x, -y
	case 270:
		return y, -x
	}
	return x, y
}
