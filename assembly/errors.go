package assembly

import (
	"errors"
	"fmt"
)

// ErrModuleCountMismatch indicates that the number of module frames handed
// to the assembler does not match the geometry's placement table.
var ErrModuleCountMismatch = errors.New("module count mismatch")

// ErrShapeMismatch indicates a byte buffer whose size does not match what
// the geometry and element type require.
var ErrShapeMismatch = errors.New("shape mismatch")

// ModuleCountMismatchError carries the expected and actual module counts.
type ModuleCountMismatchError struct {
	Want int
	Got  int
}

func (e *ModuleCountMismatchError) Error() string {
	return fmt.Sprintf("module count mismatch: geometry places %d modules, got %d", e.Want, e.Got)
}

func (e *ModuleCountMismatchError) Unwrap() error { return ErrModuleCountMismatch }

// ShapeMismatchError names the offending buffer and its expected size.
type ShapeMismatchError struct {
	What string
	Want int
	Got  int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch: %s is %d bytes, want %d", e.What, e.Got, e.Want)
}

func (e *ShapeMismatchError) Unwrap() error { return ErrShapeMismatch }
