package traindex

import (
	"errors"
	"fmt"
	"os"

	"github.com/traindex/traindex/assembly"
	"github.com/traindex/traindex/blobstore"
	"github.com/traindex/traindex/exdf"
	"github.com/traindex/traindex/geometry"
	"github.com/traindex/traindex/runindex"
	"github.com/traindex/traindex/view"
)

// Sentinel errors. Callers match them with errors.Is; the typed errors of
// the subpackages (runindex.InconsistencyError, assembly.ShapeMismatchError,
// geometry.OverlapError) stay reachable through errors.As for the details.
var (
	// ErrCorruptFile indicates a run file whose structure cannot be
	// trusted: bad magic, failed checksum, truncated section.
	ErrCorruptFile = exdf.ErrCorruptFile

	// ErrUnsupportedFormatVersion indicates a run file written by a newer
	// format revision.
	ErrUnsupportedFormatVersion = exdf.ErrUnsupportedVersion

	// ErrPermissionDenied indicates a run file the process may not read.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInconsistentIndex indicates run files that contradict each other
	// about a dataset.
	ErrInconsistentIndex = runindex.ErrInconsistentIndex

	// ErrNoSuchSource indicates a source name absent from the run.
	ErrNoSuchSource = runindex.ErrNoSuchSource

	// ErrNoSuchKey indicates a key absent from a known source.
	ErrNoSuchKey = runindex.ErrNoSuchKey

	// ErrNoSuchTrain indicates a train the dataset has no data for.
	ErrNoSuchTrain = runindex.ErrNoSuchTrain

	// ErrFileUnavailable indicates a run file that exists in the index but
	// cannot currently be read.
	ErrFileUnavailable = runindex.ErrFileUnavailable

	// ErrIncompatibleRunIndex indicates views over different runs combined
	// into one.
	ErrIncompatibleRunIndex = view.ErrIncompatibleRunIndex

	// ErrOverlappingModules indicates a geometry whose modules collide.
	ErrOverlappingModules = geometry.ErrOverlappingModules

	// ErrModuleCountMismatch indicates assembly input that does not match
	// the geometry's placement table.
	ErrModuleCountMismatch = assembly.ErrModuleCountMismatch

	// ErrShapeMismatch indicates a buffer of the wrong size for its role.
	ErrShapeMismatch = assembly.ErrShapeMismatch
)

// translateError normalizes errors crossing the facade: OS-level causes get
// folded into the documented sentinels, everything else passes through.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	if errors.Is(err, blobstore.ErrNotFound) && !errors.Is(err, ErrFileUnavailable) {
		return fmt.Errorf("%w: %w", ErrFileUnavailable, err)
	}
	return err
}
