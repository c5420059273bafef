package runindex

import (
	"errors"
	"fmt"

	"github.com/traindex/traindex/model"
)

var (
	// ErrNoSuchSource is returned when a source never exists in the run.
	ErrNoSuchSource = errors.New("no such source")
	// ErrNoSuchKey is returned when a key never exists for a source in the
	// run.
	ErrNoSuchKey = errors.New("no such key")
	// ErrNoSuchTrain is returned when an otherwise-valid dataset has no
	// entry for the requested train. This is normal for sparse data, not a
	// structural problem.
	ErrNoSuchTrain = errors.New("no such train")
	// ErrInconsistentIndex is returned when two files define conflicting
	// per-train record counts (or shapes) for the same dataset. It
	// indicates a data contract violation and is always fatal to the merge.
	ErrInconsistentIndex = errors.New("inconsistent index")
	// ErrFileUnavailable is returned when a file cannot be opened within
	// the configured timeout. Lenient merges exclude the file; strict
	// merges fail.
	ErrFileUnavailable = errors.New("file unavailable")
)

// InconsistencyError names the files that disagree about a dataset.
//
// errors.Is(err, ErrInconsistentIndex) matches it.
type InconsistencyError struct {
	SourceKey model.SourceKey
	Train     model.TrainID
	FileA     string
	FileB     string
	Detail    string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("inconsistent index for %s at train %d: %s vs %s: %s",
		e.SourceKey, e.Train, e.FileA, e.FileB, e.Detail)
}

func (e *InconsistencyError) Unwrap() error { return ErrInconsistentIndex }

// UnavailableError wraps the cause of a file open failure.
//
// errors.Is(err, ErrFileUnavailable) matches it, and so does a match
// against the cause (e.g. context.DeadlineExceeded).
type UnavailableError struct {
	Path  string
	Cause error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("file unavailable: %s: %v", e.Path, e.Cause)
}

func (e *UnavailableError) Unwrap() []error { return []error{ErrFileUnavailable, e.Cause} }
