package stage

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState matches any *StateError.
	ErrInvalidState = errors.New("operation not allowed in current stage state")
	// ErrApplyFailed matches any *ApplyFailure.
	ErrApplyFailed = errors.New("apply failed")
	// ErrNoStage is returned when an operation needs a stage and none exists.
	ErrNoStage = errors.New("no active stage")
)

// StateError reports an operation attempted in a state that does not allow it.
type StateError struct {
	StageID string
	State   State
	Op      string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s stage %q in state %s", e.Op, e.StageID, e.State)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// ApplyFailure is the unrecoverable failure of the commit step. The stage
// is left Corrupted and the active directory may be partially overwritten.
type ApplyFailure struct {
	StageID    string
	StagingDir string
	Err        error
}

func (e *ApplyFailure) Error() string {
	return fmt.Sprintf(
		"apply of stage %q failed and the active directory may be partially overwritten; restore it from backup (staged copy kept at %s): %v",
		e.StageID, e.StagingDir, e.Err,
	)
}

func (e *ApplyFailure) Unwrap() []error { return []error{ErrApplyFailed, e.Err} }
