package lock

import (
	"errors"
	"fmt"
)

// ErrNotOwner matches any *OwnershipError via errors.Is.
var ErrNotOwner = errors.New("stage ownership check failed")

// OwnershipError reports that the caller does not hold the ownership lock.
// HolderID is empty when no stage holds it.
type OwnershipError struct {
	StageID  string
	HolderID string
	Reason   string
}

func (e *OwnershipError) Error() string {
	msg := ErrNotOwner.Error()
	if e.StageID != "" {
		msg += fmt.Sprintf(" for stage %q", e.StageID)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.HolderID != "" {
		msg += fmt.Sprintf(" (held by stage %q)", e.HolderID)
	}
	return msg
}

func (e *OwnershipError) Unwrap() error { return ErrNotOwner }
