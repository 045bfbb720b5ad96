// Package errors provides common, reusable error values and helpers.
package errors

import (
	"errors"
	"fmt"
)

// Detection errors
var (
	// ErrNoObligationsFound is the normal empty terminal state: the seed
	// participant has nothing outstanding in the requested currency.
	ErrNoObligationsFound = errors.New("no obligations found for participant")

	// ErrLimitUnavailable means the liquidity snapshot could not be taken
	// for a participant in the component. Detection aborts; no partial
	// graph is ever returned.
	ErrLimitUnavailable = errors.New("participant limit unavailable")

	ErrParticipantNotFound = errors.New("participant not found")
)

// Execution errors
var (
	// ErrSettlementAborted means the atomic commit failed or was refused.
	// No state changed; the caller must re-detect before retrying.
	ErrSettlementAborted = errors.New("settlement aborted")

	// ErrInvalidPlan is raised by the executor's defensive checks before
	// any commit is attempted. It indicates a planner bug and is fatal to
	// the run.
	ErrInvalidPlan = errors.New("invalid netting plan")

	// ErrCommitConflict is returned by commit implementations when the
	// obligation set or a balance changed since detection. The executor
	// maps it to ErrSettlementAborted.
	ErrCommitConflict = errors.New("commit conflict")

	ErrInsufficientBalance = errors.New("insufficient balance")
)

var (
	ErrObligationNotFound = errors.New("obligation not found")
	ErrPlanNotFound       = errors.New("netting plan not found")
)

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
