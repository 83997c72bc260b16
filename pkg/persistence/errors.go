// Package persistence provides standardized error types for storage
// operations.
package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrCampaignNotFound indicates no campaign exists for the given id.
	ErrCampaignNotFound = errors.New("campaign not found")

	// ErrRunNotFound indicates no run exists for the given id.
	ErrRunNotFound = errors.New("run not found")

	// ErrTaskNotFound indicates no deferred task exists for the given id.
	ErrTaskNotFound = errors.New("deferred task not found")

	// ErrStaleRun indicates a conditional advance found the run past the
	// expected node. The caller must treat the work as already applied.
	ErrStaleRun = errors.New("run advanced by another writer")
)

// RunError wraps run-related storage errors with operation context.
type RunError struct {
	Op    string
	RunID string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s failed for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// NewRunError creates a run error with context.
func NewRunError(op, runID string, err error) *RunError {
	return &RunError{Op: op, RunID: runID, Err: err}
}

// IsCampaignNotFound checks if an error indicates a missing campaign.
func IsCampaignNotFound(err error) bool {
	return errors.Is(err, ErrCampaignNotFound)
}

// IsRunNotFound checks if an error indicates a missing run.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

// IsStaleRun checks if an error indicates a lost conditional advance.
func IsStaleRun(err error) bool {
	return errors.Is(err, ErrStaleRun)
}
