package shared

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateID       = errors.New("duplicate id")
	ErrTerminalState     = errors.New("job is in a terminal state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInconsistentState = errors.New("inconsistent job state")
	// ErrAlreadyActive is returned when a job already has an execution in this process
	ErrAlreadyActive = errors.New("job already has an active execution")
)

// ValidationError rejects malformed input before a job is created
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// EngineError is a failure reported by the external media engine. Error returns the
// engine message verbatim since it ends up in the job record.
type EngineError struct {
	Message  string
	ExitCode int
}

func (e *EngineError) Error() string { return e.Message }

// DispatchError means the backend queue did not acknowledge a job after all attempts
type DispatchError struct {
	JobID    string
	Attempts int
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch of job %s failed after %d attempts: %v", e.JobID, e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// NotReadyError is returned by result retrieval while a job has not completed
type NotReadyError struct {
	Status   JobStatus
	Progress int
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("video not ready yet (status=%s progress=%d)", e.Status, e.Progress)
}

func jobNotFound(id string) error {
	return fmt.Errorf("job with ID %s: %w", id, ErrNotFound)
}

func videoNotFound(id string) error {
	return fmt.Errorf("video with ID %s: %w", id, ErrNotFound)
}

func jobExists(id string) error {
	return fmt.Errorf("job with ID %s already exists: %w", id, ErrDuplicateID)
}

func videoExists(id string) error {
	return fmt.Errorf("video with ID %s already exists: %w", id, ErrDuplicateID)
}

func rejectedPatch(id string, from JobStatus, err error) error {
	return fmt.Errorf("job %s (status %s): %w", id, from, err)
}
