package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrTaskNotFound = errors.New("task not found")
	ErrInvalidState = errors.New("invalid job state")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrStorage      = errors.New("storage failure")
	// ErrStale marks a conditional write that lost to a concurrent one. It
	// always comes wrapped together with ErrConflict.
	ErrStale = errors.New("modified concurrently")
)

// Error type names recorded on JobError.Type.
const (
	ErrorTypeStall    = "StallError"
	ErrorTypeTimeout  = "TimeoutError"
	ErrorTypeNotFound = "TaskNotFoundError"
	ErrorTypePanic    = "PanicError"
	ErrorTypeTask     = "TaskError"
)

// ValidationError reports malformed input to a constructor or manager call.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return "validation: " + e.Field + ": " + e.Message
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// InvalidStateError is returned by an illegal job transition.
type InvalidStateError struct {
	JobID string
	From  Status
	Op    string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("job %s: cannot %s from status %s", e.JobID, e.Op, e.From)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// StorageError wraps a repository I/O failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage: " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// WrapStorage wraps err as a StorageError unless it is nil or already a
// domain error the caller should see unchanged.
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidState) || errors.Is(err, ErrValidation) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// TaskNotFound returns ErrTaskNotFound annotated with the task name.
func TaskNotFound(name string) error {
	return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
}

// StaleTransition reports a conditional job write that lost a race: the
// stored job has moved on from status from.
func StaleTransition(id string, from Status) error {
	return fmt.Errorf("%w: %w: job %s is no longer %s", ErrConflict, ErrStale, id, from)
}

// StaleSchedule reports a schedule write based on an outdated read.
func StaleSchedule(id string) error {
	return fmt.Errorf("%w: %w: schedule %s", ErrConflict, ErrStale, id)
}

// NewStallError builds the synthetic failure attached by stall detection.
func NewStallError(timeout time.Duration, startedAt *time.Time) *JobError {
	msg := fmt.Sprintf("job exceeded stall timeout of %s while running", timeout)
	if startedAt != nil {
		msg += fmt.Sprintf(" (started at %s)", startedAt.UTC().Format(time.RFC3339))
	}
	return &JobError{Type: ErrorTypeStall, Message: msg}
}
