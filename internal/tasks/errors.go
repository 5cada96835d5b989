package tasks

import (
	"context"
	"errors"
	"fmt"

	"jobflow/internal/domain"
)

// PanicError is returned when a handler panics.
type PanicError struct {
	Task  string
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task %s panicked: %v", e.Task, e.Value)
}

// ToJobError converts an execution error into the record stored on a job.
func ToJobError(err error) *domain.JobError {
	if err == nil {
		return nil
	}
	var pe *PanicError
	switch {
	case errors.As(err, &pe):
		return &domain.JobError{Type: domain.ErrorTypePanic, Message: pe.Error(), Traceback: pe.Stack}
	case errors.Is(err, context.DeadlineExceeded):
		return &domain.JobError{Type: domain.ErrorTypeTimeout, Message: err.Error()}
	case errors.Is(err, domain.ErrTaskNotFound):
		return &domain.JobError{Type: domain.ErrorTypeNotFound, Message: err.Error()}
	}
	var je *domain.JobError
	if errors.As(err, &je) {
		cp := *je
		return &cp
	}
	return &domain.JobError{Type: domain.ErrorTypeTask, Message: err.Error()}
}
