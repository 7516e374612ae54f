package domain

import "errors"

// Task errors
var (
	ErrTaskNotFound     = errors.New("task: not found")
	ErrTaskInvalidInput = errors.New("task: invalid input")
	ErrTaskConflict     = errors.New("task: concurrent modification")
	ErrPersistence      = errors.New("task: persistence failure")
)

// ErrStepNotFound matches ErrTaskNotFound under errors.Is so callers can treat
// a missing step exactly like a missing task.
var ErrStepNotFound = stepNotFound{}

type stepNotFound struct{}

func (stepNotFound) Error() string { return "task: step not found" }

func (stepNotFound) Is(target error) bool { return target == ErrTaskNotFound }
