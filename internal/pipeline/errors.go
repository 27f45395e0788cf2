package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig wraps every configuration or corpus problem detected
	// before a run starts.
	ErrInvalidConfig = errors.New("pipeline: invalid configuration")

	// ErrRunActive is returned when a run is requested while another run of
	// the same Pipeline is in progress.
	ErrRunActive = errors.New("pipeline: a run is already active")

	// ErrUnknownBackend is returned when the configured embedding backend has
	// no registered factory.
	ErrUnknownBackend = errors.New("pipeline: unknown embedding backend")
)

// StageError reports a fatal failure of one pipeline stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: %s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}
