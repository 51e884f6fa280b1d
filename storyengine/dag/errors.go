package dag

import (
	"fmt"
	"time"
)

// StageTimeoutError marks an attempt that outran its time budget.
type StageTimeoutError struct {
	StageID string
	Budget  time.Duration
}

func (e *StageTimeoutError) Error() string {
	return fmt.Sprintf("stage %s exceeded its %v budget", e.StageID, e.Budget)
}

// NewStageTimeoutError creates a StageTimeoutError.
func NewStageTimeoutError(stageID string, budget time.Duration) *StageTimeoutError {
	return &StageTimeoutError{StageID: stageID, Budget: budget}
}

// StageFailedError is the terminal error of a failed run, naming the
// stage that brought the pipeline down.
type StageFailedError struct {
	DAGID   string
	StageID string
	Cause   error
}

func (e *StageFailedError) Error() string {
	return fmt.Sprintf("adventure %s failed at stage %s: %v", e.DAGID, e.StageID, e.Cause)
}

func (e *StageFailedError) Unwrap() error { return e.Cause }

// NewStageFailedError creates a StageFailedError.
func NewStageFailedError(dagID, stageID string, cause error) *StageFailedError {
	return &StageFailedError{DAGID: dagID, StageID: stageID, Cause: cause}
}

// UnknownHandlerError marks a stage with no registered handler.
type UnknownHandlerError struct {
	StageID string
	Type    string
}

func (e *UnknownHandlerError) Error() string {
	return fmt.Sprintf("no handler registered for stage %s (type %s)", e.StageID, e.Type)
}

// NewUnknownHandlerError creates an UnknownHandlerError.
func NewUnknownHandlerError(stageID, stageType string) *UnknownHandlerError {
	return &UnknownHandlerError{StageID: stageID, Type: stageType}
}
