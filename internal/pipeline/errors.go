package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a stage failure.
type Kind string

const (
	KindExtraction    Kind = "extraction"
	KindPlanning      Kind = "planning"
	KindGeneration    Kind = "generation"
	KindExecution     Kind = "execution"
	KindCritique      Kind = "critique"
	KindConfiguration Kind = "configuration"
)

// StageError carries which stage failed and the underlying detail. Execution
// errors are recovered locally by the error-recovery loop; everything else
// surfaces immediately and fails the run.
type StageError struct {
	Kind Kind
	Err  error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

func stageErr(kind Kind, format string, args ...any) *StageError {
	return &StageError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// ErrKind extracts the failure kind, or "" for untyped errors.
func ErrKind(err error) Kind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
