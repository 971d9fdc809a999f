package pipeline

import (
	"errors"
	"fmt"
)

// ErrUnknownUnit is returned by operators that receive a unit kind outside
// the closed set they switch over. It always indicates a programming error
// upstream, never bad input data.
var ErrUnknownUnit = errors.New("pipeline: unknown unit kind")

// ProcessError is a fatal pipeline failure. It names the operator that
// failed and the sequence index of the input unit being processed so one
// broken stream can be diagnosed without affecting siblings.
type ProcessError struct {
	Op  string
	Seq uint64
	Err error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("pipeline: operator %s: unit %d: %v", e.Op, e.Seq, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}
