package dataflow

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned when construction arguments are
	// invalid: empty names, non-positive sizes.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrDuplicateTask is returned if the module already has the task
	// with the same name.
	ErrDuplicateTask = errors.New("duplicate task")
	// ErrUnsupported is returned if operation is not implemented by the
	// module: clone without spawner or state copier, task without codelet.
	ErrUnsupported = errors.New("unsupported operation")
	// ErrNotReplicable is returned if a non-replicable task would be
	// executed by more than one goroutine.
	ErrNotReplicable = errors.New("task is not replicable")
	// ErrProcessingAborted is returned by sources when there is no more
	// data to produce.
	ErrProcessingAborted = errors.New("processing aborted")
	// ErrDirection is returned when sockets directions can't be bound.
	ErrDirection = errors.New("direction mismatch")
	// ErrDatatype is returned when sockets datatypes are different.
	ErrDatatype = errors.New("datatype mismatch")
	// ErrSize is returned when sockets sizes are not compatible.
	ErrSize = errors.New("size mismatch")
	// ErrAlreadyBound is returned when input socket already has upstream.
	ErrAlreadyBound = errors.New("socket already bound")
	// ErrUnbound is returned when task is executed with unbound sockets.
	ErrUnbound = errors.New("socket is not bound")
	// ErrClosed is returned when a closed executor is used.
	ErrClosed = errors.New("executor is closed")
)

type (
	// BindError is returned when two sockets can't be bound.
	BindError struct {
		From string
		To   string
		Err  error
	}

	// ExecError is returned when task execution failed with an error.
	ExecError struct {
		Module string
		Task   string
		Frame  int
		Err    error
	}
)

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s to %s: %v", e.From, e.To, e.Err)
}

// Unwrap returns the reason of binding failure.
func (e *BindError) Unwrap() error {
	return e.Err
}

func (e *ExecError) Error() string {
	if e.Frame == AllFrames {
		return fmt.Sprintf("exec %s.%s: %v", e.Module, e.Task, e.Err)
	}
	return fmt.Sprintf("exec %s.%s frame %d: %v", e.Module, e.Task, e.Frame, e.Err)
}

// Unwrap returns the error returned by codelet.
func (e *ExecError) Unwrap() error {
	return e.Err
}

// IsAborted reports whether err signals the end of stream.
func IsAborted(err error) bool {
	return errors.Is(err, ErrProcessingAborted)
}
