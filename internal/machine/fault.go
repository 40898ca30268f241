package machine

import (
	"errors"
	"fmt"
)

// FaultKind identifies why a run stopped abnormally.
type FaultKind int

// Fault kinds.
const (
	OutOfBoundsLeft FaultKind = iota + 1
	OutOfBoundsRight
	MaxIterationsExceeded
	IOClosed
	Cancelled
)

// Sentinel errors matched by errors.Is against a *Fault of the same kind.
var (
	ErrOutOfBoundsLeft  = errors.New("out of bounds left")
	ErrOutOfBoundsRight = errors.New("out of bounds right")
	ErrMaxIterations    = errors.New("max iterations exceeded")
	ErrIOClosed         = errors.New("io closed")
	ErrCancelled        = errors.New("cancelled")
)

var kindNames = map[FaultKind]string{
	OutOfBoundsLeft:       "out_of_bounds_left",
	OutOfBoundsRight:      "out_of_bounds_right",
	MaxIterationsExceeded: "max_iterations_exceeded",
	IOClosed:              "io_closed",
	Cancelled:             "cancelled",
}

var kindErrors = map[FaultKind]error{
	OutOfBoundsLeft:       ErrOutOfBoundsLeft,
	OutOfBoundsRight:      ErrOutOfBoundsRight,
	MaxIterationsExceeded: ErrMaxIterations,
	IOClosed:              ErrIOClosed,
	Cancelled:             ErrCancelled,
}

// String returns the snake_case name used in logs, metrics and persisted
// run records.
func (k FaultKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("fault(%d)", int(k))
}

// Fault is the terminal error of a run. No instruction executes after it.
type Fault struct {
	Kind FaultKind
	// PC is the index of the failing instruction in the compiled code.
	PC     int
	Cursor int
	// Iterations is the dispatch count at the time of the fault.
	Iterations uint64
	// Err is the underlying cause, if any (a closed pipe or a context error).
	Err error
}

func (f *Fault) Error() string {
	what := f.Kind.String()
	if sentinel, ok := kindErrors[f.Kind]; ok {
		what = sentinel.Error()
	}
	msg := fmt.Sprintf("%s at pc %d (cursor %d, iterations %d)", what, f.PC, f.Cursor, f.Iterations)
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Fault) Unwrap() error { return f.Err }

// Is reports whether target is the sentinel error for f's kind.
func (f *Fault) Is(target error) bool {
	return target != nil && kindErrors[f.Kind] == target
}

// KindOf returns the fault kind carried by err, or 0 if err is not a fault.
func KindOf(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return 0
}
