package backend

import (
	"context"

	"github.com/seantiz/anvil/internal/machine"
)

// Backend is the interface that all run-mode backends must implement.
// The batch backend runs a program against fully loaded input; the stream
// backend runs it concurrently with its input and output conduits.
type Backend interface {
	// Execute runs a program according to the given spec and returns the result.
	// The context carries deadlines and cancellation signals for timeout enforcement.
	//
	// When the program faults, the returned error is the *machine.Fault and the
	// result still carries the output written before the fault. A program that
	// does not parse yields a *program.ParseError and an empty result.
	Execute(ctx context.Context, spec RunSpec) (RunResult, error)

	// Capabilities reports which modes this backend serves.
	Capabilities() Capabilities
}

// RunSpec describes a program run to be executed by a backend.
type RunSpec struct {
	ID            string `json:"id"`
	Mode          string `json:"mode"`
	Source        string `json:"source"`
	Input         []byte `json:"input"`
	Interactive   bool   `json:"interactive"`
	Optimize      bool   `json:"optimize"`
	MaxIterations uint64 `json:"max_iterations"`

	// OutputWriter is an optional callback that backends invoke with each
	// chunk of program output as it is produced. Chunks arrive in write order.
	OutputWriter func(chunk []byte) `json:"-"`

	// InputReady is an optional callback invoked with the input conduit of an
	// interactive run once the program has started. The receiver may push
	// bytes into it and close it from any goroutine until Execute returns.
	InputReady func(in *machine.Sender) `json:"-"`

	// VetWarnings is an optional callback invoked with the optimizer warnings
	// before the program starts. A non-nil error aborts the run, and Execute
	// returns that error with an empty result.
	VetWarnings func(warnings []string) error `json:"-"`
}

// RunResult holds what a backend observed while executing a program.
type RunResult struct {
	Output     []byte   `json:"output"`
	Fault      string   `json:"fault,omitempty"`
	Iterations uint64   `json:"iterations"`
	DurationMS int      `json:"duration_ms"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	Name           string   `json:"name"`
	SupportedModes []string `json:"supported_modes"`
	Interactive    bool     `json:"interactive"`
	TapeSize       int      `json:"tape_size"`
}
