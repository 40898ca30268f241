package machine

import (
	"context"
)

// Run executes the program on the calling goroutine with input fully loaded
// and closed before the first instruction. It returns everything the program
// wrote. On a fault the output produced so far is returned together with the
// *Fault.
func (m *Machine) Run(ctx context.Context, input []byte) ([]byte, error) {
	inTx, inRx := NewPipe()
	if _, err := inTx.Write(input); err != nil {
		return nil, err
	}
	inTx.Close()

	outTx, outRx := NewPipe()
	runErr := m.exec(ctx, inRx, outTx)
	outTx.Close()

	// The sender is closed, so draining never blocks.
	output, _ := outRx.ReadAll(context.Background())
	return output, runErr
}

// Session is a program running on its own goroutine.
type Session struct {
	input  *Sender
	output *Receiver
	done   chan struct{}
	err    error
}

// Spawn starts the program on a new goroutine and returns immediately. The
// caller feeds bytes through Input and drains Output, concurrently with the
// run. Output delivers every byte the program wrote and then a terminal
// error: io.EOF when the program completed, the *Fault otherwise.
//
// Cancelling ctx stops the run at the next dispatch with a Cancelled fault.
// Closing Input makes the next Read fault with IOClosed.
func (m *Machine) Spawn(ctx context.Context) *Session {
	inTx, inRx := NewPipe()
	outTx, outRx := NewPipe()
	s := &Session{
		input:  inTx,
		output: outRx,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		s.err = m.exec(ctx, inRx, outTx)
		inRx.Close()
		outTx.CloseWithError(s.err)
	}()

	return s
}

// Input returns the handle for feeding program input.
func (s *Session) Input() *Sender { return s.input }

// Output returns the handle for draining program output.
func (s *Session) Output() *Receiver { return s.output }

// Done is closed when the run has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the run finishes and returns its fault, or nil when the
// program completed.
func (s *Session) Wait() error {
	<-s.done
	return s.err
}
