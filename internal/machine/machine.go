package machine

import (
	"context"
	"errors"
	"math"
	"sync/atomic"

	"github.com/seantiz/anvil/internal/program"
)

// TapeSize is the number of cells on the tape.
const TapeSize = 30000

// Unlimited is the default iteration budget.
const Unlimited uint64 = math.MaxUint64

// ErrMachineUsed is returned when a Machine is started a second time.
var ErrMachineUsed = errors.New("machine already started")

// Machine holds the state of one run: the tape, the cursor and the dispatch
// counter. A Machine runs at most once.
type Machine struct {
	code          *Code
	tape          []byte
	cursor        int
	iterations    uint64
	maxIterations uint64

	started   atomic.Bool
	cancelled atomic.Bool
}

// New compiles instrs and returns a machine that permits at most
// maxIterations instruction dispatches.
func New(instrs []program.Instruction, maxIterations uint64) *Machine {
	return NewWithCode(Compile(instrs), maxIterations)
}

// NewWithCode returns a machine for already compiled code.
func NewWithCode(code *Code, maxIterations uint64) *Machine {
	return &Machine{
		code:          code,
		tape:          make([]byte, TapeSize),
		maxIterations: maxIterations,
	}
}

// Iterations returns the number of instructions dispatched so far. It is
// only meaningful once the run has finished.
func (m *Machine) Iterations() uint64 { return m.iterations }

// Cursor returns the cursor position. It is only meaningful once the run has
// finished.
func (m *Machine) Cursor() int { return m.cursor }

// Cell returns the value of tape cell i. It is only meaningful once the run
// has finished.
func (m *Machine) Cell(i int) byte { return m.tape[i] }

func (m *Machine) fault(kind FaultKind, pc int, cause error) *Fault {
	return &Fault{Kind: kind, PC: pc, Cursor: m.cursor, Iterations: m.iterations, Err: cause}
}

// exec runs the compiled code to completion or to the first fault. Input is
// consumed from in and output is sent to out; neither is closed here.
func (m *Machine) exec(ctx context.Context, in *Receiver, out *Sender) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrMachineUsed
	}

	stop := context.AfterFunc(ctx, func() { m.cancelled.Store(true) })
	defer stop()

	ops := m.code.ops
	for pc := 0; pc < len(ops); {
		o := &ops[pc]

		if m.cancelled.Load() {
			return m.fault(Cancelled, pc, context.Cause(ctx))
		}
		// Loop re-checks are free: a loop costs one dispatch on entry and
		// its body is charged on every pass.
		if o.code != opLoopEnd {
			if m.iterations >= m.maxIterations {
				return m.fault(MaxIterationsExceeded, pc, nil)
			}
			m.iterations++
		}

		switch o.code {
		case opIncrement:
			addr, err := m.address(pc, o.arg)
			if err != nil {
				return err
			}
			m.tape[addr] += byte(o.amount)

		case opSet:
			addr, err := m.address(pc, o.arg)
			if err != nil {
				return err
			}
			m.tape[addr] = byte(o.amount)

		case opMove:
			next, ok := checkedAdd(m.cursor, o.arg)
			if !ok {
				return m.fault(OutOfBoundsRight, pc, nil)
			}
			m.cursor = next
			if m.cursor < 0 {
				return m.fault(OutOfBoundsLeft, pc, nil)
			}
			// The cursor may rest one past the last cell; any access from
			// there faults.
			if m.cursor > len(m.tape) {
				return m.fault(OutOfBoundsRight, pc, nil)
			}

		case opRead:
			addr, err := m.address(pc, 0)
			if err != nil {
				return err
			}
			b, err := in.Recv(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return m.fault(Cancelled, pc, context.Cause(ctx))
				}
				return m.fault(IOClosed, pc, err)
			}
			m.tape[addr] = b

		case opWrite:
			addr, err := m.address(pc, 0)
			if err != nil {
				return err
			}
			if err := out.Send(m.tape[addr]); err != nil {
				return m.fault(IOClosed, pc, err)
			}

		case opLoopStart:
			addr, err := m.address(pc, 0)
			if err != nil {
				return err
			}
			if m.tape[addr] == 0 {
				pc = o.arg
				continue
			}

		case opLoopEnd:
			addr, err := m.address(pc, 0)
			if err != nil {
				return err
			}
			if m.tape[addr] != 0 {
				pc = o.arg
				continue
			}

		case opMultiplyMove:
			src, err := m.address(pc, 0)
			if err != nil {
				return err
			}
			v := m.tape[src]
			if v == 0 {
				break
			}
			for _, ch := range o.changes {
				addr, err := m.address(pc, ch.Offset)
				if err != nil {
					return err
				}
				m.tape[addr] += v * byte(ch.Factor)
			}
			m.tape[src] = 0
		}
		pc++
	}
	return nil
}

// address returns cursor+offset as a tape index, faulting when it falls
// outside the tape or the addition overflows.
func (m *Machine) address(pc, offset int) (int, error) {
	addr, ok := checkedAdd(m.cursor, offset)
	if !ok {
		return 0, m.fault(OutOfBoundsRight, pc, nil)
	}
	if addr < 0 {
		return 0, m.fault(OutOfBoundsLeft, pc, nil)
	}
	if addr >= len(m.tape) {
		return 0, m.fault(OutOfBoundsRight, pc, nil)
	}
	return addr, nil
}

func checkedAdd(a, b int) (int, bool) {
	c := a + b
	if (c > a) != (b > 0) {
		return c, false
	}
	return c, true
}
