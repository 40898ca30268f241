package machine

import (
	"fmt"

	"github.com/seantiz/anvil/internal/program"
)

type opcode uint8

const (
	opIncrement opcode = iota
	opSet
	opMove
	opRead
	opWrite
	// opLoopStart skips to arg when the current cell is zero.
	opLoopStart
	// opLoopEnd jumps back to arg when the current cell is nonzero. It never
	// counts against the iteration budget.
	opLoopEnd
	opMultiplyMove
)

var opNames = [...]string{
	opIncrement:    "increment",
	opSet:          "set",
	opMove:         "move",
	opRead:         "read",
	opWrite:        "write",
	opLoopStart:    "loop_start",
	opLoopEnd:      "loop_end",
	opMultiplyMove: "multiply_move",
}

func (c opcode) String() string {
	if int(c) < len(opNames) {
		return opNames[c]
	}
	return fmt.Sprintf("opcode(%d)", c)
}

type op struct {
	code   opcode
	amount int8
	// arg is the cell offset for increment and set, the distance for move,
	// and the jump target for loop start and end.
	arg     int
	changes []program.Change
}

// Code is a program flattened into a linear instruction list with explicit
// loop jump targets. It is immutable and safe to share between machines.
type Code struct {
	ops []op
}

// Compile flattens instrs into Code.
func Compile(instrs []program.Instruction) *Code {
	c := &Code{ops: make([]op, 0, program.Count(instrs))}
	c.emit(instrs)
	return c
}

// Len returns the number of compiled operations, loop ends included.
func (c *Code) Len() int { return len(c.ops) }

func (c *Code) emit(instrs []program.Instruction) {
	for _, in := range instrs {
		switch x := in.(type) {
		case program.Increment:
			c.ops = append(c.ops, op{code: opIncrement, amount: x.Amount, arg: x.Offset})
		case program.Set:
			c.ops = append(c.ops, op{code: opSet, amount: x.Amount, arg: x.Offset})
		case program.PointerIncrement:
			c.ops = append(c.ops, op{code: opMove, arg: x.Amount})
		case program.Read:
			c.ops = append(c.ops, op{code: opRead})
		case program.Write:
			c.ops = append(c.ops, op{code: opWrite})
		case program.MultiplyMove:
			c.ops = append(c.ops, op{code: opMultiplyMove, changes: x.Changes})
		case program.Loop:
			start := len(c.ops)
			c.ops = append(c.ops, op{code: opLoopStart})
			c.emit(x.Body)
			end := len(c.ops)
			c.ops = append(c.ops, op{code: opLoopEnd, arg: start + 1})
			c.ops[start].arg = end + 1
		default:
			panic(fmt.Sprintf("machine: unknown instruction %T", in))
		}
	}
}
