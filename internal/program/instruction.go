package program

// Instruction is a single node of a parsed program. The set of variants is
// closed: only the types declared in this file implement it.
//
// Instructions are immutable once produced by Parse or Optimize and may be
// shared between any number of concurrent runs.
type Instruction interface {
	isInstruction()
}

// Increment adds Amount to the cell at cursor+Offset, wrapping modulo 256.
type Increment struct {
	Amount int8
	Offset int
}

// PointerIncrement moves the cursor by Amount cells.
type PointerIncrement struct {
	Amount int
}

// Read consumes one input byte into the cell at the cursor.
type Read struct{}

// Write emits the cell at the cursor.
type Write struct{}

// Loop repeats Body while the cell at the cursor is nonzero.
type Loop struct {
	Body []Instruction
}

// Set assigns Amount to the cell at cursor+Offset.
type Set struct {
	Amount int8
	Offset int
}

// Change is one (offset, factor) pair of a MultiplyMove.
type Change struct {
	Offset int
	Factor int8
}

// MultiplyMove adds cell*Factor to each cell at cursor+Offset, in order, and
// then zeroes the cell at the cursor. It does nothing when the cell is zero.
type MultiplyMove struct {
	Changes []Change
}

func (Increment) isInstruction()        {}
func (PointerIncrement) isInstruction() {}
func (Read) isInstruction()             {}
func (Write) isInstruction()            {}
func (Loop) isInstruction()             {}
func (Set) isInstruction()              {}
func (MultiplyMove) isInstruction()     {}

// Count returns the number of instructions in instrs, including every
// instruction nested inside loop bodies.
func Count(instrs []Instruction) int {
	n := 0
	for _, in := range instrs {
		n++
		if l, ok := in.(Loop); ok {
			n += Count(l.Body)
		}
	}
	return n
}
