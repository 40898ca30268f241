package program

import "fmt"

// Flags selects which optimization passes Optimize applies.
type Flags uint8

const (
	// Combine merges adjacent increments and pointer moves and drops no-ops.
	Combine Flags = 1 << iota
	// ClearLoops rewrites zeroing loops such as [-] into Set.
	ClearLoops
	// Offsets folds pointer moves into the offsets of the surrounding
	// increments and sets.
	Offsets
	// MultiplyMoves rewrites balanced distribution loops into MultiplyMove.
	MultiplyMoves
	// DeadLoops removes loops that can never be entered.
	DeadLoops

	// AllFlags enables every pass.
	AllFlags = Combine | ClearLoops | Offsets | MultiplyMoves | DeadLoops
)

// WarningKind classifies an optimizer warning.
type WarningKind int

const (
	// WarnInfiniteLoop marks a loop with an empty body, which never
	// terminates once entered.
	WarnInfiniteLoop WarningKind = iota + 1
	// WarnDeadLoop marks a loop that was removed because its cell is
	// always zero on entry.
	WarnDeadLoop
)

func (k WarningKind) String() string {
	switch k {
	case WarnInfiniteLoop:
		return "infinite_loop"
	case WarnDeadLoop:
		return "dead_loop"
	default:
		return "unknown"
	}
}

// Warning is a diagnostic produced while optimizing. Depth is the loop
// nesting depth of the offending loop, 0 for the top level.
type Warning struct {
	Kind  WarningKind
	Depth int
}

func (w Warning) String() string {
	switch w.Kind {
	case WarnInfiniteLoop:
		return fmt.Sprintf("loop at depth %d has an empty body and never terminates once entered", w.Depth)
	case WarnDeadLoop:
		return fmt.Sprintf("loop at depth %d is never entered and was removed", w.Depth)
	default:
		return fmt.Sprintf("warning %d at depth %d", w.Kind, w.Depth)
	}
}

// Optimize rewrites instrs into an equivalent, faster sequence. For every
// input the result produces byte-identical output to instrs. The input slice
// is not modified.
func Optimize(instrs []Instruction, flags Flags) ([]Instruction, []Warning) {
	o := &optimizer{flags: flags}
	out := o.body(instrs, 0)
	if flags&DeadLoops != 0 {
		out = o.removeLeadingLoops(out)
	}
	o.checkInfinite(out, 0)
	return out, o.warnings
}

type optimizer struct {
	flags    Flags
	warnings []Warning
}

func (o *optimizer) body(instrs []Instruction, depth int) []Instruction {
	out := make([]Instruction, 0, len(instrs))
	for _, in := range instrs {
		if l, ok := in.(Loop); ok {
			in = Loop{Body: o.body(l.Body, depth+1)}
		}
		out = append(out, in)
	}

	if o.flags&Combine != 0 {
		out = combine(out)
	}
	if o.flags&ClearLoops != 0 {
		out = clearLoops(out)
	}
	if o.flags&MultiplyMoves != 0 {
		out = multiplyMoves(out)
	}
	if o.flags&Offsets != 0 {
		out = sinkOffsets(out)
	}
	if o.flags&Combine != 0 {
		out = combine(out)
	}
	if o.flags&DeadLoops != 0 {
		out = o.removeDeadLoops(out, depth)
	}
	return out
}

// combine merges neighbouring instructions that touch the same cell or both
// move the pointer.
func combine(instrs []Instruction) []Instruction {
	out := make([]Instruction, 0, len(instrs))
	for _, in := range instrs {
		if len(out) > 0 {
			if merged, ok := merge(out[len(out)-1], in); ok {
				out = out[:len(out)-1]
				if merged != nil {
					out = append(out, merged)
				}
				continue
			}
		}
		if isNoop(in) {
			continue
		}
		out = append(out, in)
	}
	return out
}

// merge folds b into a. A nil result with ok set means both cancel out.
func merge(a, b Instruction) (Instruction, bool) {
	switch x := a.(type) {
	case Increment:
		switch y := b.(type) {
		case Increment:
			if x.Offset == y.Offset {
				return nonzero(Increment{Amount: x.Amount + y.Amount, Offset: x.Offset}), true
			}
		case Set:
			if x.Offset == y.Offset {
				return y, true
			}
		}
	case Set:
		switch y := b.(type) {
		case Increment:
			if x.Offset == y.Offset {
				return Set{Amount: x.Amount + y.Amount, Offset: x.Offset}, true
			}
		case Set:
			if x.Offset == y.Offset {
				return y, true
			}
		}
	case PointerIncrement:
		if y, ok := b.(PointerIncrement); ok {
			return nonzero(PointerIncrement{Amount: x.Amount + y.Amount}), true
		}
	}
	return nil, false
}

func nonzero(in Instruction) Instruction {
	if isNoop(in) {
		return nil
	}
	return in
}

func isNoop(in Instruction) bool {
	switch x := in.(type) {
	case Increment:
		return x.Amount == 0
	case PointerIncrement:
		return x.Amount == 0
	}
	return false
}

// clearLoops turns a loop whose body adds an odd amount to the current cell
// into Set{0}. Odd deltas are invertible modulo 256, so the loop always
// reaches zero.
func clearLoops(instrs []Instruction) []Instruction {
	out := make([]Instruction, 0, len(instrs))
	for _, in := range instrs {
		if l, ok := in.(Loop); ok && len(l.Body) == 1 {
			switch b := l.Body[0].(type) {
			case Increment:
				if b.Offset == 0 && b.Amount%2 != 0 {
					in = Set{}
				}
			case Set:
				if b.Offset == 0 && b.Amount == 0 {
					in = Set{}
				}
			}
		}
		out = append(out, in)
	}
	return out
}

// multiplyMoves rewrites loops that only adjust cells and return the pointer
// to where it started, decrementing the source cell by exactly one per pass.
func multiplyMoves(instrs []Instruction) []Instruction {
	out := make([]Instruction, 0, len(instrs))
	for _, in := range instrs {
		if l, ok := in.(Loop); ok {
			if mm, ok := asMultiplyMove(l.Body); ok {
				in = mm
			}
		}
		out = append(out, in)
	}
	return out
}

func asMultiplyMove(body []Instruction) (MultiplyMove, bool) {
	var (
		cursor int
		order  []int
		deltas = make(map[int]int8)
	)
	for _, in := range body {
		switch x := in.(type) {
		case Increment:
			target := cursor + x.Offset
			if _, seen := deltas[target]; !seen {
				order = append(order, target)
			}
			deltas[target] += x.Amount
		case PointerIncrement:
			cursor += x.Amount
		default:
			return MultiplyMove{}, false
		}
	}
	if cursor != 0 || deltas[0] != -1 {
		return MultiplyMove{}, false
	}

	changes := make([]Change, 0, len(order))
	for _, off := range order {
		if off == 0 || deltas[off] == 0 {
			continue
		}
		changes = append(changes, Change{Offset: off, Factor: deltas[off]})
	}
	return MultiplyMove{Changes: changes}, true
}

// sinkOffsets rewrites each straight-line run of Increment, Set and
// PointerIncrement so that pointer motion is carried by offsets and a single
// trailing PointerIncrement.
func sinkOffsets(instrs []Instruction) []Instruction {
	out := make([]Instruction, 0, len(instrs))
	cursor := 0
	flush := func() {
		if cursor != 0 {
			out = append(out, PointerIncrement{Amount: cursor})
			cursor = 0
		}
	}
	for _, in := range instrs {
		switch x := in.(type) {
		case Increment:
			out = append(out, Increment{Amount: x.Amount, Offset: x.Offset + cursor})
		case Set:
			out = append(out, Set{Amount: x.Amount, Offset: x.Offset + cursor})
		case PointerIncrement:
			cursor += x.Amount
		default:
			flush()
			out = append(out, in)
		}
	}
	flush()
	return out
}

// removeDeadLoops drops loops that directly follow an instruction which
// leaves the current cell at zero.
func (o *optimizer) removeDeadLoops(instrs []Instruction, depth int) []Instruction {
	out := make([]Instruction, 0, len(instrs))
	for _, in := range instrs {
		if _, ok := in.(Loop); ok && len(out) > 0 && leavesZero(out[len(out)-1]) {
			o.warnings = append(o.warnings, Warning{Kind: WarnDeadLoop, Depth: depth})
			continue
		}
		out = append(out, in)
	}
	return out
}

// removeLeadingLoops drops loops at the start of the program, where every
// cell is still zero.
func (o *optimizer) removeLeadingLoops(instrs []Instruction) []Instruction {
	i := 0
	for i < len(instrs) {
		if _, ok := instrs[i].(Loop); !ok {
			break
		}
		o.warnings = append(o.warnings, Warning{Kind: WarnDeadLoop})
		i++
	}
	return instrs[i:]
}

func leavesZero(in Instruction) bool {
	switch x := in.(type) {
	case Loop, MultiplyMove:
		return true
	case Set:
		return x.Offset == 0 && x.Amount == 0
	}
	return false
}

func (o *optimizer) checkInfinite(instrs []Instruction, depth int) {
	for _, in := range instrs {
		l, ok := in.(Loop)
		if !ok {
			continue
		}
		if len(l.Body) == 0 {
			o.warnings = append(o.warnings, Warning{Kind: WarnInfiniteLoop, Depth: depth})
			continue
		}
		o.checkInfinite(l.Body, depth+1)
	}
}
