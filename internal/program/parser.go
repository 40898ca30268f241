package program

import (
	"errors"
	"fmt"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// Source grammar. Every byte that is not one of the eight command symbols is
// a comment and never reaches the parser.

type sourceFile struct {
	Nodes []*sourceNode `@@*`
}

type sourceNode struct {
	Op   *string     `  @Op`
	Loop *sourceLoop `| @@`
}

type sourceLoop struct {
	Body []*sourceNode `"[" @@* "]"`
}

var sourceLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `[^+\-<>,.\[\]]+`},
	{Name: "Op", Pattern: `[+\-<>,.]`},
	{Name: "Bracket", Pattern: `[\[\]]`},
})

var sourceParser = participle.MustBuild[sourceFile](
	participle.Lexer(sourceLexer),
	participle.Elide("Comment"),
)

// ParseError reports malformed source, typically an unbalanced bracket.
type ParseError struct {
	Line    int
	Column  int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %d:%d: %s", e.Line, e.Column, e.Message)
}

// Parse converts program source into an unoptimized instruction sequence.
func Parse(source string) ([]Instruction, error) {
	file, err := sourceParser.ParseString("", source)
	if err != nil {
		var perr participle.Error
		if errors.As(err, &perr) {
			pos := perr.Position()
			return nil, &ParseError{Line: pos.Line, Column: pos.Column, Message: perr.Message()}
		}
		return nil, &ParseError{Message: err.Error()}
	}
	return lower(file.Nodes), nil
}

func lower(nodes []*sourceNode) []Instruction {
	out := make([]Instruction, 0, len(nodes))
	for _, n := range nodes {
		if n.Loop != nil {
			out = append(out, Loop{Body: lower(n.Loop.Body)})
			continue
		}
		switch *n.Op {
		case "+":
			out = append(out, Increment{Amount: 1})
		case "-":
			out = append(out, Increment{Amount: -1})
		case ">":
			out = append(out, PointerIncrement{Amount: 1})
		case "<":
			out = append(out, PointerIncrement{Amount: -1})
		case ",":
			out = append(out, Read{})
		case ".":
			out = append(out, Write{})
		}
	}
	return out
}
