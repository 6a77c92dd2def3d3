package policy

import (
	"fmt"
	"io"
	"strings"

	"github.com/agentsh/broker/internal/policy/pattern"
)

// OpcodeID selects what an opcode tests.
type OpcodeID uint8

const (
	OpAlwaysFalse OpcodeID = iota
	OpAlwaysTrue
	OpNumberMatch
	OpNumberMatchRange
	OpNumberAndMatch
	OpWStringMatch
	OpAction
)

func (id OpcodeID) String() string {
	switch id {
	case OpAlwaysFalse:
		return "always_false"
	case OpAlwaysTrue:
		return "always_true"
	case OpNumberMatch:
		return "number_match"
	case OpNumberMatchRange:
		return "number_match_range"
	case OpNumberAndMatch:
		return "number_and_match"
	case OpWStringMatch:
		return "wstring_match"
	case OpAction:
		return "action"
	default:
		return fmt.Sprintf("OpcodeID(%d)", uint8(id))
	}
}

// Options modify how an opcode's result is combined.
type Options uint8

const (
	// OptNegate inverts the opcode's result (IF_NOT).
	OptNegate Options = 1 << iota
	// OptOrEval joins the opcode with the following one: the pair matches
	// when either does.
	OptOrEval
)

// opcodeHeaderSize is the fixed accounting cost of one opcode in the
// compiled buffer; strings add two bytes per character plus a terminator.
const opcodeHeaderSize = 32

// Opcode is one compiled test. Param indexes the call's ParamSet.
type Opcode struct {
	ID      OpcodeID
	Options Options
	Param   int
	Value   uint64
	High    uint64
	Pattern *pattern.Pattern
	Action  EvalResult
}

func (o *Opcode) usesParam() bool {
	switch o.ID {
	case OpNumberMatch, OpNumberMatchRange, OpNumberAndMatch, OpWStringMatch:
		return true
	}
	return false
}

// size returns the accounting cost of o.
func (o *Opcode) size() int {
	n := opcodeHeaderSize
	if o.Pattern != nil {
		n += 2 * (len([]rune(o.Pattern.Raw)) + 1)
	}
	return n
}

// check reports whether the parameter o reads is populated with a type o
// can test.
func (o *Opcode) check(ps *ParamSet) bool {
	if !o.usesParam() {
		return true
	}
	p, ok := ps.Get(o.Param)
	if !ok {
		return false
	}
	if o.ID == OpWStringMatch {
		return p.Type == ParamString
	}
	return p.numeric()
}

// Evaluate returns EvalTrue, EvalFalse or EvalError; negation is applied.
func (o *Opcode) Evaluate(ps *ParamSet) EvalResult {
	if !o.check(ps) {
		return EvalError
	}
	p, _ := ps.Get(o.Param)

	var match bool
	switch o.ID {
	case OpAlwaysFalse:
	case OpAlwaysTrue, OpAction:
		match = true
	case OpNumberMatch:
		match = p.Num == o.Value
	case OpNumberMatchRange:
		match = p.Num >= o.Value && p.Num <= o.High
	case OpNumberAndMatch:
		match = p.Num&o.Value != 0
	case OpWStringMatch:
		match = o.Pattern.Match(p.Str)
	default:
		return EvalError
	}
	if o.Options&OptNegate != 0 && o.ID != OpAction {
		match = !match
	}
	if match {
		return EvalTrue
	}
	return EvalFalse
}

// writeFingerprint serializes everything that affects matching.
func (o *Opcode) writeFingerprint(w io.Writer) {
	fmt.Fprintf(w, "%d:%d:%d:%d:%d:%d", o.ID, o.Options, o.Param, o.Value, o.High, o.Action)
	if o.Pattern != nil {
		raw := o.Pattern.Raw
		if o.Pattern.CaseInsensitive {
			raw = strings.ToLower(raw)
		}
		fmt.Fprintf(w, ":%t:%q", o.Pattern.CaseInsensitive, raw)
	}
	io.WriteString(w, ";")
}
