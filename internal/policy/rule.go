package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/agentsh/broker/internal/policy/pattern"
)

// MatchType selects whether a condition must hold or must not hold.
type MatchType int

const (
	If MatchType = iota
	IfNot
)

// NumberOp selects the numeric comparison.
type NumberOp int

const (
	// Equal matches when the parameter equals the value.
	Equal NumberOp = iota
	// And matches when the parameter shares any bit with the value.
	And
)

// CaseMode selects string comparison sensitivity.
type CaseMode int

const (
	CaseSensitive CaseMode = iota
	CaseInsensitive
)

// ErrBadRule is returned when a condition cannot be added to a rule.
var ErrBadRule = errors.New("policy: malformed rule")

// Rule is an ordered conjunction of conditions with a single action. It is
// the unit handed to the compiler; a rule without conditions always
// matches.
type Rule struct {
	action  EvalResult
	opcodes []Opcode
}

// NewRule starts a rule that yields action when every condition holds.
func NewRule(action EvalResult) *Rule {
	return &Rule{action: action}
}

// Action returns the rule's action.
func (r *Rule) Action() EvalResult {
	return r.action
}

func negate(mt MatchType) Options {
	if mt == IfNot {
		return OptNegate
	}
	return 0
}

// AddStringMatch requires the string in param to match the wildcard
// pattern s.
func (r *Rule) AddStringMatch(mt MatchType, param int, s string, cm CaseMode) error {
	if param < 0 {
		return fmt.Errorf("%w: negative parameter index", ErrBadRule)
	}
	p, err := pattern.CompileWithOptions(s, pattern.CompileOptions{CaseInsensitive: cm == CaseInsensitive})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadRule, err)
	}
	r.opcodes = append(r.opcodes, Opcode{ID: OpWStringMatch, Options: negate(mt), Param: param, Pattern: p})
	return nil
}

// AddNumberMatch compares the number in param against n.
func (r *Rule) AddNumberMatch(mt MatchType, param int, n uint64, op NumberOp) error {
	if param < 0 {
		return fmt.Errorf("%w: negative parameter index", ErrBadRule)
	}
	id := OpNumberMatch
	switch op {
	case Equal:
	case And:
		id = OpNumberAndMatch
	default:
		return fmt.Errorf("%w: unknown number op %d", ErrBadRule, op)
	}
	r.opcodes = append(r.opcodes, Opcode{ID: id, Options: negate(mt), Param: param, Value: n})
	return nil
}

// AddRangeMatch requires lo <= param <= hi.
func (r *Rule) AddRangeMatch(mt MatchType, param int, lo, hi uint64) error {
	if param < 0 || lo > hi {
		return fmt.Errorf("%w: bad range [%d, %d]", ErrBadRule, lo, hi)
	}
	r.opcodes = append(r.opcodes, Opcode{ID: OpNumberMatchRange, Options: negate(mt), Param: param, Value: lo, High: hi})
	return nil
}

// AddConstant adds a condition that always (or never) holds.
func (r *Rule) AddConstant(v bool) {
	id := OpAlwaysFalse
	if v {
		id = OpAlwaysTrue
	}
	r.opcodes = append(r.opcodes, Opcode{ID: id})
}

// Or joins the most recently added condition with the next one, so that
// either satisfies the pair.
func (r *Rule) Or() *Rule {
	if n := len(r.opcodes); n > 0 {
		r.opcodes[n-1].Options |= OptOrEval
	}
	return r
}

// Opcodes returns the compiled form: the conditions followed by the action
// opcode.
func (r *Rule) Opcodes() []Opcode {
	ops := make([]Opcode, 0, len(r.opcodes)+2)
	ops = append(ops, r.opcodes...)
	if len(ops) == 0 {
		ops = append(ops, Opcode{ID: OpAlwaysTrue})
	}
	// A dangling OR has nothing to pair with.
	ops[len(ops)-1].Options &^= OptOrEval
	return append(ops, Opcode{ID: OpAction, Action: r.action})
}

// Size returns the buffer cost of the compiled rule.
func (r *Rule) Size() int {
	n := 0
	for _, op := range r.Opcodes() {
		n += op.size()
	}
	return n
}

// Fingerprint identifies the rule's matching behavior. Two rules with equal
// fingerprints match exactly the same calls.
func (r *Rule) Fingerprint() string {
	var b strings.Builder
	for _, op := range r.Opcodes() {
		op.writeFingerprint(&b)
	}
	return b.String()
}

func (r *Rule) String() string {
	var parts []string
	for _, op := range r.Opcodes() {
		s := op.ID.String()
		if op.Options&OptNegate != 0 {
			s = "not " + s
		}
		switch op.ID {
		case OpWStringMatch:
			s += fmt.Sprintf("[%d] %q", op.Param, op.Pattern.Raw)
		case OpNumberMatch, OpNumberAndMatch:
			s += fmt.Sprintf("[%d] 0x%x", op.Param, op.Value)
		case OpNumberMatchRange:
			s += fmt.Sprintf("[%d] 0x%x-0x%x", op.Param, op.Value, op.High)
		case OpAction:
			s = "-> " + op.Action.String()
		}
		if op.Options&OptOrEval != 0 {
			s += " or"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, " ")
}
