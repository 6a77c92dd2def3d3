package policy

// Processor walks one service's compiled stream with short-circuit
// evaluation. The stream is a concatenation of rules, each ending with an
// action opcode; the first rule whose conditions all hold decides.
type Processor struct {
	stream []Opcode
	action EvalResult
}

// NewProcessor evaluates stream. A nil stream never matches.
func NewProcessor(stream []Opcode) *Processor {
	return &Processor{stream: stream, action: EvalFalse}
}

// Evaluate scores ps against the stream. Every parameter referenced by the
// stream is checked before any rule runs; an unset or mistyped one yields
// PolicyError.
func (p *Processor) Evaluate(ps *ParamSet) PolicyResult {
	p.action = EvalFalse
	if len(p.stream) == 0 {
		return NoPolicyMatch
	}
	for i := range p.stream {
		if !p.stream[i].check(ps) {
			p.action = EvalError
			return PolicyError
		}
	}

	skip := false
	orMatched := false
	for i := range p.stream {
		op := &p.stream[i]
		if skip {
			if op.ID == OpAction {
				skip = false
			}
			orMatched = false
			continue
		}
		if op.ID == OpAction {
			p.action = op.Action
			return PolicyMatch
		}

		if orMatched {
			// The pair is already satisfied by its first member.
			orMatched = op.Options&OptOrEval != 0
			continue
		}
		switch op.Evaluate(ps) {
		case EvalTrue:
			orMatched = op.Options&OptOrEval != 0
		case EvalFalse:
			if op.Options&OptOrEval == 0 {
				skip = true
			}
		default:
			p.action = EvalError
			return PolicyError
		}
	}
	return NoPolicyMatch
}

// Action returns the matched rule's action after PolicyMatch, EvalError
// after PolicyError and EvalFalse otherwise.
func (p *Processor) Action() EvalResult {
	return p.action
}
