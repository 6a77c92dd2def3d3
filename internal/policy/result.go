package policy

import "fmt"

// EvalResult is the decision produced for one call. Only AskBroker permits
// an action to run; every other value, including ones added later, denies.
type EvalResult int

const (
	EvalTrue EvalResult = iota
	EvalFalse
	EvalError
	AskBroker
	DenyAccess
	GiveReadonly
	GiveAllAccess
	GiveCached
	GiveFirst
	SignalAlarm
	FakeSuccess
	FakeAccessDenied
	TerminateProcess
)

var evalResultNames = map[EvalResult]string{
	EvalTrue:         "eval_true",
	EvalFalse:        "eval_false",
	EvalError:        "eval_error",
	AskBroker:        "ask_broker",
	DenyAccess:       "deny_access",
	GiveReadonly:     "give_readonly",
	GiveAllAccess:    "give_all_access",
	GiveCached:       "give_cached",
	GiveFirst:        "give_first",
	SignalAlarm:      "signal_alarm",
	FakeSuccess:      "fake_success",
	FakeAccessDenied: "fake_access_denied",
	TerminateProcess: "terminate_process",
}

func (r EvalResult) String() string {
	if s, ok := evalResultNames[r]; ok {
		return s
	}
	return fmt.Sprintf("EvalResult(%d)", int(r))
}

// IsAction reports whether r can be the action of a rule.
func (r EvalResult) IsAction() bool {
	return r >= AskBroker
}

// PolicyResult is the outcome of walking one service's rules.
type PolicyResult int

const (
	NoPolicyMatch PolicyResult = iota
	PolicyMatch
	PolicyError
)

func (r PolicyResult) String() string {
	switch r {
	case NoPolicyMatch:
		return "no_match"
	case PolicyMatch:
		return "match"
	case PolicyError:
		return "error"
	default:
		return fmt.Sprintf("PolicyResult(%d)", int(r))
	}
}
