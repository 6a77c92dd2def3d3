// Package process brokers process, thread and token opens and child
// process creation.
package process

import (
	"errors"
	"fmt"

	"github.com/agentsh/broker/internal/crosscall"
	"github.com/agentsh/broker/internal/dispatch"
	"github.com/agentsh/broker/internal/ntapi"
	"github.com/agentsh/broker/internal/policy"
)

// ErrTokenLevel is returned for ProcessAllExec when the target's token is
// more restricted than UserInteractive.
var ErrTokenLevel = errors.New("all_exec needs a token level of at least interactive")

// Access a GiveReadonly child is handed.
const (
	readonlyProcessAccess = ntapi.ProcessQueryLimitedInformation | ntapi.Synchronize
	readonlyThreadAccess  = ntapi.ThreadQueryLimitedInformation | ntapi.Synchronize
)

// Policy is the process and thread resource policy for targets running at
// Level.
type Policy struct {
	Level ntapi.TokenLevel
}

var _ dispatch.ResourcePolicy = Policy{}

// New returns the process policy for targets whose token is at level.
func New(level ntapi.TokenLevel) Policy { return Policy{Level: level} }

func (Policy) Subsystem() policy.Subsystem { return policy.SubsysProcess }

// GenerateRules implements dispatch.ResourcePolicy. The pattern matches
// the application name of CreateProcessW.
func (p Policy) GenerateRules(pattern string, semantics policy.Semantics, llp *policy.LowLevelPolicy) error {
	var action policy.EvalResult
	switch semantics {
	case policy.ProcessMinExec:
		action = policy.GiveReadonly
	case policy.ProcessAllExec:
		if p.Level < ntapi.UserInteractive {
			return fmt.Errorf("%w: level is %s", ErrTokenLevel, p.Level)
		}
		action = policy.GiveAllAccess
	default:
		return fmt.Errorf("%w: %s", policy.ErrUnsupportedSemantics, semantics)
	}
	rule := policy.NewRule(action)
	if err := rule.AddStringMatch(policy.If, policy.CreateProcessName, pattern, policy.CaseInsensitive); err != nil {
		return err
	}
	return llp.AddRule(crosscall.TagCreateProcessW, rule)
}

// SetInitialRules lets every target ask for its own process, threads and
// token. Which object is "its own" is checked by the actions.
func (Policy) SetInitialRules(llp *policy.LowLevelPolicy) error {
	var rules []policy.TaggedRule
	for _, tag := range []crosscall.Tag{
		crosscall.TagNtOpenThread,
		crosscall.TagNtOpenProcess,
		crosscall.TagNtOpenProcessToken,
		crosscall.TagNtOpenProcessTokenEx,
	} {
		rules = append(rules, policy.TaggedRule{Tag: tag, Rule: policy.NewRule(policy.AskBroker)})
	}
	if err := llp.AddRules(rules...); err != nil {
		return err
	}
	llp.MarkInitialized(policy.SubsysProcess)
	return nil
}

// Operations implements dispatch.ResourcePolicy.
func (Policy) Operations() []dispatch.Operation {
	return []dispatch.Operation{
		{
			Tag: crosscall.TagNtOpenThread, DLL: "ntdll.dll", Function: "NtOpenThread",
			Signature: crosscall.Signature{crosscall.ArgUint32, crosscall.ArgUint32},
			Decode:    decodeOpenThread,
		},
		{
			Tag: crosscall.TagNtOpenProcess, DLL: "ntdll.dll", Function: "NtOpenProcess",
			Signature: crosscall.Signature{crosscall.ArgUint32, crosscall.ArgUint32},
			Decode:    decodeOpenProcess,
		},
		{
			Tag: crosscall.TagNtOpenProcessToken, DLL: "ntdll.dll", Function: "NtOpenProcessToken",
			Signature: crosscall.Signature{crosscall.ArgVoidPtr, crosscall.ArgUint32},
			Decode:    decodeOpenToken,
		},
		{
			Tag: crosscall.TagNtOpenProcessTokenEx, DLL: "ntdll.dll", Function: "NtOpenProcessTokenEx",
			Signature: crosscall.Signature{crosscall.ArgVoidPtr, crosscall.ArgUint32, crosscall.ArgUint32},
			Decode:    decodeOpenToken,
		},
		{
			Tag: crosscall.TagCreateProcessW, DLL: "kernel32.dll", Function: "CreateProcessW",
			Signature: crosscall.Signature{crosscall.ArgWChar, crosscall.ArgWChar, crosscall.ArgWChar, crosscall.ArgUint32},
			Decode:    decodeCreate,
		},
	}
}
