// Package resourcetest runs resource policies end to end against the
// in-memory object manager.
package resourcetest

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentsh/broker/internal/crosscall"
	"github.com/agentsh/broker/internal/dispatch"
	"github.com/agentsh/broker/internal/ntapi"
	"github.com/agentsh/broker/internal/ntapi/memsys"
	"github.com/agentsh/broker/internal/policy"
)

// Harness owns one simulated target and a policy built from the given
// resource policies.
type Harness struct {
	t      *testing.T
	Sys    *memsys.System
	PID    uint32
	Target ntapi.Handle
	Policy *policy.LowLevelPolicy
	Table  *dispatch.Table
	Env    *dispatch.Env
}

// New installs the initial rules of every policy and registers their
// operations.
func New(t *testing.T, level ntapi.TokenLevel, policies ...dispatch.ResourcePolicy) *Harness {
	t.Helper()
	sys := memsys.New()
	pid, target := sys.NewTarget("target.exe")
	llp := policy.NewLowLevelPolicy(policy.NewPolicyGlobal(0))
	for _, rp := range policies {
		require.NoError(t, rp.SetInitialRules(llp))
	}
	table, err := dispatch.NewTable(policies...)
	require.NoError(t, err)
	return &Harness{
		t:      t,
		Sys:    sys,
		PID:    pid,
		Target: target,
		Policy: llp,
		Table:  table,
		Env: &dispatch.Env{
			Sys:    sys,
			Jobs:   sys,
			Client: dispatch.Client{Process: target, PID: pid, TokenLevel: level},
			Logger: slog.New(slog.DiscardHandler),
		},
	}
}

// Allow compiles one declaration and fails the test on error.
func (h *Harness) Allow(rp dispatch.ResourcePolicy, pattern string, sem policy.Semantics) {
	h.t.Helper()
	require.NoError(h.t, rp.GenerateRules(pattern, sem, h.Policy))
}

// EvalPolicy implements dispatch.Evaluator over the compiled policy.
func (h *Harness) EvalPolicy(tag crosscall.Tag, ps *policy.ParamSet) policy.EvalResult {
	p := policy.NewProcessor(h.Policy.Global().Stream(tag))
	switch p.Evaluate(ps) {
	case policy.PolicyMatch:
		return p.Action()
	case policy.PolicyError:
		return policy.EvalError
	default:
		return policy.DenyAccess
	}
}

// Call dispatches one call and checks that the broker's handle table is
// unchanged afterwards.
func (h *Harness) Call(tag crosscall.Tag, args ...crosscall.Arg) (*crosscall.Return, dispatch.Outcome) {
	h.t.Helper()
	return h.dispatch(h, tag, args)
}

// Decided answers every evaluation with the same result.
type Decided policy.EvalResult

// EvalPolicy implements dispatch.Evaluator.
func (d Decided) EvalPolicy(crosscall.Tag, *policy.ParamSet) policy.EvalResult {
	return policy.EvalResult(d)
}

// CallDecided dispatches one call as though policy had returned result,
// skipping rule evaluation.
func (h *Harness) CallDecided(result policy.EvalResult, tag crosscall.Tag, args ...crosscall.Arg) (*crosscall.Return, dispatch.Outcome) {
	h.t.Helper()
	return h.dispatch(Decided(result), tag, args)
}

func (h *Harness) dispatch(eval dispatch.Evaluator, tag crosscall.Tag, args []crosscall.Arg) (*crosscall.Return, dispatch.Outcome) {
	h.t.Helper()
	before := h.Sys.OpenHandles(h.Sys.BrokerPID())
	ret, out := h.Table.Dispatch(h.Env, eval, crosscall.NewCall(tag, args...))
	require.Equal(h.t, before, h.Sys.OpenHandles(h.Sys.BrokerPID()), "broker handle leaked by %s", tag)
	return ret, out
}

// TargetHandle returns the target-side entry for the handle in ret.
func (h *Harness) TargetHandle(ret *crosscall.Return) memsys.HandleInfo {
	h.t.Helper()
	require.NotZero(h.t, ret.Handle, "no handle returned")
	info, ok := h.Sys.Lookup(h.PID, ntapi.Handle(ret.Handle))
	require.True(h.t, ok, "handle %#x not open in target", ret.Handle)
	return info
}

// Refusing lists evaluation results under which no resource action may run,
// including a value past the end of the known set.
var Refusing = []policy.EvalResult{
	policy.EvalTrue,
	policy.EvalFalse,
	policy.EvalError,
	policy.DenyAccess,
	policy.GiveReadonly,
	policy.GiveAllAccess,
	policy.GiveCached,
	policy.GiveFirst,
	policy.SignalAlarm,
	policy.FakeAccessDenied,
	policy.TerminateProcess,
	policy.EvalResult(999),
}
