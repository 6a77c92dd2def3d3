package dispatch

import (
	"errors"
	"fmt"

	"github.com/agentsh/broker/internal/crosscall"
	"github.com/agentsh/broker/internal/policy"
)

// ErrDuplicateService is returned when two operations claim one tag.
var ErrDuplicateService = errors.New("dispatch: service already registered")

// Interceptor redirects one exported function of the target into the
// broker under a service tag.
type Interceptor interface {
	AddToPatchedFunctions(dll, function string, tag crosscall.Tag) error
}

type entry struct {
	op    Operation
	owner ResourcePolicy
}

// Table maps service tags to operations. It is built once per broker and
// read-only while targets run.
type Table struct {
	entries  [crosscall.TagLast]*entry
	policies []ResourcePolicy
}

// NewTable registers every operation of policies.
func NewTable(policies ...ResourcePolicy) (*Table, error) {
	t := &Table{}
	for _, rp := range policies {
		if err := t.Register(rp); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Register adds rp and its operations. Nothing is added on error.
func (t *Table) Register(rp ResourcePolicy) error {
	ops := rp.Operations()
	seen := make(map[crosscall.Tag]bool, len(ops))
	for _, op := range ops {
		if !op.Tag.Valid() {
			return fmt.Errorf("%s: invalid service %d", rp.Subsystem(), uint32(op.Tag))
		}
		if op.Tag == crosscall.TagPing1 || op.Tag == crosscall.TagPing2 {
			return fmt.Errorf("%s: %s is reserved", rp.Subsystem(), op.Tag)
		}
		if op.Decode == nil {
			return fmt.Errorf("%s: %s has no decoder", rp.Subsystem(), op.Tag)
		}
		if t.entries[op.Tag] != nil || seen[op.Tag] {
			return fmt.Errorf("%w: %s", ErrDuplicateService, op.Tag)
		}
		seen[op.Tag] = true
	}
	for _, op := range ops {
		t.entries[op.Tag] = &entry{op: op, owner: rp}
	}
	t.policies = append(t.policies, rp)
	return nil
}

// Lookup returns the operation serving tag.
func (t *Table) Lookup(tag crosscall.Tag) (Operation, bool) {
	if !tag.Valid() || t.entries[tag] == nil {
		return Operation{}, false
	}
	return t.entries[tag].op, true
}

// Policies returns the registered resource policies in registration order.
func (t *Table) Policies() []ResourcePolicy {
	return append([]ResourcePolicy(nil), t.policies...)
}

// Tags returns every registered tag in ascending order.
func (t *Table) Tags() []crosscall.Tag {
	var tags []crosscall.Tag
	for i, e := range t.entries {
		if e != nil {
			tags = append(tags, crosscall.Tag(i))
		}
	}
	return tags
}

// SetupService installs the interception for tag.
func (t *Table) SetupService(ic Interceptor, tag crosscall.Tag) error {
	op, ok := t.Lookup(tag)
	if !ok {
		return fmt.Errorf("no operation for %s", tag)
	}
	if err := ic.AddToPatchedFunctions(op.DLL, op.Function, tag); err != nil {
		return fmt.Errorf("patch %s!%s: %w", op.DLL, op.Function, err)
	}
	return nil
}

// SetupServices installs the interceptions for tags.
func (t *Table) SetupServices(ic Interceptor, tags []crosscall.Tag) error {
	for _, tag := range tags {
		if err := t.SetupService(ic, tag); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch runs one call through its operation. It reports ErrorNoHandler
// for an unregistered tag and ErrorBadParams when the arguments do not
// fit the operation, in both cases without consulting eval.
func (t *Table) Dispatch(env *Env, eval Evaluator, call *crosscall.Call) (*crosscall.Return, Outcome) {
	out := Outcome{Tag: call.Tag}
	op, ok := t.Lookup(call.Tag)
	if !ok {
		return crosscall.NewReturn(call.Tag, crosscall.ErrorNoHandler), out
	}
	if err := op.Signature.Check(call.Args); err != nil {
		env.Logger.Warn("bad call signature", "service", call.Tag, "error", err)
		return crosscall.NewReturn(call.Tag, crosscall.ErrorBadParams), out
	}
	req, err := op.Decode(env, call)
	var refusal *Refusal
	if errors.As(err, &refusal) {
		env.Logger.Info("call refused", "service", call.Tag, "pid", env.Client.PID, "reason", refusal.Reason)
		out.Result = policy.DenyAccess
		out.Response = refusal.Response
		ret := crosscall.NewReturn(call.Tag, crosscall.AllOK)
		if err := writeReturn(ret, refusal.Response); err != nil {
			return crosscall.NewReturn(call.Tag, crosscall.ErrorGeneric), out
		}
		return ret, out
	}
	if err != nil {
		env.Logger.Warn("bad call arguments", "service", call.Tag, "error", err)
		return crosscall.NewReturn(call.Tag, crosscall.ErrorBadParams), out
	}

	out.Resource = req.Resource()
	out.Result = eval.EvalPolicy(call.Tag, req.Params())
	out.Evaluated = true
	out.Response = req.Perform(env, out.Result)

	ret := crosscall.NewReturn(call.Tag, crosscall.AllOK)
	if err := writeReturn(ret, out.Response); err != nil {
		env.Logger.Error("write return", "error", err)
		return crosscall.NewReturn(call.Tag, crosscall.ErrorGeneric), out
	}
	return ret, out
}
