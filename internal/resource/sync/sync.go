// Package sync brokers named event creation and opening.
package sync

import (
	"errors"
	"fmt"
	"strings"

	"github.com/agentsh/broker/internal/crosscall"
	"github.com/agentsh/broker/internal/dispatch"
	"github.com/agentsh/broker/internal/ntapi"
	"github.com/agentsh/broker/internal/policy"
)

// Namespace is the object directory event names are matched in.
const Namespace = `\BaseNamedObjects\`

// readonlyAccess is what a read-only rule lets OpenEvent ask for.
const readonlyAccess = ntapi.Synchronize | ntapi.GenericRead | ntapi.ReadControl

var errUnnamed = errors.New("unnamed events are not brokered")

// Policy is the sync object resource policy.
type Policy struct{}

var _ dispatch.ResourcePolicy = Policy{}

// New returns the sync resource policy.
func New() Policy { return Policy{} }

func (Policy) Subsystem() policy.Subsystem { return policy.SubsysSync }

// QualifyName maps a Win32 event name onto the object directory form rules
// see. Names already rooted in the object namespace are kept.
func QualifyName(name string) string {
	if strings.HasPrefix(name, `\`) {
		return name
	}
	return Namespace + name
}

// GenerateRules implements dispatch.ResourcePolicy. A read-only rule never
// permits CreateEvent.
func (Policy) GenerateRules(pattern string, semantics policy.Semantics, p *policy.LowLevelPolicy) error {
	name := QualifyName(pattern)
	open := policy.NewRule(policy.AskBroker)
	var rules []policy.TaggedRule
	switch semantics {
	case policy.EventsAllowAny:
		create := policy.NewRule(policy.AskBroker)
		if err := create.AddStringMatch(policy.If, policy.NameBasedName, name, policy.CaseInsensitive); err != nil {
			return err
		}
		rules = append(rules, policy.TaggedRule{Tag: crosscall.TagCreateEvent, Rule: create})
	case policy.EventsAllowReadonly:
		if err := open.AddNumberMatch(policy.IfNot, policy.OpenEventAccess, uint64(^readonlyAccess), policy.And); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %s", policy.ErrUnsupportedSemantics, semantics)
	}
	if err := open.AddStringMatch(policy.If, policy.OpenEventName, name, policy.CaseInsensitive); err != nil {
		return err
	}
	rules = append(rules, policy.TaggedRule{Tag: crosscall.TagOpenEvent, Rule: open})
	return p.AddRules(rules...)
}

// SetInitialRules implements dispatch.ResourcePolicy.
func (Policy) SetInitialRules(*policy.LowLevelPolicy) error { return nil }

// Operations implements dispatch.ResourcePolicy.
func (Policy) Operations() []dispatch.Operation {
	return []dispatch.Operation{
		{
			Tag: crosscall.TagCreateEvent, DLL: "kernel32.dll", Function: "CreateEventW",
			Signature: crosscall.Signature{crosscall.ArgWChar, crosscall.ArgUint32, crosscall.ArgUint32},
			Decode:    decodeCreate,
		},
		{
			Tag: crosscall.TagOpenEvent, DLL: "kernel32.dll", Function: "OpenEventW",
			Signature: crosscall.Signature{crosscall.ArgWChar, crosscall.ArgUint32},
			Decode:    decodeOpen,
		},
	}
}

type createRequest struct {
	name         string
	eventType    uint32
	initialState bool
}

func decodeCreate(_ *dispatch.Env, call *crosscall.Call) (dispatch.Request, error) {
	name, _ := call.String(0)
	if name == "" {
		return nil, errUnnamed
	}
	eventType, _ := call.Uint32(1)
	initial, _ := call.Uint32(2)
	return &createRequest{name: name, eventType: eventType, initialState: initial != 0}, nil
}

func (r *createRequest) Resource() string { return QualifyName(r.name) }

func (r *createRequest) Params() *policy.ParamSet {
	return policy.NewParamSet(policy.NameBasedSlots).
		Set(policy.NameBasedName, policy.StringParam(QualifyName(r.name)))
}

// Perform creates or opens the event. StatusObjectNameExists is returned
// with a handle, like the unsandboxed call.
func (r *createRequest) Perform(env *dispatch.Env, result policy.EvalResult) dispatch.Response {
	if result != policy.AskBroker {
		return dispatch.Denied(result)
	}
	local, st := env.Sys.CreateEvent(r.name, r.eventType, r.initialState, ntapi.EventAllAccess)
	if !st.IsSuccess() {
		return dispatch.Response{Status: st}
	}
	h, tst := env.Transfer(local)
	if !tst.IsSuccess() {
		return dispatch.Response{Status: tst}
	}
	return dispatch.Response{Status: st, Handle: h}
}

type openRequest struct {
	name   string
	access uint32
}

func decodeOpen(_ *dispatch.Env, call *crosscall.Call) (dispatch.Request, error) {
	name, _ := call.String(0)
	if name == "" {
		return nil, errUnnamed
	}
	access, _ := call.Uint32(1)
	return &openRequest{name: name, access: access}, nil
}

func (r *openRequest) Resource() string { return QualifyName(r.name) }

func (r *openRequest) Params() *policy.ParamSet {
	return policy.NewParamSet(policy.OpenEventSlots).
		Set(policy.OpenEventName, policy.StringParam(QualifyName(r.name))).
		Set(policy.OpenEventAccess, policy.Uint32Param(r.access))
}

func (r *openRequest) Perform(env *dispatch.Env, result policy.EvalResult) dispatch.Response {
	if result != policy.AskBroker {
		return dispatch.Denied(result)
	}
	local, st := env.Sys.OpenEvent(r.name, r.access)
	if !st.IsSuccess() {
		return dispatch.Response{Status: st}
	}
	h, st := env.Transfer(local)
	return dispatch.Response{Status: st, Handle: h}
}
