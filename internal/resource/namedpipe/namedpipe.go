// Package namedpipe brokers CreateNamedPipeW.
package namedpipe

import (
	"fmt"
	"strings"

	"github.com/agentsh/broker/internal/crosscall"
	"github.com/agentsh/broker/internal/dispatch"
	"github.com/agentsh/broker/internal/ntapi"
	"github.com/agentsh/broker/internal/policy"
)

// Prefix is the only namespace pipes may be created in.
const Prefix = `\\.\pipe\`

// writeModes are the open-mode bits a read-only rule refuses. WRITE_OWNER
// is absent: in an open mode that bit is FILE_FLAG_FIRST_PIPE_INSTANCE.
const writeModes = ntapi.PipeAccessOutbound | ntapi.WriteDAC

// Policy is the named pipe resource policy.
type Policy struct{}

var _ dispatch.ResourcePolicy = Policy{}

// New returns the named pipe resource policy.
func New() Policy { return Policy{} }

func (Policy) Subsystem() policy.Subsystem { return policy.SubsysNamedPipes }

// GenerateRules implements dispatch.ResourcePolicy.
func (Policy) GenerateRules(pattern string, semantics policy.Semantics, p *policy.LowLevelPolicy) error {
	rule := policy.NewRule(policy.AskBroker)
	switch semantics {
	case policy.NamedpipesAllowAny:
	case policy.NamedpipesAllowReadonly:
		if err := rule.AddNumberMatch(policy.IfNot, policy.CreatePipeOpenMode, uint64(writeModes), policy.And); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %s", policy.ErrUnsupportedSemantics, semantics)
	}
	if err := rule.AddStringMatch(policy.If, policy.CreatePipeName, pattern, policy.CaseInsensitive); err != nil {
		return err
	}
	return p.AddRule(crosscall.TagCreateNamedPipeW, rule)
}

// SetInitialRules implements dispatch.ResourcePolicy. Pipes carry no
// baseline.
func (Policy) SetInitialRules(*policy.LowLevelPolicy) error { return nil }

// Operations implements dispatch.ResourcePolicy.
func (Policy) Operations() []dispatch.Operation {
	return []dispatch.Operation{{
		Tag:      crosscall.TagCreateNamedPipeW,
		DLL:      "kernel32.dll",
		Function: "CreateNamedPipeW",
		Signature: crosscall.Signature{
			crosscall.ArgWChar, crosscall.ArgUint32, crosscall.ArgUint32, crosscall.ArgUint32,
			crosscall.ArgUint32, crosscall.ArgUint32, crosscall.ArgUint32,
		},
		Decode: decodeCreate,
	}}
}

// hasParentSegment reports whether any path segment is "..", splitting on
// both separators.
func hasParentSegment(name string) bool {
	for _, seg := range strings.FieldsFunc(name, func(r rune) bool { return r == '\\' || r == '/' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

type createRequest struct {
	req ntapi.PipeRequest
}

func decodeCreate(env *dispatch.Env, call *crosscall.Call) (dispatch.Request, error) {
	name, _ := call.String(0)
	if hasParentSegment(name) {
		return nil, dispatch.Refuse(dispatch.DeniedWin32(policy.DenyAccess), "pipe name has a parent segment")
	}
	if len(name) < len(Prefix) || !strings.EqualFold(name[:len(Prefix)], Prefix) {
		return nil, dispatch.Refuse(dispatch.DeniedWin32(policy.DenyAccess), "pipe name outside "+Prefix)
	}
	r := &createRequest{req: ntapi.PipeRequest{Name: name}}
	r.req.OpenMode, _ = call.Uint32(1)
	r.req.PipeMode, _ = call.Uint32(2)
	r.req.MaxInstances, _ = call.Uint32(3)
	r.req.OutBufferSize, _ = call.Uint32(4)
	r.req.InBufferSize, _ = call.Uint32(5)
	r.req.DefaultTimeout, _ = call.Uint32(6)
	return r, nil
}

func (r *createRequest) Resource() string { return r.req.Name }

func (r *createRequest) Params() *policy.ParamSet {
	return policy.NewParamSet(policy.CreatePipeSlots).
		Set(policy.CreatePipeName, policy.StringParam(r.req.Name)).
		Set(policy.CreatePipeOpenMode, policy.Uint32Param(r.req.OpenMode))
}

// Perform creates the server end in the broker and hands it to the target.
func (r *createRequest) Perform(env *dispatch.Env, result policy.EvalResult) dispatch.Response {
	if result != policy.AskBroker {
		return dispatch.DeniedWin32(result)
	}
	local, errno := env.Sys.CreateNamedPipe(r.req)
	if errno != ntapi.ErrorSuccess {
		return dispatch.Response{Win32: errno}
	}
	h, st := env.Transfer(local)
	if !st.IsSuccess() {
		return dispatch.Response{Win32: ntapi.ErrorAccessDenied, Status: st}
	}
	return dispatch.Response{Win32: ntapi.ErrorSuccess, Handle: h}
}
