package registry

import (
	"github.com/agentsh/broker/internal/crosscall"
	"github.com/agentsh/broker/internal/dispatch"
	"github.com/agentsh/broker/internal/ntapi"
	"github.com/agentsh/broker/internal/policy"
)

// keyRequest is one NtCreateKey or NtOpenKey call with its name resolved
// against the root handle.
type keyRequest struct {
	create  bool
	path    string
	access  uint32
	options uint32
}

func resolve(env *dispatch.Env, call *crosscall.Call) (string, error) {
	name, _ := call.String(0)
	root, _ := call.Handle(2)
	if name == "" && root == ntapi.NullHandle {
		return "", errEmptyName
	}
	return env.ResolveRoot(root, name)
}

func decodeCreate(env *dispatch.Env, call *crosscall.Call) (dispatch.Request, error) {
	path, err := resolve(env, call)
	if err != nil {
		return nil, err
	}
	access, _ := call.Uint32(3)
	options, _ := call.Uint32(5)
	if options&regOptionCreateLink != 0 {
		return nil, dispatch.Refuse(dispatch.Denied(policy.DenyAccess), "symbolic link keys are not brokered")
	}
	return &keyRequest{create: true, path: path, access: access, options: options}, nil
}

func decodeOpen(env *dispatch.Env, call *crosscall.Call) (dispatch.Request, error) {
	path, err := resolve(env, call)
	if err != nil {
		return nil, err
	}
	access, _ := call.Uint32(3)
	return &keyRequest{path: path, access: access}, nil
}

func (r *keyRequest) Resource() string { return r.path }

func (r *keyRequest) Params() *policy.ParamSet {
	return policy.NewParamSet(policy.OpenKeySlots).
		Set(policy.OpenKeyName, policy.StringParam(r.path)).
		Set(policy.OpenKeyAccess, policy.Uint32Param(r.access))
}

// Perform opens or creates the key in the broker and hands it to the
// target. For NtCreateKey, Extended[0] is the disposition.
func (r *keyRequest) Perform(env *dispatch.Env, result policy.EvalResult) dispatch.Response {
	if result != policy.AskBroker {
		return dispatch.Denied(result)
	}
	var (
		local       ntapi.Handle
		disposition uint32
		st          ntapi.Status
	)
	// KEY_CREATE_LINK is part of KEY_ALL_ACCESS; the right itself is
	// never handed out.
	access := r.access &^ ntapi.KeyCreateLink
	if r.create {
		local, disposition, st = env.Sys.CreateKey(r.path, access, r.options)
	} else {
		local, st = env.Sys.OpenKey(r.path, access)
	}
	if !st.IsSuccess() {
		return dispatch.Response{Status: st}
	}
	h, st := env.Transfer(local)
	if !st.IsSuccess() {
		return dispatch.Response{Status: st}
	}
	resp := dispatch.Response{Status: ntapi.StatusSuccess, Handle: h}
	if r.create {
		resp.Extended = []uint32{disposition}
	}
	return resp
}
