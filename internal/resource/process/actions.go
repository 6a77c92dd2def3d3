package process

import (
	"errors"
	"strconv"
	"strings"

	"github.com/agentsh/broker/internal/crosscall"
	"github.com/agentsh/broker/internal/dispatch"
	"github.com/agentsh/broker/internal/ntapi"
	"github.com/agentsh/broker/internal/policy"
)

var errEmptyCommand = errors.New("no application name or command line")

type openKind int

const (
	openThread openKind = iota
	openProcess
	openToken
)

var openKindNames = [...]string{"thread", "process", "token"}

// openRequest asks for a handle to the target itself, one of its threads
// or its token. id is a tid or pid; tokens are always the caller's own.
type openRequest struct {
	kind   openKind
	id     uint32
	self   bool
	access uint32
}

func decodeOpenThread(_ *dispatch.Env, call *crosscall.Call) (dispatch.Request, error) {
	tid, _ := call.Uint32(0)
	access, _ := call.Uint32(1)
	return &openRequest{kind: openThread, id: tid, access: access}, nil
}

func decodeOpenProcess(_ *dispatch.Env, call *crosscall.Call) (dispatch.Request, error) {
	pid, _ := call.Uint32(0)
	access, _ := call.Uint32(1)
	return &openRequest{kind: openProcess, id: pid, access: access}, nil
}

func decodeOpenToken(_ *dispatch.Env, call *crosscall.Call) (dispatch.Request, error) {
	process, _ := call.Handle(0)
	access, _ := call.Uint32(1)
	return &openRequest{kind: openToken, self: process == ntapi.CurrentProcess, access: access}, nil
}

func (r *openRequest) Resource() string {
	if r.kind == openToken {
		return "token"
	}
	return openKindNames[r.kind] + ":" + strconv.FormatUint(uint64(r.id), 10)
}

func (r *openRequest) Params() *policy.ParamSet {
	return policy.NewParamSet(policy.OpenProcessSlots).
		Set(policy.OpenProcessTarget, policy.Uint32Param(r.id)).
		Set(policy.OpenProcessAccess, policy.Uint32Param(r.access))
}

// Perform opens the object in the broker after checking it belongs to the
// calling target.
func (r *openRequest) Perform(env *dispatch.Env, result policy.EvalResult) dispatch.Response {
	if result != policy.AskBroker {
		return dispatch.Denied(result)
	}
	var (
		local ntapi.Handle
		st    ntapi.Status
	)
	switch r.kind {
	case openThread:
		owner, ost := env.Sys.ThreadProcessID(r.id)
		if !ost.IsSuccess() {
			return dispatch.Response{Status: ost}
		}
		if owner != env.Client.PID {
			return dispatch.Response{Status: ntapi.StatusAccessDenied}
		}
		local, st = env.Sys.OpenThread(r.id, r.access)
	case openProcess:
		if r.id != env.Client.PID {
			return dispatch.Response{Status: ntapi.StatusAccessDenied}
		}
		local, st = env.Sys.OpenProcess(r.id, r.access)
	case openToken:
		if !r.self {
			return dispatch.Response{Status: ntapi.StatusAccessDenied}
		}
		local, st = env.Sys.OpenProcessToken(env.Client.Process, r.access)
	}
	if !st.IsSuccess() {
		return dispatch.Response{Status: st}
	}
	h, st := env.Transfer(local)
	return dispatch.Response{Status: st, Handle: h}
}

// createRequest is a CreateProcessW call. The child runs under a copy of
// the target's own token.
type createRequest struct {
	req       ntapi.ProcessRequest
	suspended bool
}

func decodeCreate(_ *dispatch.Env, call *crosscall.Call) (dispatch.Request, error) {
	app, _ := call.String(0)
	cmdline, _ := call.String(1)
	dir, _ := call.String(2)
	flags, _ := call.Uint32(3)
	if app == "" && cmdline == "" {
		return nil, errEmptyCommand
	}
	if flags&ntapi.CreateBreakawayFromJob != 0 {
		return nil, dispatch.Refuse(dispatch.DeniedWin32(policy.DenyAccess), "breakaway from job")
	}
	return &createRequest{
		req:       ntapi.ProcessRequest{Application: app, CommandLine: cmdline, CurrentDir: dir, Flags: flags | ntapi.CreateSuspended},
		suspended: flags&ntapi.CreateSuspended != 0,
	}, nil
}

// ApplicationName is the name CreateProcessW rules match: the application
// name, or the first token of the command line when it is empty.
func ApplicationName(app, cmdline string) string {
	if app != "" {
		return app
	}
	cmdline = strings.TrimLeft(cmdline, " \t")
	if strings.HasPrefix(cmdline, `"`) {
		if end := strings.IndexByte(cmdline[1:], '"'); end >= 0 {
			return cmdline[1 : end+1]
		}
		return cmdline[1:]
	}
	if end := strings.IndexAny(cmdline, " \t"); end >= 0 {
		return cmdline[:end]
	}
	return cmdline
}

func (r *createRequest) Resource() string {
	return ApplicationName(r.req.Application, r.req.CommandLine)
}

func (r *createRequest) Params() *policy.ParamSet {
	return policy.NewParamSet(policy.CreateProcessSlots).
		Set(policy.CreateProcessName, policy.StringParam(r.Resource()))
}

// Perform starts the child suspended, places it in the target's job and
// hands both handles over. Extended carries the pid, the tid and the
// target's thread handle split into low and high words. A GiveReadonly
// child is always resumed, since its handles cannot resume it.
func (r *createRequest) Perform(env *dispatch.Env, result policy.EvalResult) dispatch.Response {
	var processAccess, threadAccess uint32
	switch result {
	case policy.GiveAllAccess:
		processAccess, threadAccess = ntapi.ProcessAllAccess, ntapi.ThreadAllAccess
	case policy.GiveReadonly:
		processAccess, threadAccess = readonlyProcessAccess, readonlyThreadAccess
	default:
		return dispatch.DeniedWin32(result)
	}

	tok, st := env.Sys.OpenProcessToken(env.Client.Process, ntapi.TokenAllAccess)
	if !st.IsSuccess() {
		return dispatch.Response{Win32: ntapi.ErrorAccessDenied, Status: st}
	}
	token := ntapi.NewScoped(env.Sys, tok)
	defer token.Close()

	req := r.req
	req.Token = token.Get()
	info, errno := env.Sys.CreateProcess(req)
	if errno != ntapi.ErrorSuccess {
		return dispatch.Response{Win32: errno}
	}
	process := ntapi.NewScoped(env.Sys, info.Process)
	defer process.Close()
	thread := ntapi.NewScoped(env.Sys, info.Thread)
	defer thread.Close()

	if env.Jobs != nil && env.Client.Job != ntapi.NullHandle {
		if err := env.Jobs.AssignProcess(env.Client.Job, process.Get()); err != nil {
			env.Logger.Warn("child not placed in target job", "pid", info.ProcessID, "error", err)
			_ = env.Sys.TerminateProcess(process.Get(), 1)
			return dispatch.Response{Win32: ntapi.ErrorAccessDenied, Status: ntapi.StatusAccessDenied}
		}
	}
	if !r.suspended || result == policy.GiveReadonly {
		if err := env.Sys.ResumeThread(thread.Get()); err != nil {
			env.Logger.Debug("resume child failed", "pid", info.ProcessID, "error", err)
		}
	}

	th, err := thread.TransferWithAccess(env.Client.Process, threadAccess)
	if err != nil {
		_ = env.Sys.TerminateProcess(process.Get(), 1)
		return dispatch.Response{Win32: ntapi.ErrorAccessDenied, Status: ntapi.StatusAccessDenied}
	}
	// The broker keeps its process handle until return so a failed
	// duplication can still kill the child.
	ph, err := env.Sys.DuplicateHandle(ntapi.CurrentProcess, process.Get(), env.Client.Process, processAccess, 0)
	if err != nil {
		_ = env.Sys.TerminateProcess(process.Get(), 1)
		return dispatch.Response{Win32: ntapi.ErrorAccessDenied, Status: ntapi.StatusAccessDenied}
	}
	return dispatch.Response{
		Win32:    ntapi.ErrorSuccess,
		Handle:   ph,
		Extended: []uint32{info.ProcessID, info.ThreadID, uint32(th), uint32(uint64(th) >> 32)},
	}
}
