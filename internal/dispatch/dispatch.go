// Package dispatch routes decoded calls to the resource operation that owns
// their service tag. A dispatcher rebuilds the parameter set, asks the
// evaluator for a decision and hands that decision to the operation's
// action; it never evaluates policy itself.
package dispatch

import (
	"fmt"
	"log/slog"

	"github.com/agentsh/broker/internal/crosscall"
	"github.com/agentsh/broker/internal/ntapi"
	"github.com/agentsh/broker/internal/policy"
)

// Client identifies the target a call came from. Process is a broker
// handle to the target process.
type Client struct {
	Process    ntapi.Handle
	PID        uint32
	Job        ntapi.Handle
	TokenLevel ntapi.TokenLevel
}

// Env is what an operation may use while decoding and performing a call.
type Env struct {
	Sys ntapi.System
	// Jobs places processes created for the target in its job. Nil when
	// the target runs without one.
	Jobs   ntapi.JobFactory
	Client Client
	Logger *slog.Logger
}

// Response is an action's output, marshaled back as the emulated API's
// return values. Handle, when set, is valid in the target.
type Response struct {
	Status   ntapi.Status
	Win32    ntapi.Errno
	Handle   ntapi.Handle
	Extended []uint32
	Buffer   []byte
}

// Request is one decoded call, ready to be evaluated and performed.
type Request interface {
	// Params returns the parameter set the evaluator scores.
	Params() *policy.ParamSet
	// Resource names the object requested, for logs and audit.
	Resource() string
	// Perform runs the privileged operation when result permits it and
	// returns the emulated outcome either way.
	Perform(env *Env, result policy.EvalResult) Response
}

// Operation describes one service a resource policy serves.
type Operation struct {
	Tag       crosscall.Tag
	DLL       string
	Function  string
	Signature crosscall.Signature
	// Decode validates the arguments beyond their types and builds the
	// request. An error is reported to the target as ErrorBadParams.
	Decode func(env *Env, call *crosscall.Call) (Request, error)
}

// ResourcePolicy is one resource kind: its rule generation and the
// operations it serves.
type ResourcePolicy interface {
	Subsystem() policy.Subsystem
	// GenerateRules compiles one declaration. Unsupported semantics are
	// rejected without adding any rule.
	GenerateRules(pattern string, semantics policy.Semantics, p *policy.LowLevelPolicy) error
	// SetInitialRules installs the rules every policy carries for this
	// resource kind, before any declared rule.
	SetInitialRules(p *policy.LowLevelPolicy) error
	Operations() []Operation
}

// Evaluator decides calls. It must not fail; a fault is reported as
// policy.EvalError.
type Evaluator interface {
	EvalPolicy(tag crosscall.Tag, params *policy.ParamSet) policy.EvalResult
}

// Denied is the NTSTATUS-style outcome of a refused call.
func Denied(result policy.EvalResult) Response {
	if result == policy.FakeSuccess {
		return Response{Status: ntapi.StatusSuccess}
	}
	return Response{Status: ntapi.StatusAccessDenied}
}

// DeniedWin32 is the GetLastError-style outcome of a refused call.
func DeniedWin32(result policy.EvalResult) Response {
	if result == policy.FakeSuccess {
		return Response{Win32: ntapi.ErrorSuccess}
	}
	return Response{Win32: ntapi.ErrorAccessDenied, Status: ntapi.StatusAccessDenied}
}

// Refusal is returned by a decoder to answer a call with Response without
// evaluating policy, for requests that no rule may permit.
type Refusal struct {
	Response Response
	Reason   string
}

// Refuse builds a Refusal.
func Refuse(resp Response, reason string) error {
	return &Refusal{Response: resp, Reason: reason}
}

func (r *Refusal) Error() string {
	return "refused: " + r.Reason
}

// Outcome summarizes one dispatched call for audit and metrics.
type Outcome struct {
	Tag       crosscall.Tag
	Resource  string
	Evaluated bool
	Result    policy.EvalResult
	Response  Response
}

func writeReturn(ret *crosscall.Return, resp Response) error {
	ret.Status = uint32(resp.Status)
	ret.Win32 = uint32(resp.Win32)
	ret.Handle = uint64(resp.Handle)
	ret.Buffer = resp.Buffer
	if len(resp.Extended) > 0 {
		if err := ret.SetExtended(resp.Extended...); err != nil {
			return fmt.Errorf("%s: %w", ret.Tag, err)
		}
	}
	return nil
}
