package filesystem

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/agentsh/broker/internal/crosscall"
	"github.com/agentsh/broker/internal/dispatch"
	"github.com/agentsh/broker/internal/ntapi"
	"github.com/agentsh/broker/internal/policy"
)

// Sizes of FILE_BASIC_INFORMATION and FILE_NETWORK_OPEN_INFORMATION.
const (
	basicInfoSize       = 40
	networkOpenInfoSize = 56
)

// brokerFlag marks parameter sets built by the broker rather than by a
// target-side pre-check.
const brokerFlag = 1

var errEmptyName = errors.New("empty file name")

func resolve(env *dispatch.Env, call *crosscall.Call, nameArg, rootArg int) (string, error) {
	name, _ := call.String(nameArg)
	root, _ := call.Handle(rootArg)
	if name == "" && root == ntapi.NullHandle {
		return "", errEmptyName
	}
	full, err := env.ResolveRoot(root, name)
	if err != nil {
		return "", err
	}
	return full, nil
}

type createRequest struct {
	req ntapi.FileRequest
}

func decodeCreate(env *dispatch.Env, call *crosscall.Call) (dispatch.Request, error) {
	name, err := resolve(env, call, 0, 1)
	if err != nil {
		return nil, err
	}
	access, _ := call.Uint32(2)
	attrs, _ := call.Uint32(3)
	share, _ := call.Uint32(4)
	disposition, _ := call.Uint32(5)
	options, _ := call.Uint32(6)
	return &createRequest{req: ntapi.FileRequest{
		Name:        name,
		Access:      access,
		Attributes:  attrs,
		ShareAccess: share,
		Disposition: disposition,
		Options:     options,
	}}, nil
}

func decodeOpen(env *dispatch.Env, call *crosscall.Call) (dispatch.Request, error) {
	name, err := resolve(env, call, 0, 1)
	if err != nil {
		return nil, err
	}
	access, _ := call.Uint32(2)
	share, _ := call.Uint32(3)
	options, _ := call.Uint32(4)
	return &createRequest{req: ntapi.FileRequest{
		Name:        name,
		Access:      access,
		ShareAccess: share,
		Disposition: ntapi.FileOpen,
		Options:     options,
	}}, nil
}

func (r *createRequest) Resource() string { return r.req.Name }

func (r *createRequest) Params() *policy.ParamSet {
	return policy.NewParamSet(policy.OpenFileSlots).
		Set(policy.OpenFileName, policy.StringParam(r.req.Name)).
		Set(policy.OpenFileBroker, policy.Uint32Param(brokerFlag)).
		Set(policy.OpenFileAccess, policy.Uint32Param(r.req.Access)).
		Set(policy.OpenFileDisposition, policy.Uint32Param(r.req.Disposition)).
		Set(policy.OpenFileOptions, policy.Uint32Param(r.req.Options))
}

// Perform creates or opens the file in the broker and hands the handle to
// the target. Extended[0] carries the IO_STATUS_BLOCK information.
func (r *createRequest) Perform(env *dispatch.Env, result policy.EvalResult) dispatch.Response {
	if result != policy.AskBroker {
		return dispatch.Denied(result)
	}
	local, info, st := env.Sys.CreateFile(r.req)
	if !st.IsSuccess() {
		return dispatch.Response{Status: st}
	}
	h, st := env.Transfer(local)
	if !st.IsSuccess() {
		return dispatch.Response{Status: st}
	}
	return dispatch.Response{Status: ntapi.StatusSuccess, Handle: h, Extended: []uint32{info}}
}

type queryRequest struct {
	name string
	full bool
}

func decodeQuery(full bool) func(*dispatch.Env, *crosscall.Call) (dispatch.Request, error) {
	return func(env *dispatch.Env, call *crosscall.Call) (dispatch.Request, error) {
		buf, _ := call.Buffer(2)
		want := basicInfoSize
		if full {
			want = networkOpenInfoSize
		}
		if len(buf) < want {
			return nil, fmt.Errorf("attribute buffer is %d bytes, need %d", len(buf), want)
		}
		name, err := resolve(env, call, 0, 1)
		if err != nil {
			return nil, err
		}
		return &queryRequest{name: name, full: full}, nil
	}
}

func (r *queryRequest) Resource() string { return r.name }

func (r *queryRequest) Params() *policy.ParamSet {
	return policy.NewParamSet(policy.FileNameSlots).
		Set(policy.FileNameName, policy.StringParam(r.name)).
		Set(policy.FileNameBroker, policy.Uint32Param(brokerFlag))
}

// Perform queries the attributes and returns them in the call's buffer.
func (r *queryRequest) Perform(env *dispatch.Env, result policy.EvalResult) dispatch.Response {
	if result != policy.AskBroker {
		return dispatch.Denied(result)
	}
	if r.full {
		info, st := env.Sys.QueryFullAttributes(r.name)
		if !st.IsSuccess() {
			return dispatch.Response{Status: st}
		}
		return dispatch.Response{Status: st, Buffer: EncodeNetworkOpenInfo(info)}
	}
	info, st := env.Sys.QueryAttributes(r.name)
	if !st.IsSuccess() {
		return dispatch.Response{Status: st}
	}
	return dispatch.Response{Status: st, Buffer: EncodeBasicInfo(info)}
}

type renameRequest struct {
	file    ntapi.Handle
	newName string
	replace bool
}

func decodeRename(env *dispatch.Env, call *crosscall.Call) (dispatch.Request, error) {
	file, _ := call.Handle(0)
	if file == ntapi.NullHandle {
		return nil, errors.New("rename without a file handle")
	}
	newName, err := resolve(env, call, 1, 2)
	if err != nil {
		return nil, err
	}
	replace, _ := call.Uint32(3)
	return &renameRequest{file: file, newName: newName, replace: replace != 0}, nil
}

func (r *renameRequest) Resource() string { return r.newName }

func (r *renameRequest) Params() *policy.ParamSet {
	return policy.NewParamSet(policy.FileNameSlots).
		Set(policy.FileNameName, policy.StringParam(r.newName)).
		Set(policy.FileNameBroker, policy.Uint32Param(brokerFlag))
}

// Perform renames the target's open file. The policy decides on the new
// name; the target already holds the file.
func (r *renameRequest) Perform(env *dispatch.Env, result policy.EvalResult) dispatch.Response {
	if result != policy.AskBroker {
		return dispatch.Denied(result)
	}
	sc, err := env.Borrow(r.file)
	if err != nil {
		return dispatch.Response{Status: ntapi.StatusInvalidHandle}
	}
	defer sc.Close()
	return dispatch.Response{Status: env.Sys.Rename(sc.Get(), r.newName, r.replace)}
}

// EncodeBasicInfo lays out FILE_BASIC_INFORMATION.
func EncodeBasicInfo(info ntapi.FileBasicInfo) []byte {
	buf := make([]byte, basicInfoSize)
	putBasic(buf, info)
	return buf
}

// EncodeNetworkOpenInfo lays out FILE_NETWORK_OPEN_INFORMATION.
func EncodeNetworkOpenInfo(info ntapi.FileNetworkOpenInfo) []byte {
	buf := make([]byte, networkOpenInfoSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:], uint64(info.CreationTime))
	le.PutUint64(buf[8:], uint64(info.LastAccessTime))
	le.PutUint64(buf[16:], uint64(info.LastWriteTime))
	le.PutUint64(buf[24:], uint64(info.ChangeTime))
	le.PutUint64(buf[32:], uint64(info.AllocationSize))
	le.PutUint64(buf[40:], uint64(info.EndOfFile))
	le.PutUint32(buf[48:], info.Attributes)
	return buf
}

func putBasic(buf []byte, info ntapi.FileBasicInfo) {
	le := binary.LittleEndian
	le.PutUint64(buf[0:], uint64(info.CreationTime))
	le.PutUint64(buf[8:], uint64(info.LastAccessTime))
	le.PutUint64(buf[16:], uint64(info.LastWriteTime))
	le.PutUint64(buf[24:], uint64(info.ChangeTime))
	le.PutUint32(buf[32:], info.Attributes)
}
