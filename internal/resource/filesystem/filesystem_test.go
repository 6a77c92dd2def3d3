package filesystem

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/broker/internal/crosscall"
	"github.com/agentsh/broker/internal/ntapi"
	"github.com/agentsh/broker/internal/policy"
	"github.com/agentsh/broker/internal/resource/resourcetest"
)

func createArgs(name string, root ntapi.Handle, access, disposition, options uint32) []crosscall.Arg {
	return []crosscall.Arg{
		crosscall.WChar(name), crosscall.VoidPtr(root), crosscall.Uint32(access),
		crosscall.Uint32(ntapi.FileAttributeNormal), crosscall.Uint32(0),
		crosscall.Uint32(disposition), crosscall.Uint32(options),
	}
}

func TestNormalizeName(t *testing.T) {
	tests := []struct{ in, want string }{
		{`c:\temp\*`, `\??\c:\temp\*`},
		{`\??\c:\temp`, `\??\c:\temp`},
		{`\\?\c:\temp`, `\??\c:\temp`},
		{`\\.\COM1`, `\??\COM1`},
		{`\\server\share\f`, `\??\UNC\server\share\f`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeName(tt.in), tt.in)
	}
}

func TestGenerateRulesRequiresBaseline(t *testing.T) {
	llp := policy.NewLowLevelPolicy(policy.NewPolicyGlobal(0))
	err := New().GenerateRules(`c:\temp\*`, policy.FilesAllowAny, llp)
	assert.ErrorIs(t, err, policy.ErrNoBaseline)
}

func TestGenerateRulesRejectsForeignSemantics(t *testing.T) {
	h := resourcetest.New(t, ntapi.UserLockdown, New())
	before := len(h.Policy.Rules())
	err := New().GenerateRules(`c:\temp\*`, policy.RegAllowAny, h.Policy)
	assert.ErrorIs(t, err, policy.ErrUnsupportedSemantics)
	assert.Len(t, h.Policy.Rules(), before)
}

func TestCreateFileAllowAny(t *testing.T) {
	fs := New()
	h := resourcetest.New(t, ntapi.UserLockdown, fs)
	h.Allow(fs, `c:\work\*`, policy.FilesAllowAny)

	ret, out := h.Call(crosscall.TagNtCreateFile,
		createArgs(`\??\C:\Work\new.txt`, 0, ntapi.GenericWrite, ntapi.FileCreate, 0)...)
	require.Equal(t, crosscall.AllOK, ret.Outcome)
	assert.Equal(t, uint32(ntapi.StatusSuccess), ret.Status)
	assert.Equal(t, []uint32{ntapi.FileCreated}, ret.Extended)
	assert.Equal(t, policy.AskBroker, out.Result)

	info := h.TargetHandle(ret)
	assert.Equal(t, "file", info.Kind)
	assert.Equal(t, ntapi.GenericWrite, info.Access)
	assert.True(t, h.Sys.HasFile(`\??\C:\Work\new.txt`))
}

func TestCreateFileDeniedOutsidePattern(t *testing.T) {
	fs := New()
	h := resourcetest.New(t, ntapi.UserLockdown, fs)
	h.Allow(fs, `c:\work\*`, policy.FilesAllowAny)

	ret, out := h.Call(crosscall.TagNtCreateFile,
		createArgs(`\??\C:\Windows\x.dll`, 0, ntapi.GenericWrite, ntapi.FileCreate, 0)...)
	assert.Equal(t, uint32(ntapi.StatusAccessDenied), ret.Status)
	assert.Zero(t, ret.Handle)
	assert.Equal(t, policy.DenyAccess, out.Result)
	assert.False(t, h.Sys.HasFile(`\??\C:\Windows\x.dll`))
}

func TestBaselineFakesDenial(t *testing.T) {
	fs := New()
	h := resourcetest.New(t, ntapi.UserLockdown, fs)
	h.Allow(fs, `*`, policy.FilesAllowAny)

	_, out := h.Call(crosscall.TagNtOpenFile,
		crosscall.WChar(`C:\relative`), crosscall.VoidPtr(0), crosscall.Uint32(ntapi.FileReadData),
		crosscall.Uint32(0), crosscall.Uint32(0))
	assert.Equal(t, policy.FakeAccessDenied, out.Result)

	_, out = h.Call(crosscall.TagNtOpenFile,
		crosscall.WChar(`\??\c:\x\??\d:\y`), crosscall.VoidPtr(0), crosscall.Uint32(ntapi.FileReadData),
		crosscall.Uint32(0), crosscall.Uint32(0))
	assert.Equal(t, policy.FakeAccessDenied, out.Result)

	_, out = h.Call(crosscall.TagNtOpenFile,
		crosscall.WChar(`\??\c:\x`), crosscall.VoidPtr(0), crosscall.Uint32(ntapi.FileReadData),
		crosscall.Uint32(0), crosscall.Uint32(0))
	assert.Equal(t, policy.AskBroker, out.Result)
}

func TestReadonlySemantics(t *testing.T) {
	fs := New()
	h := resourcetest.New(t, ntapi.UserLockdown, fs)
	h.Sys.AddFile(`\??\c:\data\f.txt`, 0)
	renameOps := len(h.Policy.Global().Stream(crosscall.TagNtSetInfoRename))
	h.Allow(fs, `c:\data\*`, policy.FilesAllowReadonly)
	assert.Len(t, h.Policy.Global().Stream(crosscall.TagNtSetInfoRename), renameOps, "read-only adds no rename rule")

	writeBits := []uint32{
		ntapi.FileWriteData, ntapi.FileAppendData, ntapi.FileWriteEA, ntapi.FileWriteAttributes,
		ntapi.GenericWrite, ntapi.GenericAll, ntapi.Delete, ntapi.WriteDAC, ntapi.WriteOwner,
	}
	for _, bit := range writeBits {
		_, out := h.Call(crosscall.TagNtCreateFile,
			createArgs(`\??\c:\data\f.txt`, 0, ntapi.FileReadData|bit, ntapi.FileOpen, 0)...)
		assert.Equal(t, policy.DenyAccess, out.Result, "access %#x", bit)
	}

	ret, out := h.Call(crosscall.TagNtCreateFile,
		createArgs(`\??\c:\data\f.txt`, 0, ntapi.GenericRead|ntapi.Synchronize, ntapi.FileOpen, 0)...)
	assert.Equal(t, policy.AskBroker, out.Result)
	assert.Equal(t, ntapi.GenericRead|ntapi.Synchronize, h.TargetHandle(ret).Access)

	_, out = h.Call(crosscall.TagNtCreateFile,
		createArgs(`\??\c:\data\g.txt`, 0, ntapi.GenericRead, ntapi.FileOpenIf, 0)...)
	assert.Equal(t, policy.DenyAccess, out.Result, "read-only must not create")
}

func TestDirAnySemantics(t *testing.T) {
	fs := New()
	h := resourcetest.New(t, ntapi.UserLockdown, fs)
	h.Allow(fs, `c:\dirs\*`, policy.FilesAllowDirAny)

	_, out := h.Call(crosscall.TagNtCreateFile,
		createArgs(`\??\c:\dirs\d`, 0, ntapi.GenericAll, ntapi.FileCreate, ntapi.FileDirectoryFile)...)
	assert.Equal(t, policy.AskBroker, out.Result)

	_, out = h.Call(crosscall.TagNtCreateFile,
		createArgs(`\??\c:\dirs\f`, 0, ntapi.GenericAll, ntapi.FileCreate, ntapi.FileNonDirectoryFile)...)
	assert.Equal(t, policy.DenyAccess, out.Result)
}

func TestQuerySemanticsAndEncoding(t *testing.T) {
	fs := New()
	h := resourcetest.New(t, ntapi.UserLockdown, fs)
	h.Sys.AddFile(`\??\c:\q\f`, ntapi.FileAttributeReadonly)
	h.Allow(fs, `c:\q\*`, policy.FilesAllowQuery)

	ret, out := h.Call(crosscall.TagNtQueryAttributesFile,
		crosscall.WChar(`\??\c:\q\f`), crosscall.VoidPtr(0), crosscall.InOutPtr(make([]byte, basicInfoSize)))
	require.Equal(t, policy.AskBroker, out.Result)
	require.Len(t, ret.Buffer, basicInfoSize)
	assert.Equal(t, ntapi.FileAttributeReadonly, binary.LittleEndian.Uint32(ret.Buffer[32:]))

	ret, _ = h.Call(crosscall.TagNtQueryFullAttributesFile,
		crosscall.WChar(`\??\c:\q\f`), crosscall.VoidPtr(0), crosscall.InOutPtr(make([]byte, networkOpenInfoSize)))
	require.Len(t, ret.Buffer, networkOpenInfoSize)
	assert.Equal(t, ntapi.FileAttributeReadonly, binary.LittleEndian.Uint32(ret.Buffer[48:]))

	ret, _ = h.Call(crosscall.TagNtQueryAttributesFile,
		crosscall.WChar(`\??\c:\q\f`), crosscall.VoidPtr(0), crosscall.InOutPtr(make([]byte, 8)))
	assert.Equal(t, crosscall.ErrorBadParams, ret.Outcome)

	_, out = h.Call(crosscall.TagNtOpenFile,
		crosscall.WChar(`\??\c:\q\f`), crosscall.VoidPtr(0), crosscall.Uint32(ntapi.FileReadData),
		crosscall.Uint32(0), crosscall.Uint32(0))
	assert.Equal(t, policy.DenyAccess, out.Result)
}

func TestRootRelativeOpen(t *testing.T) {
	fs := New()
	h := resourcetest.New(t, ntapi.UserLockdown, fs)
	h.Sys.AddFile(`\??\c:\allowed`, ntapi.FileAttributeDirectory)
	h.Sys.AddFile(`\??\c:\allowed\f`, 0)
	h.Sys.AddFile(`\??\c:\other`, ntapi.FileAttributeDirectory)
	h.Sys.AddFile(`\??\c:\other\f`, 0)
	h.Allow(fs, `c:\allowed\*`, policy.FilesAllowAny)

	good := h.Sys.Give(h.PID, `\??\c:\allowed`, ntapi.FileReadData)
	bad := h.Sys.Give(h.PID, `\??\c:\other`, ntapi.FileReadData)

	ret, out := h.Call(crosscall.TagNtOpenFile,
		crosscall.WChar("f"), crosscall.VoidPtr(good), crosscall.Uint32(ntapi.FileReadData),
		crosscall.Uint32(0), crosscall.Uint32(0))
	assert.Equal(t, `\??\c:\allowed\f`, out.Resource)
	assert.Equal(t, policy.AskBroker, out.Result)
	assert.Equal(t, uint32(ntapi.StatusSuccess), ret.Status)

	_, out = h.Call(crosscall.TagNtOpenFile,
		crosscall.WChar("f"), crosscall.VoidPtr(bad), crosscall.Uint32(ntapi.FileReadData),
		crosscall.Uint32(0), crosscall.Uint32(0))
	assert.Equal(t, policy.DenyAccess, out.Result)

	ret, _ = h.Call(crosscall.TagNtOpenFile,
		crosscall.WChar("f"), crosscall.VoidPtr(0x999), crosscall.Uint32(ntapi.FileReadData),
		crosscall.Uint32(0), crosscall.Uint32(0))
	assert.Equal(t, crosscall.ErrorBadParams, ret.Outcome)
}

func TestRename(t *testing.T) {
	fs := New()
	h := resourcetest.New(t, ntapi.UserLockdown, fs)
	h.Sys.AddFile(`\??\c:\r\a`, 0)
	h.Allow(fs, `c:\r\*`, policy.FilesAllowAny)
	file := h.Sys.Give(h.PID, `\??\c:\r\a`, ntapi.Delete)

	ret, out := h.Call(crosscall.TagNtSetInfoRename,
		crosscall.VoidPtr(file), crosscall.WChar(`\??\c:\r\b`), crosscall.VoidPtr(0), crosscall.Uint32(0))
	assert.Equal(t, policy.AskBroker, out.Result)
	assert.Equal(t, uint32(ntapi.StatusSuccess), ret.Status)
	assert.True(t, h.Sys.HasFile(`\??\c:\r\b`))

	_, out = h.Call(crosscall.TagNtSetInfoRename,
		crosscall.VoidPtr(file), crosscall.WChar(`\??\c:\elsewhere`), crosscall.VoidPtr(0), crosscall.Uint32(0))
	assert.Equal(t, policy.DenyAccess, out.Result)
	assert.True(t, h.Sys.HasFile(`\??\c:\r\b`))
}

func TestDuplicationFailureIsAccessDenied(t *testing.T) {
	fs := New()
	h := resourcetest.New(t, ntapi.UserLockdown, fs)
	h.Allow(fs, `c:\work\*`, policy.FilesAllowAny)
	h.Sys.FailDuplicates(1)

	ret, _ := h.Call(crosscall.TagNtCreateFile,
		createArgs(`\??\c:\work\x`, 0, ntapi.GenericWrite, ntapi.FileCreate, 0)...)
	assert.Equal(t, uint32(ntapi.StatusAccessDenied), ret.Status)
	assert.Zero(t, ret.Handle)
}

func TestCreateFileRunsOnlyOnAskBroker(t *testing.T) {
	h := resourcetest.New(t, ntapi.UserLockdown, New())
	const name = `\??\C:\Work\decided.txt`

	for _, result := range resourcetest.Refusing {
		ret, out := h.CallDecided(result, crosscall.TagNtCreateFile,
			createArgs(name, 0, ntapi.GenericWrite, ntapi.FileCreate, 0)...)
		require.Equal(t, crosscall.AllOK, ret.Outcome, result)
		assert.Equal(t, result, out.Result, result)
		assert.Equal(t, uint32(ntapi.StatusAccessDenied), ret.Status, result)
		assert.Zero(t, ret.Handle, result)
		assert.False(t, h.Sys.HasFile(name), result)
	}

	ret, _ := h.CallDecided(policy.FakeSuccess, crosscall.TagNtCreateFile,
		createArgs(name, 0, ntapi.GenericWrite, ntapi.FileCreate, 0)...)
	assert.Equal(t, uint32(ntapi.StatusSuccess), ret.Status)
	assert.Zero(t, ret.Handle)
	assert.False(t, h.Sys.HasFile(name))
}
