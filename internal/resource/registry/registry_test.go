package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/broker/internal/crosscall"
	"github.com/agentsh/broker/internal/ntapi"
	"github.com/agentsh/broker/internal/policy"
	"github.com/agentsh/broker/internal/resource/resourcetest"
)

const sid = "S-1-5-21-1000"

func openArgs(name string, root ntapi.Handle, access uint32) []crosscall.Arg {
	return []crosscall.Arg{crosscall.WChar(name), crosscall.Uint32(0), crosscall.VoidPtr(root), crosscall.Uint32(access)}
}

func createArgs(name string, root ntapi.Handle, access, options uint32) []crosscall.Arg {
	return []crosscall.Arg{
		crosscall.WChar(name), crosscall.Uint32(0), crosscall.VoidPtr(root),
		crosscall.Uint32(access), crosscall.Uint32(0), crosscall.Uint32(options),
	}
}

func TestNormalizeName(t *testing.T) {
	p := New(sid)
	tests := []struct {
		in, want string
	}{
		{`HKLM\Software`, `\Registry\Machine\Software`},
		{`HKEY_LOCAL_MACHINE\Software`, `\Registry\Machine\Software`},
		{`hkcu\Software\x`, `\Registry\User\` + sid + `\Software\x`},
		{`HKU`, `\Registry\User`},
		{`HKCR\.txt`, `\Registry\Machine\Software\Classes\.txt`},
		{`HKLMX\Software`, `HKLMX\Software`},
		{`\Registry\Machine\System`, `\Registry\Machine\System`},
	}
	for _, tt := range tests {
		got, err := p.NormalizeName(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := New("").NormalizeName(`HKCU\Software`)
	assert.ErrorIs(t, err, ErrNoUserSID)
}

func TestOpenKeyAllowAny(t *testing.T) {
	rp := New(sid)
	h := resourcetest.New(t, ntapi.UserLockdown, rp)
	h.Allow(rp, `HKLM\Software\Vendor\*`, policy.RegAllowAny)
	h.Sys.AddKey(`\Registry\Machine\Software\Vendor\App`)

	ret, out := h.Call(crosscall.TagNtOpenKey, openArgs(`\REGISTRY\MACHINE\Software\Vendor\App`, ntapi.NullHandle, ntapi.KeyAllAccess)...)
	require.Equal(t, policy.AskBroker, out.Result)
	assert.Equal(t, uint32(ntapi.StatusSuccess), ret.Status)
	assert.Equal(t, "key", h.TargetHandle(ret).Kind)

	ret, out = h.Call(crosscall.TagNtOpenKey, openArgs(`\Registry\Machine\Software\Other`, ntapi.NullHandle, ntapi.KeyRead)...)
	assert.Equal(t, policy.DenyAccess, out.Result)
	assert.Equal(t, uint32(ntapi.StatusAccessDenied), ret.Status)
	assert.Zero(t, ret.Handle)
}

func TestCreateKeyReportsDisposition(t *testing.T) {
	rp := New(sid)
	h := resourcetest.New(t, ntapi.UserLockdown, rp)
	h.Allow(rp, `HKCU\Software\App*`, policy.RegAllowAny)
	h.Sys.AddKey(`\Registry\User\` + sid + `\Software`)

	path := `\Registry\User\` + sid + `\Software\App`
	ret, _ := h.Call(crosscall.TagNtCreateKey, createArgs(path, ntapi.NullHandle, ntapi.KeyAllAccess, 0)...)
	require.Equal(t, uint32(ntapi.StatusSuccess), ret.Status)
	assert.Equal(t, []uint32{ntapi.RegCreatedNewKey}, ret.Extended)
	assert.True(t, h.Sys.HasKey(path))
	info := h.TargetHandle(ret)
	assert.Zero(t, info.Access&ntapi.KeyCreateLink, "link right must not reach the target")
	assert.Equal(t, ntapi.KeyAllAccess&^ntapi.KeyCreateLink, info.Access)

	ret, _ = h.Call(crosscall.TagNtCreateKey, createArgs(path, ntapi.NullHandle, ntapi.KeyAllAccess, 0)...)
	assert.Equal(t, []uint32{ntapi.RegOpenedExistingKey}, ret.Extended)
}

func TestCreateKeyAllAccessIsEvaluated(t *testing.T) {
	rp := New(sid)
	h := resourcetest.New(t, ntapi.UserLockdown, rp)
	h.Allow(rp, `HKLM\Software\*`, policy.RegAllowAny)
	h.Sys.AddKey(`\Registry\Machine\Software`)

	for _, access := range []uint32{ntapi.KeyAllAccess, ntapi.KeyWrite, ntapi.KeyCreateLink} {
		ret, out := h.Call(crosscall.TagNtCreateKey, createArgs(`\Registry\Machine\Software\App`, ntapi.NullHandle, access, 0)...)
		assert.True(t, out.Evaluated, "access %#x", access)
		assert.Equal(t, policy.AskBroker, out.Result, "access %#x", access)
		assert.Equal(t, uint32(ntapi.StatusSuccess), ret.Status, "access %#x", access)
	}
}

func TestCreateLinkIsRefused(t *testing.T) {
	rp := New(sid)
	h := resourcetest.New(t, ntapi.UserLockdown, rp)
	h.Allow(rp, `HKLM\*`, policy.RegAllowAny)
	h.Sys.AddKey(`\Registry\Machine\Software`)

	ret, out := h.Call(crosscall.TagNtCreateKey, createArgs(`\Registry\Machine\Software\Link`, ntapi.NullHandle, ntapi.KeyAllAccess, regOptionCreateLink)...)
	assert.False(t, out.Evaluated)
	assert.Equal(t, uint32(ntapi.StatusAccessDenied), ret.Status)
	assert.False(t, h.Sys.HasKey(`\Registry\Machine\Software\Link`))
}

func TestReadonly(t *testing.T) {
	rp := New(sid)
	h := resourcetest.New(t, ntapi.UserLockdown, rp)
	h.Allow(rp, `HKLM\Software\*`, policy.RegAllowReadonly)
	h.Sys.AddKey(`\Registry\Machine\Software\App`)
	path := `\Registry\Machine\Software\App`

	_, out := h.Call(crosscall.TagNtOpenKey, openArgs(path, ntapi.NullHandle, ntapi.KeyRead|ntapi.KeyWow6464Key)...)
	assert.Equal(t, policy.AskBroker, out.Result)

	for _, access := range []uint32{ntapi.KeySetValue, ntapi.KeyWrite, ntapi.KeyAllAccess, ntapi.KeyRead | ntapi.WriteDAC} {
		_, out = h.Call(crosscall.TagNtOpenKey, openArgs(path, ntapi.NullHandle, access)...)
		assert.Equal(t, policy.DenyAccess, out.Result, "access %#x", access)
	}

	_, out = h.Call(crosscall.TagNtCreateKey, createArgs(path, ntapi.NullHandle, ntapi.KeyRead, 0)...)
	assert.Equal(t, policy.DenyAccess, out.Result)
}

func TestRootRelativeNameUsesResolvedPath(t *testing.T) {
	rp := New(sid)
	h := resourcetest.New(t, ntapi.UserLockdown, rp)
	h.Allow(rp, `HKCU\Software\Allowed`, policy.RegAllowAny)

	userSoftware := `\Registry\User\` + sid + `\Software`
	h.Sys.AddKey(userSoftware + `\Allowed`)
	h.Sys.AddKey(`\Registry\Machine\Software\Allowed`)
	matching := h.Sys.Give(h.PID, userSoftware, ntapi.KeyRead)
	other := h.Sys.Give(h.PID, `\Registry\Machine\Software`, ntapi.KeyRead)
	require.NotZero(t, matching)
	require.NotZero(t, other)

	ret, out := h.Call(crosscall.TagNtOpenKey, openArgs("Allowed", matching, ntapi.KeyRead)...)
	assert.Equal(t, policy.AskBroker, out.Result)
	assert.Equal(t, userSoftware+`\Allowed`, out.Resource)
	assert.Equal(t, userSoftware+`\Allowed`, h.TargetHandle(ret).Name)

	ret, out = h.Call(crosscall.TagNtOpenKey, openArgs("Allowed", other, ntapi.KeyRead)...)
	assert.Equal(t, policy.DenyAccess, out.Result)
	assert.Equal(t, `\Registry\Machine\Software\Allowed`, out.Resource)
	assert.Zero(t, ret.Handle)
}

func TestBadRootHandleIsBadParams(t *testing.T) {
	rp := New(sid)
	h := resourcetest.New(t, ntapi.UserLockdown, rp)
	h.Allow(rp, `HKLM\*`, policy.RegAllowAny)

	ret, out := h.Call(crosscall.TagNtOpenKey, openArgs("Software", ntapi.Handle(0xdead0), ntapi.KeyRead)...)
	assert.Equal(t, crosscall.ErrorBadParams, ret.Outcome)
	assert.False(t, out.Evaluated)
}

func TestGenerateRules(t *testing.T) {
	llp := policy.NewLowLevelPolicy(policy.NewPolicyGlobal(0))
	assert.ErrorIs(t, New(sid).GenerateRules(`HKLM\x`, policy.FilesAllowAny, llp), policy.ErrUnsupportedSemantics)
	assert.ErrorIs(t, New("").GenerateRules(`HKCU\x`, policy.RegAllowAny, llp), ErrNoUserSID)
	assert.Empty(t, llp.Rules())

	require.NoError(t, New(sid).GenerateRules(`HKLM\x`, policy.RegAllowReadonly, llp))
	assert.Len(t, llp.Rules(), 1)
}

func TestCreateKeyRunsOnlyOnAskBroker(t *testing.T) {
	h := resourcetest.New(t, ntapi.UserLockdown, New(sid))
	const path = `\Registry\Machine\Software\Decided`

	for _, result := range resourcetest.Refusing {
		ret, out := h.CallDecided(result, crosscall.TagNtCreateKey,
			createArgs(path, ntapi.NullHandle, ntapi.KeyAllAccess, 0)...)
		require.Equal(t, crosscall.AllOK, ret.Outcome, result)
		assert.Equal(t, result, out.Result, result)
		assert.Equal(t, uint32(ntapi.StatusAccessDenied), ret.Status, result)
		assert.Zero(t, ret.Handle, result)
		assert.False(t, h.Sys.HasKey(path), result)
	}
}
