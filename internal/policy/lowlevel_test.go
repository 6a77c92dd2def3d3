package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/broker/internal/crosscall"
)

func nameRule(t *testing.T, name string) *Rule {
	t.Helper()
	r := NewRule(AskBroker)
	require.NoError(t, r.AddStringMatch(If, slotName, name, CaseInsensitive))
	return r
}

func TestLowLevelPolicy_RejectsBadService(t *testing.T) {
	llp := NewLowLevelPolicy(NewPolicyGlobal(0))
	assert.ErrorIs(t, llp.AddRule(crosscall.TagUnused, nameRule(t, "a")), ErrBadService)
	assert.ErrorIs(t, llp.AddRule(crosscall.TagLast, nameRule(t, "a")), ErrBadService)
	assert.ErrorIs(t, llp.AddRule(crosscall.Tag(999), nameRule(t, "a")), ErrBadService)
}

func TestLowLevelPolicy_RejectsNonAction(t *testing.T) {
	llp := NewLowLevelPolicy(NewPolicyGlobal(0))
	assert.ErrorIs(t, llp.AddRule(crosscall.TagNtOpenFile, NewRule(EvalTrue)), ErrBadRule)
}

func TestLowLevelPolicy_DuplicateIsNoop(t *testing.T) {
	llp := NewLowLevelPolicy(NewPolicyGlobal(0))
	require.NoError(t, llp.AddRule(crosscall.TagNtOpenFile, nameRule(t, `\??\c:\a`)))
	used := llp.Global().Used()
	ops := len(llp.Global().Stream(crosscall.TagNtOpenFile))

	require.NoError(t, llp.AddRule(crosscall.TagNtOpenFile, nameRule(t, `\??\C:\A`)))
	assert.Equal(t, used, llp.Global().Used())
	assert.Len(t, llp.Global().Stream(crosscall.TagNtOpenFile), ops)
	assert.Len(t, llp.Rules(), 1)

	// The same rule on another service is distinct.
	require.NoError(t, llp.AddRule(crosscall.TagNtCreateFile, nameRule(t, `\??\c:\a`)))
	assert.Len(t, llp.Rules(), 2)
}

func TestLowLevelPolicy_BufferFullLeavesRulesIntact(t *testing.T) {
	g := NewPolicyGlobal(int(crosscall.TagLast)*entrySize + 200)
	llp := NewLowLevelPolicy(g)
	require.NoError(t, llp.AddRule(crosscall.TagNtOpenFile, nameRule(t, "a")))
	before := g.Used()

	big := nameRule(t, strings.Repeat("x", 500))
	assert.ErrorIs(t, llp.AddRule(crosscall.TagNtOpenFile, big), ErrBufferFull)
	assert.Equal(t, before, g.Used())

	p := NewProcessor(g.Stream(crosscall.TagNtOpenFile))
	assert.Equal(t, PolicyMatch, p.Evaluate(params("A", 0)))
}

func TestLowLevelPolicy_AddRulesIsAtomic(t *testing.T) {
	g := NewPolicyGlobal(int(crosscall.TagLast)*entrySize + 200)
	llp := NewLowLevelPolicy(g)

	err := llp.AddRules(
		TaggedRule{Tag: crosscall.TagNtOpenFile, Rule: nameRule(t, "a")},
		TaggedRule{Tag: crosscall.TagNtCreateFile, Rule: nameRule(t, strings.Repeat("y", 500))},
	)
	assert.ErrorIs(t, err, ErrBufferFull)
	assert.Nil(t, g.Stream(crosscall.TagNtOpenFile))
	assert.Empty(t, llp.Rules())
}

func TestLowLevelPolicy_Done(t *testing.T) {
	llp := NewLowLevelPolicy(NewPolicyGlobal(0))
	require.NoError(t, llp.AddRule(crosscall.TagNtOpenFile, nameRule(t, "a")))
	llp.Done()
	assert.True(t, llp.IsDone())
	assert.ErrorIs(t, llp.AddRule(crosscall.TagNtOpenFile, nameRule(t, "b")), ErrDone)
}

func TestLowLevelPolicy_Digest(t *testing.T) {
	a := NewLowLevelPolicy(NewPolicyGlobal(0))
	b := NewLowLevelPolicy(NewPolicyGlobal(0))
	require.NoError(t, a.AddRule(crosscall.TagNtOpenFile, nameRule(t, "a")))
	require.NoError(t, b.AddRule(crosscall.TagNtOpenFile, nameRule(t, "A")))
	assert.Equal(t, a.Digest(), b.Digest())
	assert.Len(t, a.Digest(), 64)

	require.NoError(t, b.AddRule(crosscall.TagNtOpenFile, nameRule(t, "b")))
	assert.NotEqual(t, a.Digest(), b.Digest())
}

func TestLowLevelPolicy_Initialized(t *testing.T) {
	llp := NewLowLevelPolicy(NewPolicyGlobal(0))
	assert.False(t, llp.Initialized(SubsysFiles))
	llp.MarkInitialized(SubsysFiles)
	assert.True(t, llp.Initialized(SubsysFiles))
	assert.False(t, llp.Initialized(SubsysRegistry))
}

func TestSemantics_Parse(t *testing.T) {
	sem, err := ParseSemantics(SubsysNamedPipes, "ALLOW_READONLY")
	require.NoError(t, err)
	assert.Equal(t, NamedpipesAllowReadonly, sem)
	assert.Equal(t, SubsysNamedPipes, sem.Subsystem())
	assert.Equal(t, "named_pipes.allow_readonly", sem.String())

	_, err = ParseSemantics(SubsysSync, "min_exec")
	assert.Error(t, err)

	sub, err := ParseSubsystem("registry")
	require.NoError(t, err)
	assert.Equal(t, SubsysRegistry, sub)
}

func TestRule_String(t *testing.T) {
	r := NewRule(AskBroker)
	require.NoError(t, r.AddNumberMatch(IfNot, slotAccess, 2, And))
	assert.Equal(t, "not number_and_match[1] 0x2 -> ask_broker", r.String())
	assert.Equal(t, "always_true -> deny_access", NewRule(DenyAccess).String())
}
