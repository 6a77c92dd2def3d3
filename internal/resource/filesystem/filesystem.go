// Package filesystem brokers NtCreateFile, NtOpenFile, the attribute
// queries and renames for sandboxed targets.
package filesystem

import (
	"fmt"
	"strings"

	"github.com/agentsh/broker/internal/crosscall"
	"github.com/agentsh/broker/internal/dispatch"
	"github.com/agentsh/broker/internal/ntapi"
	"github.com/agentsh/broker/internal/policy"
)

const ntPrefix = `\??\`

// readonlyAccess lists the rights a read-only rule grants. Anything else
// may write.
const readonlyAccess = ntapi.FileReadData | ntapi.FileReadAttributes | ntapi.FileReadEA |
	ntapi.Synchronize | ntapi.FileExecute | ntapi.GenericRead | ntapi.GenericExecute | ntapi.ReadControl

// Policy is the filesystem resource policy.
type Policy struct{}

var _ dispatch.ResourcePolicy = Policy{}

// New returns the filesystem resource policy.
func New() Policy { return Policy{} }

func (Policy) Subsystem() policy.Subsystem { return policy.SubsysFiles }

// NormalizeName rewrites a Win32 path to the NT form rules are matched
// against: \\?\x and \\.\x become \??\x, \\server\share becomes
// \??\UNC\server\share and a bare path gains the \??\ prefix.
func NormalizeName(name string) string {
	switch {
	case strings.HasPrefix(name, ntPrefix):
		return name
	case strings.HasPrefix(name, `\\?\`), strings.HasPrefix(name, `\\.\`):
		return ntPrefix + name[4:]
	case strings.HasPrefix(name, `\\`):
		return ntPrefix + `UNC\` + name[2:]
	default:
		return ntPrefix + name
	}
}

// GenerateRules implements dispatch.ResourcePolicy.
func (Policy) GenerateRules(pattern string, semantics policy.Semantics, p *policy.LowLevelPolicy) error {
	if !p.Initialized(policy.SubsysFiles) {
		return policy.ErrNoBaseline
	}
	name := NormalizeName(pattern)

	create := policy.NewRule(policy.AskBroker)
	open := policy.NewRule(policy.AskBroker)
	query := policy.NewRule(policy.AskBroker)
	queryFull := policy.NewRule(policy.AskBroker)
	rename := policy.NewRule(policy.AskBroker)
	for _, r := range []*policy.Rule{create, open, query, queryFull, rename} {
		if err := r.AddStringMatch(policy.If, policy.FileNameName, name, policy.CaseInsensitive); err != nil {
			return err
		}
	}

	rules := []policy.TaggedRule{
		{Tag: crosscall.TagNtCreateFile, Rule: create},
		{Tag: crosscall.TagNtOpenFile, Rule: open},
		{Tag: crosscall.TagNtQueryAttributesFile, Rule: query},
		{Tag: crosscall.TagNtQueryFullAttributesFile, Rule: queryFull},
		{Tag: crosscall.TagNtSetInfoRename, Rule: rename},
	}

	switch semantics {
	case policy.FilesAllowAny:
	case policy.FilesAllowDirAny:
		for _, r := range []*policy.Rule{create, open} {
			if err := r.AddNumberMatch(policy.If, policy.OpenFileOptions, uint64(ntapi.FileDirectoryFile), policy.And); err != nil {
				return err
			}
		}
	case policy.FilesAllowReadonly:
		for _, r := range []*policy.Rule{create, open} {
			if err := r.AddNumberMatch(policy.IfNot, policy.OpenFileAccess, uint64(^readonlyAccess), policy.And); err != nil {
				return err
			}
			if err := r.AddNumberMatch(policy.If, policy.OpenFileDisposition, uint64(ntapi.FileOpen), policy.Equal); err != nil {
				return err
			}
		}
		// A rename always writes.
		rules = rules[:4]
	case policy.FilesAllowQuery:
		rules = rules[2:4]
	default:
		return fmt.Errorf("%w: %s", policy.ErrUnsupportedSemantics, semantics)
	}
	return p.AddRules(rules...)
}

// SetInitialRules installs the baseline every file policy carries: names
// outside the \??\ namespace, and names that re-enter it, fail with a fake
// access denied before any declared rule is consulted.
func (Policy) SetInitialRules(p *policy.LowLevelPolicy) error {
	tags := []crosscall.Tag{
		crosscall.TagNtCreateFile,
		crosscall.TagNtOpenFile,
		crosscall.TagNtQueryAttributesFile,
		crosscall.TagNtQueryFullAttributesFile,
		crosscall.TagNtSetInfoRename,
	}
	format := policy.NewRule(policy.FakeAccessDenied)
	if err := format.AddStringMatch(policy.IfNot, policy.FileNameName, ntPrefix+"*", policy.CaseSensitive); err != nil {
		return err
	}
	nested := policy.NewRule(policy.FakeAccessDenied)
	if err := nested.AddStringMatch(policy.If, policy.FileNameName, ntPrefix+"*"+ntPrefix+"*", policy.CaseSensitive); err != nil {
		return err
	}
	var rules []policy.TaggedRule
	for _, tag := range tags {
		rules = append(rules, policy.TaggedRule{Tag: tag, Rule: format}, policy.TaggedRule{Tag: tag, Rule: nested})
	}
	if err := p.AddRules(rules...); err != nil {
		return err
	}
	p.MarkInitialized(policy.SubsysFiles)
	return nil
}

// Operations implements dispatch.ResourcePolicy.
func (Policy) Operations() []dispatch.Operation {
	return []dispatch.Operation{
		{
			Tag: crosscall.TagNtCreateFile, DLL: "ntdll.dll", Function: "NtCreateFile",
			Signature: crosscall.Signature{
				crosscall.ArgWChar, crosscall.ArgVoidPtr, crosscall.ArgUint32, crosscall.ArgUint32,
				crosscall.ArgUint32, crosscall.ArgUint32, crosscall.ArgUint32,
			},
			Decode: decodeCreate,
		},
		{
			Tag: crosscall.TagNtOpenFile, DLL: "ntdll.dll", Function: "NtOpenFile",
			Signature: crosscall.Signature{
				crosscall.ArgWChar, crosscall.ArgVoidPtr, crosscall.ArgUint32, crosscall.ArgUint32, crosscall.ArgUint32,
			},
			Decode: decodeOpen,
		},
		{
			Tag: crosscall.TagNtQueryAttributesFile, DLL: "ntdll.dll", Function: "NtQueryAttributesFile",
			Signature: crosscall.Signature{crosscall.ArgWChar, crosscall.ArgVoidPtr, crosscall.ArgInOutPtr},
			Decode:    decodeQuery(false),
		},
		{
			Tag: crosscall.TagNtQueryFullAttributesFile, DLL: "ntdll.dll", Function: "NtQueryFullAttributesFile",
			Signature: crosscall.Signature{crosscall.ArgWChar, crosscall.ArgVoidPtr, crosscall.ArgInOutPtr},
			Decode:    decodeQuery(true),
		},
		{
			Tag: crosscall.TagNtSetInfoRename, DLL: "ntdll.dll", Function: "NtSetInformationFile",
			Signature: crosscall.Signature{crosscall.ArgVoidPtr, crosscall.ArgWChar, crosscall.ArgVoidPtr, crosscall.ArgUint32},
			Decode:    decodeRename,
		},
	}
}
