// Package registry brokers NtCreateKey and NtOpenKey.
package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/agentsh/broker/internal/crosscall"
	"github.com/agentsh/broker/internal/dispatch"
	"github.com/agentsh/broker/internal/ntapi"
	"github.com/agentsh/broker/internal/policy"
)

const (
	machineRoot = `\Registry\Machine`
	userRoot    = `\Registry\User`
)

// readonlyAccess is what a read-only rule lets NtOpenKey ask for.
const readonlyAccess = ntapi.KeyRead | ntapi.GenericRead | ntapi.KeyWow6464Key | ntapi.KeyWow6432Key

// regOptionCreateLink is REG_OPTION_CREATE_LINK.
const regOptionCreateLink = 0x2

// ErrNoUserSID is returned for an HKCU pattern when no user SID is configured.
var ErrNoUserSID = errors.New("HKEY_CURRENT_USER needs a configured user SID")

var errEmptyName = errors.New("empty key name")

type hive struct {
	names []string
	root  func(sid string) (string, error)
}

var hives = []hive{
	{names: []string{"HKEY_LOCAL_MACHINE", "HKLM"}, root: func(string) (string, error) { return machineRoot, nil }},
	{names: []string{"HKEY_CURRENT_USER", "HKCU"}, root: func(sid string) (string, error) {
		if sid == "" {
			return "", ErrNoUserSID
		}
		return userRoot + `\` + sid, nil
	}},
	{names: []string{"HKEY_USERS", "HKU"}, root: func(string) (string, error) { return userRoot, nil }},
	{names: []string{"HKEY_CLASSES_ROOT", "HKCR"}, root: func(string) (string, error) { return machineRoot + `\Software\Classes`, nil }},
}

// Policy is the registry resource policy. UserSID backs the HKCU alias.
type Policy struct {
	UserSID string
}

var _ dispatch.ResourcePolicy = Policy{}

// New returns the registry policy for the user identified by sid.
func New(sid string) Policy { return Policy{UserSID: sid} }

func (Policy) Subsystem() policy.Subsystem { return policy.SubsysRegistry }

// NormalizeName rewrites a leading hive alias to its \Registry form. Other
// names are returned unchanged.
func (p Policy) NormalizeName(name string) (string, error) {
	for _, h := range hives {
		for _, alias := range h.names {
			if !hasAlias(name, alias) {
				continue
			}
			root, err := h.root(p.UserSID)
			if err != nil {
				return "", err
			}
			return root + name[len(alias):], nil
		}
	}
	return name, nil
}

func hasAlias(name, alias string) bool {
	if len(name) < len(alias) || !strings.EqualFold(name[:len(alias)], alias) {
		return false
	}
	return len(name) == len(alias) || name[len(alias)] == '\\'
}

// GenerateRules implements dispatch.ResourcePolicy. A read-only rule only
// covers NtOpenKey.
func (p Policy) GenerateRules(pattern string, semantics policy.Semantics, llp *policy.LowLevelPolicy) error {
	name, err := p.NormalizeName(pattern)
	if err != nil {
		return err
	}
	var rules []policy.TaggedRule
	switch semantics {
	case policy.RegAllowAny:
		create := policy.NewRule(policy.AskBroker)
		open := policy.NewRule(policy.AskBroker)
		for _, r := range []*policy.Rule{create, open} {
			if err := r.AddStringMatch(policy.If, policy.OpenKeyName, name, policy.CaseInsensitive); err != nil {
				return err
			}
		}
		rules = append(rules,
			policy.TaggedRule{Tag: crosscall.TagNtCreateKey, Rule: create},
			policy.TaggedRule{Tag: crosscall.TagNtOpenKey, Rule: open})
	case policy.RegAllowReadonly:
		open := policy.NewRule(policy.AskBroker)
		if err := open.AddNumberMatch(policy.IfNot, policy.OpenKeyAccess, uint64(^readonlyAccess), policy.And); err != nil {
			return err
		}
		if err := open.AddStringMatch(policy.If, policy.OpenKeyName, name, policy.CaseInsensitive); err != nil {
			return err
		}
		rules = append(rules, policy.TaggedRule{Tag: crosscall.TagNtOpenKey, Rule: open})
	default:
		return fmt.Errorf("%w: %s", policy.ErrUnsupportedSemantics, semantics)
	}
	return llp.AddRules(rules...)
}

// SetInitialRules implements dispatch.ResourcePolicy.
func (Policy) SetInitialRules(*policy.LowLevelPolicy) error { return nil }

// Operations implements dispatch.ResourcePolicy.
func (Policy) Operations() []dispatch.Operation {
	return []dispatch.Operation{
		{
			Tag: crosscall.TagNtCreateKey, DLL: "ntdll.dll", Function: "NtCreateKey",
			Signature: crosscall.Signature{
				crosscall.ArgWChar, crosscall.ArgUint32, crosscall.ArgVoidPtr,
				crosscall.ArgUint32, crosscall.ArgUint32, crosscall.ArgUint32,
			},
			Decode: decodeCreate,
		},
		{
			Tag: crosscall.TagNtOpenKey, DLL: "ntdll.dll", Function: "NtOpenKey",
			Signature: crosscall.Signature{
				crosscall.ArgWChar, crosscall.ArgUint32, crosscall.ArgVoidPtr, crosscall.ArgUint32,
			},
			Decode: decodeOpen,
		},
	}
}
