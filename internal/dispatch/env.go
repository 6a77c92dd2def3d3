package dispatch

import (
	"fmt"
	"strings"

	"github.com/agentsh/broker/internal/ntapi"
)

// Transfer moves the broker-local handle h into the target with its
// current access. The broker copy is closed whether or not the duplication
// succeeds; a failed duplication reports StatusAccessDenied.
func (e *Env) Transfer(h ntapi.Handle) (ntapi.Handle, ntapi.Status) {
	sc := ntapi.NewScoped(e.Sys, h)
	defer sc.Close()
	dup, err := sc.TransferTo(e.Client.Process)
	if err != nil {
		e.Logger.Debug("duplicate into target failed", "pid", e.Client.PID, "error", err)
		return ntapi.NullHandle, ntapi.StatusAccessDenied
	}
	return dup, ntapi.StatusSuccess
}

// Borrow duplicates the target's handle h into the broker. The caller owns
// the returned guard.
func (e *Env) Borrow(h ntapi.Handle) (*ntapi.Scoped, error) {
	local, err := e.Sys.DuplicateHandle(e.Client.Process, h, ntapi.CurrentProcess, 0, ntapi.DuplicateSameAccess)
	if err != nil {
		return nil, fmt.Errorf("duplicate target handle %s: %w", h, err)
	}
	return ntapi.NewScoped(e.Sys, local), nil
}

// ResolveRoot returns the fully qualified name of name relative to the
// target's directory handle root. A null root returns name unchanged.
// Opening the root itself is not subject to policy; only the resolved name
// is evaluated.
func (e *Env) ResolveRoot(root ntapi.Handle, name string) (string, error) {
	if root == ntapi.NullHandle {
		return name, nil
	}
	sc, err := e.Borrow(root)
	if err != nil {
		return "", err
	}
	defer sc.Close()
	base, err := e.Sys.ObjectName(sc.Get())
	if err != nil {
		return "", fmt.Errorf("resolve root %s: %w", root, err)
	}
	if name == "" {
		return base, nil
	}
	return strings.TrimRight(base, `\`) + `\` + strings.TrimLeft(name, `\`), nil
}
