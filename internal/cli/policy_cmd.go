package cli

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentsh/broker/internal/crosscall"
	"github.com/agentsh/broker/internal/dispatch"
	"github.com/agentsh/broker/internal/ntapi"
	"github.com/agentsh/broker/pkg/types"
)

func newPolicyCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Compile and exercise the configured rules",
	}
	cmd.AddCommand(newPolicyCheckCmd(g))
	cmd.AddCommand(newPolicyEvalCmd(g))
	return cmd
}

type policyReport struct {
	Rules    int              `json:"rules"`
	Used     int              `json:"buffer_used"`
	Capacity int              `json:"buffer_capacity"`
	Digest   string           `json:"digest"`
	Patches  []dispatch.Patch `json:"patches"`
}

func newPolicyCheckCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Compile the rules, print the policy digest and the functions to intercept",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, g, appOptions{simulate: true})
			if err != nil {
				return err
			}
			defer a.Close()

			digest := a.broker.Freeze()
			m := dispatch.NewManifest()
			if err := a.broker.SetupServices(m); err != nil {
				return err
			}
			llp := a.broker.Policy()
			return printJSON(cmd, policyReport{
				Rules:    len(llp.Rules()),
				Used:     llp.Global().Used(),
				Capacity: llp.Global().Capacity(),
				Digest:   digest,
				Patches:  m.Patches(),
			})
		},
	}
}

type evalReport struct {
	Service  string         `json:"service"`
	Decision types.Decision `json:"decision"`
	Outcome  string         `json:"outcome"`
	Status   string         `json:"status"`
	Win32    uint32         `json:"win32"`
	Handle   uint64         `json:"handle,omitempty"`
	Extended []uint32       `json:"extended,omitempty"`
}

func newPolicyEvalCmd(g *globalOptions) *cobra.Command {
	var rawArgs, files, dirs, keys []string

	cmd := &cobra.Command{
		Use:   "eval SERVICE",
		Short: "Dispatch one call from a simulated target and print the decision",
		Long: "Dispatch one call from a simulated target and print the decision. Arguments are typed:\n" +
			"str:TEXT, u32:N, u64:N, handle:N or buf:HEX. Exits 2 when the call is not allowed.",
		Example: `  agentsh-broker policy eval NtOpenKey --arg 'str:HKLM\Software\Test' --arg u32:0 --arg handle:0 --arg u32:0x20019`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tag, err := crosscall.ParseTag(args[0])
			if err != nil {
				return err
			}
			callArgs := make([]crosscall.Arg, 0, len(rawArgs))
			for _, s := range rawArgs {
				a, err := parseArg(s)
				if err != nil {
					return err
				}
				callArgs = append(callArgs, a)
			}

			a, err := newApp(cmd, g, appOptions{simulate: true})
			if err != nil {
				return err
			}
			defer a.Close()

			for _, f := range files {
				a.sim.AddFile(f, 0)
			}
			for _, d := range dirs {
				a.sim.AddFile(d, ntapi.FileAttributeDirectory)
			}
			for _, k := range keys {
				a.sim.AddKey(k)
			}
			pid, h := a.sim.NewTarget("eval.exe")
			t, err := a.broker.AddTarget(dispatch.Client{Process: h, PID: pid, TokenLevel: a.limits().Token})
			if err != nil {
				return err
			}

			ret, decision := t.Handle(commandContext(cmd), crosscall.NewCall(tag, callArgs...))
			if err := printJSON(cmd, evalReport{
				Service:  tag.String(),
				Decision: decision,
				Outcome:  ret.Outcome.String(),
				Status:   ntapi.Status(ret.Status).Error(),
				Win32:    ret.Win32,
				Handle:   ret.Handle,
				Extended: ret.Extended,
			}); err != nil {
				return err
			}
			if decision != types.DecisionAllow {
				return NewExitError(ExitDenied, "")
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&rawArgs, "arg", nil, "Typed call argument, in order (repeatable)")
	cmd.Flags().StringArrayVar(&files, "file", nil, `Native file name to create first, e.g. \??\C:\data\a.txt`)
	cmd.Flags().StringArrayVar(&dirs, "dir", nil, "Native directory name to create first")
	cmd.Flags().StringArrayVar(&keys, "key", nil, `Native key path to create first, e.g. \Registry\Machine\Software\Test`)
	return cmd
}

func parseArg(s string) (crosscall.Arg, error) {
	kind, val, ok := strings.Cut(s, ":")
	if !ok {
		return crosscall.Arg{}, fmt.Errorf("argument %q: want TYPE:VALUE", s)
	}
	switch strings.ToLower(kind) {
	case "str":
		return crosscall.WChar(val), nil
	case "u32":
		n, err := strconv.ParseUint(val, 0, 32)
		if err != nil {
			return crosscall.Arg{}, fmt.Errorf("argument %q: %w", s, err)
		}
		return crosscall.Uint32(uint32(n)), nil
	case "u64":
		n, err := strconv.ParseUint(val, 0, 64)
		if err != nil {
			return crosscall.Arg{}, fmt.Errorf("argument %q: %w", s, err)
		}
		return crosscall.Uint64(n), nil
	case "handle":
		n, err := strconv.ParseUint(val, 0, 64)
		if err != nil {
			return crosscall.Arg{}, fmt.Errorf("argument %q: %w", s, err)
		}
		return crosscall.VoidPtr(ntapi.Handle(n)), nil
	case "buf":
		b, err := hex.DecodeString(val)
		if err != nil {
			return crosscall.Arg{}, fmt.Errorf("argument %q: %w", s, err)
		}
		return crosscall.InOutPtr(b), nil
	}
	return crosscall.Arg{}, fmt.Errorf("argument %q: unknown type %q", s, kind)
}
