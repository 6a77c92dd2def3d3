package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentsh/broker/internal/broker"
)

func newRunCmd(g *globalOptions) *cobra.Command {
	var addr string
	var dir string

	cmd := &cobra.Command{
		Use:   "run [flags] -- APP [ARGS...]",
		Short: "Launch one target and broker its calls until it exits",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cmd, g, appOptions{audit: true})
			if err != nil {
				return err
			}
			defer a.Close()

			ln, err := a.listen(addr)
			if err != nil {
				return err
			}
			s, err := a.broker.SpawnTarget(ctx, broker.SpawnRequest{
				CommandLine: commandLine(args),
				CurrentDir:  dir,
				Suspended:   true,
			})
			if err != nil {
				_ = ln.Close()
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "AGENTSH_BROKER_ADDR=%s\nAGENTSH_BROKER_TOKEN=%s\n", ln.Addr(), s.Token)

			serveCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- a.broker.Serve(serveCtx, ln) }()

			if err := a.broker.ResumeTarget(s); err != nil {
				s.Terminate("resume failed")
				cancel()
				<-done
				return fmt.Errorf("resume target: %w", err)
			}
			stopMetrics := a.startMetrics()
			defer stopMetrics()

			select {
			case <-a.broker.Emptied():
				a.logger.Info("target exited", "target", s.ID)
			case <-ctx.Done():
				s.Terminate("interrupted")
			case err := <-done:
				return err
			}
			cancel()
			return <-done
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides transport.address)")
	cmd.Flags().StringVar(&dir, "dir", "", "Working directory of the target")
	return cmd
}

// commandLine joins args, quoting those containing spaces or quotes.
func commandLine(args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\"") {
			a = `"` + strings.ReplaceAll(a, `"`, `\"`) + `"`
		}
		parts[i] = a
	}
	return strings.Join(parts, " ")
}
