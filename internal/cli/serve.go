package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentsh/broker/internal/broker"
	"github.com/agentsh/broker/internal/crosscall"
	"github.com/agentsh/broker/internal/dispatch"
	"github.com/agentsh/broker/internal/metrics"
)

func newServeCmd(g *globalOptions) *cobra.Command {
	var addr string
	var spawn []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve brokered calls until interrupted",
		Long: "Serve brokered calls until interrupted. Each --spawn launches a target under the configured\n" +
			"token and job; with --simulate one simulated target is registered instead.",
		Args: cobra.NoArgs,
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
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "agentsh-broker listening on %s (policy %s)\n", ln.Addr(), a.broker.Freeze())

			for _, cl := range spawn {
				s, err := a.broker.SpawnTarget(ctx, broker.SpawnRequest{CommandLine: cl})
				if err != nil {
					_ = ln.Close()
					return fmt.Errorf("spawn %q: %w", cl, err)
				}
				printTarget(out, s.Target)
			}
			if a.sim != nil && len(spawn) == 0 {
				pid, h := a.sim.NewTarget("simulated.exe")
				t, err := a.broker.AddTarget(dispatch.Client{Process: h, PID: pid, TokenLevel: a.limits().Token})
				if err != nil {
					_ = ln.Close()
					return err
				}
				printTarget(out, t)
			}

			stopMetrics := a.startMetrics()
			defer stopMetrics()
			return a.broker.Serve(ctx, ln)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides transport.address)")
	cmd.Flags().StringArrayVar(&spawn, "spawn", nil, "Command line of a target to launch (repeatable)")
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printTarget(w io.Writer, t *broker.Target) {
	fmt.Fprintf(w, "target %s pid=%d token=%s\n", t.ID, t.PID(), t.Token)
}

func (a *app) listen(addr string) (net.Listener, error) {
	if addr == "" {
		addr = a.cfg.Transport.Address
	}
	ln, err := crosscall.Listen(addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

func (a *app) limits() broker.Limits {
	l, _ := a.cfg.Limits()
	return broker.Limits{Token: l.Token, Job: l.Job, Integrity: l.Integrity}
}

// startMetrics serves /metrics and /healthz when enabled and returns the
// shutdown func.
func (a *app) startMetrics() func() {
	if !a.cfg.Metrics.Enabled {
		return func() {}
	}
	srv := &http.Server{
		Addr: a.cfg.Metrics.Addr,
		Handler: a.metrics.Router(
			metrics.HandlerOptions{TargetCount: a.broker.TargetCount},
			func() bool { return a.broker.State() != broker.StateDestroyed },
		),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server", "addr", srv.Addr, "error", err)
		}
	}()
	a.logger.Info("metrics listening", "addr", srv.Addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
