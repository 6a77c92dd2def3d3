package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentsh/broker/internal/broker"
	"github.com/agentsh/broker/internal/config"
	"github.com/agentsh/broker/internal/metrics"
	"github.com/agentsh/broker/internal/ntapi"
	"github.com/agentsh/broker/internal/ntapi/memsys"
	"github.com/agentsh/broker/internal/ntapi/winsys"
	"github.com/agentsh/broker/internal/store"
	"github.com/agentsh/broker/internal/store/composite"
	"github.com/agentsh/broker/internal/store/jsonl"
	"github.com/agentsh/broker/internal/store/sqlite"
	"github.com/agentsh/broker/pkg/observability"
)

// app is one configured broker with its logger, OS backend and audit sink.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Collector
	broker  *broker.Broker
	// sim is set when running on the in-memory object manager.
	sim *memsys.System

	closers []io.Closer
}

type appOptions struct {
	audit    bool
	simulate bool
}

func loadConfig(g *globalOptions) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	return cfg, nil
}

func newApp(cmd *cobra.Command, g *globalOptions, o appOptions) (_ *app, err error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	out, logFile, err := logOutput(cmd, cfg.Logging.Output)
	if err != nil {
		return nil, err
	}
	if logFile != nil {
		a.closers = append(a.closers, logFile)
	}
	a.logger, err = observability.NewLogger(observability.LoggerConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: out,
	})
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	sys, tokens, jobs, err := a.openSystem(g.simulate || o.simulate)
	if err != nil {
		return nil, err
	}

	var events store.EventStore
	if o.audit && cfg.Audit.Enabled {
		events, err = openAudit(cfg)
		if err != nil {
			return nil, err
		}
		events = metrics.WrapEventStore(events, a.metrics)
	}

	limits, err := cfg.Limits()
	if err != nil {
		return nil, err
	}
	size, err := cfg.BufferSize()
	if err != nil {
		return nil, err
	}
	a.broker, err = broker.New(broker.Options{
		Sys:        sys,
		Tokens:     tokens,
		Jobs:       jobs,
		BufferSize: size,
		Limits:     broker.Limits{Token: limits.Token, Job: limits.Job, Integrity: limits.Integrity},
		UserSID:    cfg.Broker.UserSID,
		Logger:     a.logger,
		Store:      events,
		Metrics:    a.metrics,
		Tracer:     observability.Tracer(),
	})
	if err != nil {
		if events != nil {
			_ = events.Close()
		}
		return nil, err
	}
	// The broker closes before the audit sink it writes to.
	if events != nil {
		a.closers = append(a.closers, events)
	}
	a.closers = append(a.closers, a.broker)

	rules, err := cfg.CompiledRules()
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if err := a.broker.AddRule(r.Subsystem, r.Semantics, r.Pattern); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *app) openSystem(simulate bool) (ntapi.System, ntapi.TokenFactory, ntapi.JobFactory, error) {
	if !simulate {
		ws, err := winsys.New()
		if err == nil {
			a.closers = append(a.closers, ws)
			return ws, ws, ws, nil
		}
		if !errors.Is(err, winsys.ErrUnsupported) {
			return nil, nil, nil, fmt.Errorf("open object manager: %w", err)
		}
		a.logger.Warn("native object manager unavailable, simulating", "error", err)
	}
	a.sim = memsys.New()
	return a.sim, a.sim, a.sim, nil
}

func openAudit(cfg *config.Config) (store.EventStore, error) {
	var sinks []store.EventStore
	if cfg.Audit.JSONL.Path != "" {
		js, err := jsonl.New(cfg.Audit.JSONL.Path, cfg.JSONLMaxSizeMB(), cfg.Audit.JSONL.MaxBackups)
		if err != nil {
			return nil, fmt.Errorf("open jsonl audit: %w", err)
		}
		sinks = append(sinks, js)
	}
	if cfg.Audit.SQLitePath != "" {
		db, err := sqlite.Open(cfg.Audit.SQLitePath)
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
			return nil, fmt.Errorf("open sqlite audit: %w", err)
		}
		sinks = append(sinks, db)
	}
	// sqlite answers queries when present.
	primary := sinks[len(sinks)-1]
	return composite.New(primary, sinks[:len(sinks)-1]...), nil
}

// logOutput returns the log destination and, for a file, its closer.
func logOutput(cmd *cobra.Command, output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stderr":
		return cmd.ErrOrStderr(), nil, nil
	case "stdout":
		return cmd.OutOrStdout(), nil, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}
	return f, f, nil
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}
