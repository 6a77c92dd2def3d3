package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentsh/broker/internal/store"
	"github.com/agentsh/broker/internal/store/jsonl"
	"github.com/agentsh/broker/internal/store/sqlite"
	"github.com/agentsh/broker/pkg/types"
)

func newEventsCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Read the decision audit trail",
	}
	cmd.AddCommand(newEventsQueryCmd(g))
	cmd.AddCommand(newEventsSummaryCmd(g))
	return cmd
}

type eventFlags struct {
	target   string
	service  string
	typesCSV string
	decision string
	since    string
	until    string
	resource string
	limit    int
	offset   int
	order    string
}

func newEventsQueryCmd(g *globalOptions) *cobra.Command {
	var f eventFlags
	var dbPath string

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query audit events (sqlite when configured, else the jsonl file)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := f.query()
			if err != nil {
				return err
			}
			st, err := openAuditReader(g, dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			evs, err := st.QueryEvents(commandContext(cmd), q)
			if err != nil {
				return err
			}
			if evs == nil {
				evs = []types.Event{}
			}
			return printJSON(cmd, evs)
		},
	}

	cmd.Flags().StringVar(&f.target, "target", "", "Filter by target ID")
	cmd.Flags().StringVar(&f.service, "service", "", "Filter by service (e.g. NtCreateFile)")
	cmd.Flags().StringVar(&f.typesCSV, "type", "", "Comma-separated event types")
	cmd.Flags().StringVar(&f.decision, "decision", "", "Decision filter (allow|deny|fault)")
	cmd.Flags().StringVar(&f.since, "since", "", "Start time (RFC3339) or duration (e.g. 1h)")
	cmd.Flags().StringVar(&f.until, "until", "", "End time (RFC3339) or duration (e.g. 5m)")
	cmd.Flags().StringVar(&f.resource, "resource-prefix", "", "Resource name prefix")
	cmd.Flags().IntVar(&f.limit, "limit", 200, "Result limit")
	cmd.Flags().IntVar(&f.offset, "offset", 0, "Result offset")
	cmd.Flags().StringVar(&f.order, "order", "desc", "Sort order: asc|desc")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite audit database (overrides audit.sqlite_path)")
	return cmd
}

func newEventsSummaryCmd(g *globalOptions) *cobra.Command {
	var target, dbPath string

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Count decisions per service and decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				cfg, err := loadConfig(g)
				if err != nil {
					return err
				}
				dbPath = cfg.Audit.SQLitePath
			}
			if dbPath == "" {
				return fmt.Errorf("events summary needs audit.sqlite_path or --db")
			}
			st, err := sqlite.Open(dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			counts, err := st.DecisionCounts(commandContext(cmd), target)
			if err != nil {
				return err
			}
			return printJSON(cmd, counts)
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "Only count decisions of this target ID")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite audit database (overrides audit.sqlite_path)")
	return cmd
}

// openAuditReader opens dbPath, or the configured sqlite database, or the
// configured jsonl file, in that order.
func openAuditReader(g *globalOptions, dbPath string) (store.EventStore, error) {
	if dbPath != "" {
		return sqlite.Open(dbPath)
	}
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	switch {
	case cfg.Audit.SQLitePath != "":
		return sqlite.Open(cfg.Audit.SQLitePath)
	case cfg.Audit.JSONL.Path != "":
		return jsonl.New(cfg.Audit.JSONL.Path, cfg.JSONLMaxSizeMB(), cfg.Audit.JSONL.MaxBackups)
	}
	return nil, fmt.Errorf("no audit sink configured (set audit.sqlite_path, audit.jsonl.path or --db)")
}

func (f eventFlags) query() (types.EventQuery, error) {
	q := types.EventQuery{
		TargetID:       f.target,
		Service:        f.service,
		ResourcePrefix: f.resource,
		Limit:          f.limit,
		Offset:         f.offset,
		Asc:            strings.EqualFold(f.order, "asc"),
	}
	if f.typesCSV != "" {
		q.Types = strings.Split(f.typesCSV, ",")
	}
	if f.decision != "" {
		d := types.Decision(f.decision)
		switch d {
		case types.DecisionAllow, types.DecisionDeny, types.DecisionFault:
		default:
			return q, fmt.Errorf("unknown decision %q", f.decision)
		}
		q.Decision = &d
	}
	if f.since != "" {
		t, err := parseTimeOrAgo(f.since)
		if err != nil {
			return q, fmt.Errorf("--since: %w", err)
		}
		q.Since = &t
	}
	if f.until != "" {
		t, err := parseTimeOrAgo(f.until)
		if err != nil {
			return q, fmt.Errorf("--until: %w", err)
		}
		q.Until = &t
	}
	return q, nil
}

// parseTimeOrAgo accepts RFC3339 or a duration before now.
func parseTimeOrAgo(s string) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().UTC().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
