// Package sqlite keeps audit events in an indexed SQLite table.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentsh/broker/pkg/types"
)

const (
	defaultQueryLimit = 200
	maxQueryLimit     = 5000
)

// Store appends audit events to one SQLite database. The full event is
// kept as JSON next to the indexed columns.
type Store struct {
	db *sql.DB
}

// Open creates or migrates the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			ts_unix_ns INTEGER NOT NULL,
			type TEXT NOT NULL,
			target_id TEXT NOT NULL,
			pid INTEGER,
			service TEXT,
			resource TEXT,
			decision TEXT,
			action TEXT,
			status INTEGER,
			win32 INTEGER,
			payload_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_target_ts ON events(target_id, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_events_service_ts ON events(service, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_events_decision ON events(decision);`,
		`CREATE INDEX IF NOT EXISTS idx_events_resource ON events(resource);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	if ev.ID == "" {
		return fmt.Errorf("event missing id")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var decision, action string
	if ev.Policy != nil {
		decision = string(ev.Policy.Decision)
		action = ev.Policy.Action
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events(
			event_id, ts_unix_ns, type, target_id, pid,
			service, resource, decision, action, status, win32, payload_json
		) VALUES(?,?,?,?,?,?,?,?,?,?,?,?);`,
		ev.ID,
		ev.Timestamp.UTC().UnixNano(),
		ev.Type,
		ev.TargetID,
		nullableInt(ev.PID),
		nullable(ev.Service),
		nullable(ev.Resource),
		nullable(decision),
		nullable(action),
		int64(ev.Status),
		int64(ev.Win32),
		string(b),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// eventFilter turns q into a WHERE clause and its arguments.
func eventFilter(q types.EventQuery) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, vals ...any) {
		conds = append(conds, cond)
		args = append(args, vals...)
	}

	if q.TargetID != "" {
		add("target_id = ?", q.TargetID)
	}
	if q.Service != "" {
		add("service = ?", q.Service)
	}
	if n := len(q.Types); n > 0 {
		vals := make([]any, n)
		for i, t := range q.Types {
			vals[i] = t
		}
		add("type IN (?"+strings.Repeat(",?", n-1)+")", vals...)
	}
	if q.Since != nil {
		add("ts_unix_ns >= ?", q.Since.UTC().UnixNano())
	}
	if q.Until != nil {
		add("ts_unix_ns <= ?", q.Until.UTC().UnixNano())
	}
	if q.Decision != nil {
		add("decision = ?", string(*q.Decision))
	}
	if q.ResourcePrefix != "" {
		add("substr(resource, 1, length(?)) = ?", q.ResourcePrefix, q.ResourcePrefix)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// QueryEvents returns events matching q, newest first unless q.Asc.
func (s *Store) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	where, args := eventFilter(q)
	order := "DESC"
	if q.Asc {
		order = "ASC"
	}
	limit := q.Limit
	if limit <= 0 || limit > maxQueryLimit {
		limit = defaultQueryLimit
	}

	query := fmt.Sprintf("SELECT payload_json FROM events%s ORDER BY ts_unix_ns %s, rowid %s LIMIT ? OFFSET ?", where, order, order)
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, max(q.Offset, 0))...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev types.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DecisionCounts returns the number of decision events per service and
// decision, keyed "service/decision".
func (s *Store) DecisionCounts(ctx context.Context, targetID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service, decision, COUNT(*) FROM events
		WHERE type = ? AND (? = '' OR target_id = ?)
		GROUP BY service, decision`,
		types.EventDecision, targetID, targetID)
	if err != nil {
		return nil, fmt.Errorf("count decisions: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var service, decision sql.NullString
		var n int
		if err := rows.Scan(&service, &decision, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[service.String+"/"+decision.String] = n
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(i int) any {
	if i == 0 {
		return nil
	}
	return i
}
