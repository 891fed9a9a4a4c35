// Package audit appends orchestration history to a relational sink: SQLite
// in standalone mode, Postgres in managed mode. Rows are append-only; the
// schema is owned by the embedded migrations.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/voxflow/internal/bus"
	"github.com/nextlevelbuilder/voxflow/internal/config"
	"github.com/nextlevelbuilder/voxflow/pkg/protocol"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Sink is the append-only history consumer the engine writes through.
type Sink interface {
	RecordEvent(ctx context.Context, ev bus.Event) error
	Close() error
}

// SQLSink implements Sink over database/sql for both supported drivers.
type SQLSink struct {
	db     *sql.DB
	driver string // "sqlite" or "pgx"
}

// Open connects the configured sink and applies migrations.
func Open(cfg config.AuditConfig) (*SQLSink, error) {
	var (
		db     *sql.DB
		driver string
		err    error
	)
	if cfg.Mode == "managed" && cfg.PostgresDSN != "" {
		driver = "pgx"
		db, err = sql.Open("pgx", cfg.PostgresDSN)
	} else {
		driver = "sqlite"
		db, err = sql.Open("sqlite", cfg.SQLitePath)
	}
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	s := &SQLSink{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("audit.opened", "driver", driver)
	return s, nil
}

func (s *SQLSink) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	var m *migrate.Migrate
	switch s.driver {
	case "pgx":
		driver, derr := migratepgx.WithInstance(s.db, &migratepgx.Config{})
		if derr != nil {
			return fmt.Errorf("migrate driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "pgx", driver)
	default:
		driver, derr := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
		if derr != nil {
			return fmt.Errorf("migrate driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", driver)
	}
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// rebind converts ?-style placeholders for the Postgres driver.
func (s *SQLSink) rebind(query string) string {
	if s.driver != "pgx" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// RecordEvent appends the event row plus derived workflow/step log rows.
func (s *SQLSink) RecordEvent(ctx context.Context, ev bus.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		payload = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO audit_events (id, trigger_kind, workflow_id, agent_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		ev.EventID, string(ev.Trigger), ev.WorkflowID, ev.AgentID, string(payload), ev.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	switch ev.Trigger {
	case protocol.TriggerWorkflowStarted, protocol.TriggerWorkflowCompleted,
		protocol.TriggerWorkflowFailed, protocol.TriggerWorkflowCancelled:
		state := strings.TrimPrefix(string(ev.Trigger), "workflow.")
		_, err = s.db.ExecContext(ctx, s.rebind(
			`INSERT INTO workflow_log (id, workflow_id, state, detail, created_at)
			 VALUES (?, ?, ?, ?, ?)`),
			newRowID(), ev.WorkflowID, state, string(payload), ev.Timestamp)
	case protocol.TriggerAgentStarted, protocol.TriggerAgentCompleted, protocol.TriggerAgentFailed:
		state := strings.TrimPrefix(string(ev.Trigger), "agent.")
		role, _ := ev.Payload["role"].(string)
		_, err = s.db.ExecContext(ctx, s.rebind(
			`INSERT INTO workflow_step_log (id, workflow_id, agent_id, role, state, detail, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`),
			newRowID(), ev.WorkflowID, ev.AgentID, role, state, string(payload), ev.Timestamp)
	}
	if err != nil {
		return fmt.Errorf("insert derived row: %w", err)
	}
	return nil
}

// Bind subscribes the sink to every bus trigger. Failures are logged, never
// propagated — audit is best-effort from the engine's perspective.
func (s *SQLSink) Bind(b *bus.Bus) {
	b.SubscribeAll(func(ev bus.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.RecordEvent(ctx, ev); err != nil {
			slog.Warn("audit.record_failed", "event_id", ev.EventID, "error", err)
		}
	})
}

// EventCount reports rows for one workflow; used by tests.
func (s *SQLSink) EventCount(ctx context.Context, workflowID string) (int, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM audit_events WHERE workflow_id = ?`), workflowID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLSink) Close() error { return s.db.Close() }

func newRowID() string {
	return uuid.NewString()
}
