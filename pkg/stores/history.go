// Package stores persists the append-only history of reconcile and removal
// runs in a local SQLite database. The history is an audit trail, not the
// source of truth; the file-backed state store in pkg/state holds current
// truth and the two never reference each other.
package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/skiffhq/skiff/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// HistoryStore records deployment runs and their per-machine events.
// Implements engine.RunRecorder.
type HistoryStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite history store configuration. Zero pool values fall
// back to the defaults.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Pool defaults applied when Config leaves them zero.
const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
)

// NewHistoryStore creates a history store backed by the database at
// cfg.Path. Call Init before use.
func NewHistoryStore(cfg Config) (*HistoryStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("history database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = defaultMaxOpenConns
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = defaultMaxIdleConns
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaultConnMaxLifetime
	}
	return &HistoryStore{cfg: cfg}, nil
}

// Init opens the database, enables WAL mode, and runs pending migrations.
func (s *HistoryStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping history database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return s.migrate()
}

// Close closes the database connection.
func (s *HistoryStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *HistoryStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// RecordRun implements engine.RunRecorder.
func (s *HistoryStore) RecordRun(ctx context.Context, run *engine.RunRecord) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("run record with an id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, service, action, requested, succeeded, failed, status, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			status = excluded.status,
			error = excluded.error,
			duration_ms = excluded.duration_ms`,
		run.ID, run.Service, run.Action, run.Requested, run.Succeeded, run.Failed,
		run.Status, run.Error, run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// RecordEvent implements engine.RunRecorder. Events reference a run that
// may not be recorded yet; the run row is written when the batch settles,
// so the foreign key is deferred by storing the run id as plain text.
func (s *HistoryStore) RecordEvent(ctx context.Context, runID, machine, level, message string) error {
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_events (run_id, machine, level, message, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, machine, level, message, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record run event: %w", err)
	}
	return nil
}

// Event is one per-machine entry in a run's trail.
type Event struct {
	RunID     string
	Machine   string
	Level     string
	Message   string
	CreatedAt time.Time
}

// ListRuns returns the most recent runs, newest first. A non-empty service
// filters to that service; limit <= 0 means 50.
func (s *HistoryStore) ListRuns(ctx context.Context, service string, limit int) ([]*engine.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, service, action, requested, succeeded, failed, status, error, started_at, duration_ms
		FROM runs`
	args := []any{}
	if service != "" {
		query += ` WHERE service = ?`
		args = append(args, service)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*engine.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRun returns one run and its events.
func (s *HistoryStore) GetRun(ctx context.Context, id string) (*engine.RunRecord, []*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, service, action, requested, succeeded, failed, status, error, started_at, duration_ms
		FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("run %q not found", id)
	}
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, machine, level, message, created_at
		FROM run_events WHERE run_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load run events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			ev      Event
			created string
		)
		if err := rows.Scan(&ev.RunID, &ev.Machine, &ev.Level, &ev.Message, &created); err != nil {
			return nil, nil, fmt.Errorf("failed to scan run event: %w", err)
		}
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		events = append(events, &ev)
	}
	return run, events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*engine.RunRecord, error) {
	var (
		run        engine.RunRecord
		startedAt  string
		durationMS int64
	)
	err := row.Scan(&run.ID, &run.Service, &run.Action, &run.Requested,
		&run.Succeeded, &run.Failed, &run.Status, &run.Error, &startedAt, &durationMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	run.Duration = time.Duration(durationMS) * time.Millisecond
	return &run, nil
}
