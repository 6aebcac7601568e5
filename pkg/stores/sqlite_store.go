package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/lakegate/lakegate/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRunExists is returned when saving a run whose ID is already recorded.
	ErrRunExists = errors.New("run already exists")
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

var (
	_ engine.RunRecorder = (*SQLiteStore)(nil)
	_ engine.RunReader   = (*SQLiteStore)(nil)
	_ engine.RunIndex    = (*SQLiteStore)(nil)
)

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 4
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to ":memory:" opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if s.path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveRun records a run with its imports, expectation results, merge
// attempts and warnings. A run is written once: saving an ID that is already
// recorded fails with ErrRunExists and leaves the first record untouched.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *engine.WAPRun) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("run ID is required")
	}

	labels, err := json.Marshal(nonNilLabels(run.Labels))
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}
	history, err := json.Marshal(run.History)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	exists, err := runExists(ctx, tx, run.ID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("run %s: %w", run.ID, ErrRunExists)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			id, owner, target_branch, base_ref, namespace,
			branch_name, branch_base_ref, branch_head, branch_state, stage, disposition,
			error_class, error_code, error, target_head_before, target_head_after,
			labels, history, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID, run.Owner, run.TargetBranch, run.BaseRef, run.Namespace,
		run.Branch.Name, run.Branch.BaseRef, run.Branch.Head, string(run.BranchState), string(run.Stage), string(run.Disposition),
		string(run.ErrorClass), run.ErrorCode, run.Error, run.TargetHeadBefore, run.TargetHeadAfter,
		string(labels), string(history), run.StartedAt.UTC(), nullTime(run.CompletedAt), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	for i, job := range run.Imports {
		files, err := json.Marshal(job.Files)
		if err != nil {
			return fmt.Errorf("failed to encode import files: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO import_jobs (
				run_id, position, name, source_uri, table_name, branch, namespace, status,
				attempts, rows_imported, files, error, error_code, started_at, completed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			run.ID, i, job.Name, job.SourceURI, job.Table, job.Branch, job.Namespace, string(job.Status),
			job.Attempts, job.RowsImported, string(files), job.Error, job.ErrorCode,
			nullTime(job.StartedAt), nullTime(job.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to save import job: %w", err)
		}
	}

	for i, res := range run.Expectations {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO expectation_results (run_id, position, name, branch, passed, message, duration_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, run.ID, i, res.Name, res.Branch, boolToInt(res.Passed), res.Message, int64(res.Duration))
		if err != nil {
			return fmt.Errorf("failed to save expectation result: %w", err)
		}
	}

	for _, a := range run.MergeAttempts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO merge_attempts (run_id, attempt, expected_head, status, result_head, error, at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, run.ID, a.Attempt, a.ExpectedHead, string(a.Status), a.ResultHead, a.Error, a.At.UTC())
		if err != nil {
			return fmt.Errorf("failed to save merge attempt: %w", err)
		}
	}

	for _, w := range run.Warnings {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO run_warnings (run_id, stage, message, at) VALUES (?, ?, ?, ?)
		`, run.ID, string(w.Stage), w.Message, w.At.UTC())
		if err != nil {
			return fmt.Errorf("failed to save warning: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

const runColumns = `
	id, owner, target_branch, base_ref, namespace,
	branch_name, branch_base_ref, branch_head, branch_state, stage, disposition,
	error_class, error_code, error, target_head_before, target_head_after,
	labels, history, started_at, completed_at
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*engine.WAPRun, error) {
	run := &engine.WAPRun{}
	var (
		branchState, stage, disposition, errorClass string
		labels, history                             string
		completedAt                                 sql.NullTime
	)
	err := row.Scan(
		&run.ID, &run.Owner, &run.TargetBranch, &run.BaseRef, &run.Namespace,
		&run.Branch.Name, &run.Branch.BaseRef, &run.Branch.Head, &branchState, &stage, &disposition,
		&errorClass, &run.ErrorCode, &run.Error, &run.TargetHeadBefore, &run.TargetHeadAfter,
		&labels, &history, &run.StartedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	run.BranchState = engine.BranchState(branchState)
	run.Stage = engine.Stage(stage)
	run.Disposition = engine.Disposition(disposition)
	run.ErrorClass = engine.ErrorClass(errorClass)
	if completedAt.Valid {
		run.CompletedAt = completedAt.Time
	}
	if err := json.Unmarshal([]byte(labels), &run.Labels); err != nil {
		return nil, fmt.Errorf("failed to decode labels: %w", err)
	}
	if len(run.Labels) == 0 {
		run.Labels = nil
	}
	if err := json.Unmarshal([]byte(history), &run.History); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return run, nil
}

// RunExists reports whether a run with id has been recorded.
func (s *SQLiteStore) RunExists(ctx context.Context, id string) (bool, error) {
	return runExists(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func runExists(ctx context.Context, q queryRower, id string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(1) FROM runs WHERE id = ?", id).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to look up run: %w", err)
	}
	return n > 0, nil
}

// GetRun retrieves a run with all of its records.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.WAPRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	if run.Imports, err = s.importJobs(ctx, id); err != nil {
		return nil, err
	}
	if run.Expectations, err = s.expectationResults(ctx, id); err != nil {
		return nil, err
	}
	if run.MergeAttempts, err = s.mergeAttempts(ctx, id); err != nil {
		return nil, err
	}
	if run.Warnings, err = s.warnings(ctx, id); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns lists run summaries, newest first. Child records are not loaded.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter engine.RunFilter) ([]*engine.WAPRun, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, filter.Owner)
	}
	if filter.TargetBranch != "" {
		where = append(where, "target_branch = ?")
		args = append(args, filter.TargetBranch)
	}
	if filter.Disposition != "" {
		where = append(where, "disposition = ?")
		args = append(args, string(filter.Disposition))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT " + runColumns + " FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.WAPRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRunsBefore deletes runs that started before cutoff and their events.
func (s *SQLiteStore) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id IN (SELECT id FROM runs WHERE started_at < ?)`, cutoff.UTC()); err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) importJobs(ctx context.Context, runID string) ([]engine.ImportJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, source_uri, table_name, branch, namespace, status, attempts, rows_imported,
			files, error, error_code, started_at, completed_at
		FROM import_jobs
		WHERE run_id = ?
		ORDER BY position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list import jobs: %w", err)
	}
	defer rows.Close()

	var jobs []engine.ImportJob
	for rows.Next() {
		var (
			job                    engine.ImportJob
			status, files          string
			startedAt, completedAt sql.NullTime
		)
		err := rows.Scan(
			&job.Name, &job.SourceURI, &job.Table, &job.Branch, &job.Namespace, &status,
			&job.Attempts, &job.RowsImported, &files, &job.Error, &job.ErrorCode,
			&startedAt, &completedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan import job: %w", err)
		}
		job.Status = engine.ImportStatus(status)
		if err := json.Unmarshal([]byte(files), &job.Files); err != nil {
			return nil, fmt.Errorf("failed to decode import files: %w", err)
		}
		if startedAt.Valid {
			job.StartedAt = startedAt.Time
		}
		if completedAt.Valid {
			job.CompletedAt = completedAt.Time
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating import jobs: %w", err)
	}
	return jobs, nil
}

func (s *SQLiteStore) expectationResults(ctx context.Context, runID string) ([]engine.ExpectationResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, branch, passed, message, duration_ns
		FROM expectation_results
		WHERE run_id = ?
		ORDER BY position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list expectation results: %w", err)
	}
	defer rows.Close()

	var results []engine.ExpectationResult
	for rows.Next() {
		var (
			res      engine.ExpectationResult
			passed   int
			duration int64
		)
		if err := rows.Scan(&res.Name, &res.Branch, &passed, &res.Message, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan expectation result: %w", err)
		}
		res.Passed = passed != 0
		res.Duration = time.Duration(duration)
		results = append(results, res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expectation results: %w", err)
	}
	return results, nil
}

func (s *SQLiteStore) mergeAttempts(ctx context.Context, runID string) ([]engine.MergeAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt, expected_head, status, result_head, error, at
		FROM merge_attempts
		WHERE run_id = ?
		ORDER BY attempt
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list merge attempts: %w", err)
	}
	defer rows.Close()

	var attempts []engine.MergeAttempt
	for rows.Next() {
		var (
			a      engine.MergeAttempt
			status string
		)
		if err := rows.Scan(&a.Attempt, &a.ExpectedHead, &status, &a.ResultHead, &a.Error, &a.At); err != nil {
			return nil, fmt.Errorf("failed to scan merge attempt: %w", err)
		}
		a.Status = engine.MergeStatus(status)
		attempts = append(attempts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating merge attempts: %w", err)
	}
	return attempts, nil
}

func (s *SQLiteStore) warnings(ctx context.Context, runID string) ([]engine.Warning, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, message, at FROM run_warnings WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list warnings: %w", err)
	}
	defer rows.Close()

	var warnings []engine.Warning
	for rows.Next() {
		var (
			w     engine.Warning
			stage string
		)
		if err := rows.Scan(&stage, &w.Message, &w.At); err != nil {
			return nil, fmt.Errorf("failed to scan warning: %w", err)
		}
		w.Stage = engine.Stage(stage)
		warnings = append(warnings, w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating warnings: %w", err)
	}
	return warnings, nil
}

// SaveEvent appends a coordinator event. Saving an event twice is a no-op.
func (s *SQLiteStore) SaveEvent(ctx context.Context, event *engine.Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}
	if event.Data == nil {
		data = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, run_id, type, stage, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, event.ID, event.RunID, string(event.Type), string(event.Stage), event.Level, event.Message, string(data), event.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// ListEvents lists the events of a run in order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, limit int) ([]*engine.Event, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, type, stage, level, message, data, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY timestamp, rowid
		LIMIT ?
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		var (
			e                engine.Event
			typ, stage, data string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &typ, &stage, &e.Level, &e.Message, &data, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = engine.EventType(typ)
		e.Stage = engine.Stage(stage)
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, fmt.Errorf("failed to decode event data: %w", err)
		}
		if len(e.Data) == 0 {
			e.Data = nil
		}
		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNilLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return map[string]string{}
	}
	return labels
}
