package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/stackd/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Fixed-width so that text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}
	// Supervisors report from many goroutines; one connection serialises
	// writers and keeps an in-memory database on a single handle.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Run Operations
// =============================================================================

// runRow represents a run row in the database.
type runRow struct {
	ID        string  `db:"id"`
	Instance  string  `db:"instance"`
	Profile   string  `db:"profile"`
	Status    string  `db:"status"`
	StartedAt string  `db:"started_at"`
	StoppedAt *string `db:"stopped_at"`
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	return createRun(ctx, s.db, run)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	return getRun(ctx, s.db, id)
}

func (s *SQLiteStore) LatestRun(ctx context.Context, instance, profile string) (*Run, error) {
	return latestRun(ctx, s.db, instance, profile)
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id string, status RunStatus) error {
	return updateRunStatus(ctx, s.db, id, status)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status RunStatus, at time.Time) error {
	return finishRun(ctx, s.db, id, status, at)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, instance string, limit int) ([]Run, error) {
	return listRuns(ctx, s.db, instance, limit)
}

// =============================================================================
// Event Operations
// =============================================================================

// eventRow represents a service_events row in the database.
type eventRow struct {
	Seq       int64  `db:"seq"`
	ID        string `db:"id"`
	RunID     string `db:"run_id"`
	Service   string `db:"service"`
	FromState string `db:"from_state"`
	ToState   string `db:"to_state"`
	PID       int    `db:"pid"`
	Detail    string `db:"detail"`
	At        string `db:"at"`
}

func (s *SQLiteStore) RecordTransition(ctx context.Context, event *Event) error {
	return recordTransition(ctx, s.db, event)
}

func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, opts ListOptions) ([]Event, error) {
	return listEvents(ctx, s.db, runID, opts)
}

func (s *SQLiteStore) LatestStates(ctx context.Context, runID string) ([]Event, error) {
	return latestStates(ctx, s.db, runID)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	return createRun(ctx, s.tx, run)
}

func (s *txSQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	return getRun(ctx, s.tx, id)
}

func (s *txSQLiteStore) LatestRun(ctx context.Context, instance, profile string) (*Run, error) {
	return latestRun(ctx, s.tx, instance, profile)
}

func (s *txSQLiteStore) UpdateRunStatus(ctx context.Context, id string, status RunStatus) error {
	return updateRunStatus(ctx, s.tx, id, status)
}

func (s *txSQLiteStore) FinishRun(ctx context.Context, id string, status RunStatus, at time.Time) error {
	return finishRun(ctx, s.tx, id, status, at)
}

func (s *txSQLiteStore) ListRuns(ctx context.Context, instance string, limit int) ([]Run, error) {
	return listRuns(ctx, s.tx, instance, limit)
}

func (s *txSQLiteStore) RecordTransition(ctx context.Context, event *Event) error {
	return recordTransition(ctx, s.tx, event)
}

func (s *txSQLiteStore) ListEvents(ctx context.Context, runID string, opts ListOptions) ([]Event, error) {
	return listEvents(ctx, s.tx, runID, opts)
}

func (s *txSQLiteStore) LatestStates(ctx context.Context, runID string) ([]Event, error) {
	return latestStates(ctx, s.tx, runID)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	return nil
}

// =============================================================================
// Shared Implementation Functions
// =============================================================================

func createRun(ctx context.Context, exec executor, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = RunStarting
	}

	query := `
		INSERT INTO runs (id, instance, profile, status, started_at, stopped_at)
		VALUES (:id, :instance, :profile, :status, :started_at, :stopped_at)`

	row := map[string]any{
		"id":         run.ID,
		"instance":   run.Instance,
		"profile":    run.Profile,
		"status":     string(run.Status),
		"started_at": formatTime(run.StartedAt),
		"stopped_at": formatTimePtr(run.StoppedAt),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: runs.id") {
			return NewStoreError("CreateRun", "run", run.ID, "run already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateRun", "run", run.ID, err.Error(), err)
	}
	return nil
}

func getRun(ctx context.Context, exec executor, id string) (*Run, error) {
	var row runRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewStoreError("GetRun", "run", id, "run not found", ErrNotFound)
	}
	if err != nil {
		return nil, NewStoreError("GetRun", "run", id, err.Error(), err)
	}
	return rowToRun(row)
}

func latestRun(ctx context.Context, exec executor, instance, profile string) (*Run, error) {
	var row runRow
	err := exec.GetContext(ctx, &row, `
		SELECT * FROM runs
		WHERE instance = ? AND profile = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT 1`, instance, profile)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewStoreError("LatestRun", "run", "", "no run for "+instance+"/"+profile, ErrNotFound)
	}
	if err != nil {
		return nil, NewStoreError("LatestRun", "run", "", err.Error(), err)
	}
	return rowToRun(row)
}

func updateRunStatus(ctx context.Context, exec executor, id string, status RunStatus) error {
	result, err := exec.ExecContext(ctx, `UPDATE runs SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return NewStoreError("UpdateRunStatus", "run", id, err.Error(), err)
	}
	return requireRow(result, "UpdateRunStatus", id)
}

func finishRun(ctx context.Context, exec executor, id string, status RunStatus, at time.Time) error {
	result, err := exec.ExecContext(ctx,
		`UPDATE runs SET status = ?, stopped_at = ? WHERE id = ?`,
		string(status), formatTime(at), id)
	if err != nil {
		return NewStoreError("FinishRun", "run", id, err.Error(), err)
	}
	return requireRow(result, "FinishRun", id)
}

func listRuns(ctx context.Context, exec executor, instance string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = DefaultListOptions().Limit
	}
	var rows []runRow
	err := exec.SelectContext(ctx, &rows, `
		SELECT * FROM runs
		WHERE instance = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, instance, limit)
	if err != nil {
		return nil, NewStoreError("ListRuns", "run", "", err.Error(), err)
	}

	runs := make([]Run, 0, len(rows))
	for _, row := range rows {
		run, err := rowToRun(row)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

func recordTransition(ctx context.Context, exec executor, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}

	query := `
		INSERT INTO service_events (id, run_id, service, from_state, to_state, pid, detail, at)
		VALUES (:id, :run_id, :service, :from_state, :to_state, :pid, :detail, :at)`

	row := map[string]any{
		"id":         event.ID,
		"run_id":     event.RunID,
		"service":    event.Service,
		"from_state": string(event.From),
		"to_state":   string(event.To),
		"pid":        event.PID,
		"detail":     event.Detail,
		"at":         formatTime(event.At),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "FOREIGN KEY constraint failed"):
			return NewStoreError("RecordTransition", "event", event.ID, "unknown run "+event.RunID, ErrForeignKey)
		case strings.Contains(msg, "UNIQUE constraint failed: service_events.id"):
			return NewStoreError("RecordTransition", "event", event.ID, "event already exists", ErrDuplicateID)
		}
		return NewStoreError("RecordTransition", "event", event.ID, msg, err)
	}
	return nil
}

func listEvents(ctx context.Context, exec executor, runID string, opts ListOptions) ([]Event, error) {
	opts = opts.Normalize()

	query := `SELECT * FROM service_events WHERE run_id = ?`
	args := []any{runID}
	if opts.Service != "" {
		query += ` AND service = ?`
		args = append(args, opts.Service)
	}
	query += ` ORDER BY seq ASC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	var rows []eventRow
	if err := exec.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, NewStoreError("ListEvents", "event", "", err.Error(), err)
	}
	return rowsToEvents(rows)
}

// latestStates returns the newest event of every service in the run,
// ordered by service name.
func latestStates(ctx context.Context, exec executor, runID string) ([]Event, error) {
	var rows []eventRow
	err := exec.SelectContext(ctx, &rows, `
		SELECT e.* FROM service_events e
		JOIN (
			SELECT service, MAX(seq) AS seq
			FROM service_events
			WHERE run_id = ?
			GROUP BY service
		) latest ON e.seq = latest.seq
		ORDER BY e.service ASC`, runID)
	if err != nil {
		return nil, NewStoreError("LatestStates", "event", "", err.Error(), err)
	}
	return rowsToEvents(rows)
}

// =============================================================================
// Row Conversion
// =============================================================================

func rowToRun(row runRow) (*Run, error) {
	started, err := parseTime(row.StartedAt)
	if err != nil {
		return nil, NewStoreError("rowToRun", "run", row.ID, "bad started_at", ErrInvalidData)
	}
	run := &Run{
		ID:        row.ID,
		Instance:  row.Instance,
		Profile:   row.Profile,
		Status:    RunStatus(row.Status),
		StartedAt: started,
	}
	if row.StoppedAt != nil {
		stopped, err := parseTime(*row.StoppedAt)
		if err != nil {
			return nil, NewStoreError("rowToRun", "run", row.ID, "bad stopped_at", ErrInvalidData)
		}
		run.StoppedAt = &stopped
	}
	return run, nil
}

func rowsToEvents(rows []eventRow) ([]Event, error) {
	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		at, err := parseTime(row.At)
		if err != nil {
			return nil, NewStoreError("rowsToEvents", "event", row.ID, "bad timestamp", ErrInvalidData)
		}
		events = append(events, Event{
			ID:      row.ID,
			RunID:   row.RunID,
			Service: row.Service,
			From:    domain.ServiceState(row.FromState),
			To:      domain.ServiceState(row.ToState),
			PID:     row.PID,
			Detail:  row.Detail,
			At:      at,
		})
	}
	return events, nil
}

func requireRow(result sql.Result, op, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return NewStoreError(op, "run", id, err.Error(), err)
	}
	if n == 0 {
		return NewStoreError(op, "run", id, "run not found", ErrNotFound)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
