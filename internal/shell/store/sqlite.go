package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/shipit/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

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
	db  *sqlx.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sqlx.Open("sqlite3", dsn+sep+"_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "failed to open database", ErrConnectionFailed)
	}
	// One writer; also keeps an in-memory database on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
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
// Deploy Runs
// =============================================================================

// BeginRun records report as an open deploy run. It fails with ErrRunActive
// while another deploy to the same target is open and younger than
// staleAfter; older open runs are closed as abandoned first. A zero
// staleAfter never treats an open run as stale.
func (s *SQLiteStore) BeginRun(ctx context.Context, report *domain.DeployReport, staleAfter time.Duration) error {
	target := report.Target.Address()

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if staleAfter > 0 {
			cutoff := formatTime(s.now().Add(-staleAfter))
			if _, err := tx.ExecContext(ctx, `
				UPDATE runs
				SET outcome = ?, state = ?, finished_at = ?
				WHERE kind = 'deploy' AND target = ? AND finished_at IS NULL AND started_at < ?`,
				OutcomeAbandoned, string(domain.StateFatal), formatTime(s.now()), target, cutoff,
			); err != nil {
				return NewStoreError("BeginRun", report.RunID, err.Error(), err)
			}
		}

		var active string
		err := tx.GetContext(ctx, &active, `
			SELECT id FROM runs
			WHERE kind = 'deploy' AND target = ? AND finished_at IS NULL
			LIMIT 1`, target)
		switch {
		case err == nil:
			return NewStoreError("BeginRun", active, fmt.Sprintf("deploy to %s still open", target), ErrRunActive)
		case !errors.Is(err, sql.ErrNoRows):
			return NewStoreError("BeginRun", report.RunID, err.Error(), err)
		}

		return insertRun(ctx, tx, deployRow(report))
	})
}

// AppendTransition records one state change of a run.
func (s *SQLiteStore) AppendTransition(ctx context.Context, runID string, t domain.Transition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_transitions (run_id, from_state, to_state, at) VALUES (?, ?, ?, ?)`,
		runID, string(t.From), string(t.To), formatTime(t.At))
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return NewStoreError("AppendTransition", runID, "run not recorded", ErrForeignKey)
		}
		return NewStoreError("AppendTransition", runID, err.Error(), err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE runs SET state = ? WHERE id = ?`, string(t.To), runID)
	if err != nil {
		return NewStoreError("AppendTransition", runID, err.Error(), err)
	}
	return nil
}

// FinishRun stores the final state of report.
func (s *SQLiteStore) FinishRun(ctx context.Context, report *domain.DeployReport) error {
	row := deployRow(report)
	if row.FinishedAt == nil {
		return NewStoreError("FinishRun", report.RunID, "run is not finished", ErrInvalidData)
	}

	res, err := s.db.NamedExecContext(ctx, `
		UPDATE runs SET
			state = :state, outcome = :outcome, reason = :reason, failed_stage = :failed_stage,
			error_message = :error_message, rollback_attempted = :rollback_attempted,
			rollback_succeeded = :rollback_succeeded, restored_previous = :restored_previous,
			images = :images, finished_at = :finished_at
		WHERE id = :id`, row)
	if err != nil {
		return NewStoreError("FinishRun", report.RunID, err.Error(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewStoreError("FinishRun", report.RunID, "run not found", ErrNotFound)
	}
	return nil
}

// OnTransition lets the store observe a deploy controller.
func (s *SQLiteStore) OnTransition(ctx context.Context, report *domain.DeployReport, t domain.Transition) error {
	if err := s.AppendTransition(ctx, report.RunID, t); err != nil {
		return err
	}
	if t.To.Terminal() {
		return s.FinishRun(ctx, report)
	}
	return nil
}

// =============================================================================
// Build Runs
// =============================================================================

// RecordBuild stores a finished publish.
func (s *SQLiteStore) RecordBuild(ctx context.Context, build BuildRecord) error {
	finished := build.FinishedAt
	row := &runRow{
		ID:        build.ID,
		Kind:      KindBuild,
		Target:    build.Image,
		State:     string(domain.StateSuccess),
		Outcome:   string(domain.OutcomeSuccess),
		Images:    "[]",
		StartedAt: formatTime(build.StartedAt),
	}
	f := formatTime(finished)
	row.FinishedAt = &f

	if build.Err != nil {
		row.State = string(domain.StateFatal)
		row.Outcome = string(domain.OutcomeFatal)
		row.ErrorMessage = build.Err.Error()
		var pubErr *domain.PublishError
		if errors.As(build.Err, &pubErr) {
			row.FailedStage = string(pubErr.Step)
		}
	} else {
		images := make([]string, 0, 2)
		for _, ref := range build.Result.Tags() {
			images = append(images, ref.String())
		}
		data, err := json.Marshal(images)
		if err != nil {
			return NewStoreError("RecordBuild", build.ID, "failed to serialize images", ErrInvalidData)
		}
		row.Images = string(data)
	}

	return insertRun(ctx, s.db, row)
}

// =============================================================================
// Queries
// =============================================================================

// GetRun returns one run with its transitions.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	var row runRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRun", id, "run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRun", id, err.Error(), err)
	}

	rec, err := rowToRecord(&row)
	if err != nil {
		return nil, err
	}

	var transitions []transitionRow
	if err := s.db.SelectContext(ctx, &transitions, `
		SELECT from_state, to_state, at FROM run_transitions WHERE run_id = ? ORDER BY id`, id); err != nil {
		return nil, NewStoreError("GetRun", id, err.Error(), err)
	}
	for _, t := range transitions {
		at, err := parseTime(t.At)
		if err != nil {
			return nil, NewStoreError("GetRun", id, "invalid transition time", ErrInvalidData)
		}
		rec.Transitions = append(rec.Transitions, domain.Transition{
			From: domain.RunState(t.From),
			To:   domain.RunState(t.To),
			At:   at,
		})
	}
	return rec, nil
}

// ListRuns returns runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]RunRecord, error) {
	opts = opts.Normalize()

	query := `SELECT * FROM runs`
	args := []any{}
	if opts.Kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, opts.Kind)
	}
	query += ` ORDER BY started_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, NewStoreError("ListRuns", "", err.Error(), err)
	}

	records := make([]RunRecord, 0, len(rows))
	for i := range rows {
		rec, err := rowToRecord(&rows[i])
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("withTx", "", "failed to begin transaction", ErrTxFailed)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("withTx", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("withTx", "", "failed to commit transaction", ErrTxFailed)
	}
	return nil
}

// =============================================================================
// Rows
// =============================================================================

type runRow struct {
	ID                string  `db:"id"`
	Kind              string  `db:"kind"`
	Target            string  `db:"target"`
	Artifact          string  `db:"artifact"`
	State             string  `db:"state"`
	Outcome           string  `db:"outcome"`
	Reason            string  `db:"reason"`
	FailedStage       string  `db:"failed_stage"`
	ErrorMessage      string  `db:"error_message"`
	RollbackAttempted bool    `db:"rollback_attempted"`
	RollbackSucceeded bool    `db:"rollback_succeeded"`
	RestoredPrevious  bool    `db:"restored_previous"`
	Images            string  `db:"images"`
	StartedAt         string  `db:"started_at"`
	FinishedAt        *string `db:"finished_at"`
}

type transitionRow struct {
	From string `db:"from_state"`
	To   string `db:"to_state"`
	At   string `db:"at"`
}

func insertRun(ctx context.Context, exec executor, row *runRow) error {
	_, err := exec.NamedExecContext(ctx, `
		INSERT INTO runs (
			id, kind, target, artifact, state, outcome, reason, failed_stage,
			error_message, rollback_attempted, rollback_succeeded, restored_previous,
			images, started_at, finished_at
		) VALUES (
			:id, :kind, :target, :artifact, :state, :outcome, :reason, :failed_stage,
			:error_message, :rollback_attempted, :rollback_succeeded, :restored_previous,
			:images, :started_at, :finished_at
		)`, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: runs.id") {
			return NewStoreError("insertRun", row.ID, "run with this ID already exists", ErrDuplicateID)
		}
		if strings.Contains(err.Error(), "UNIQUE constraint failed: runs.target") {
			return NewStoreError("insertRun", row.ID, fmt.Sprintf("deploy to %s still open", row.Target), ErrRunActive)
		}
		return NewStoreError("insertRun", row.ID, err.Error(), err)
	}
	return nil
}

func deployRow(report *domain.DeployReport) *runRow {
	images, _ := json.Marshal(report.Images)
	if report.Images == nil {
		images = []byte("[]")
	}

	row := &runRow{
		ID:                report.RunID,
		Kind:              KindDeploy,
		Target:            report.Target.Address(),
		Artifact:          report.Artifact.DestPath,
		State:             string(report.State),
		Outcome:           string(report.Outcome),
		Reason:            string(report.Reason),
		FailedStage:       string(report.FailedStage),
		RollbackAttempted: report.RollbackAttempted,
		RollbackSucceeded: report.RollbackSucceeded,
		RestoredPrevious:  report.RestoredPrevious,
		Images:            string(images),
		StartedAt:         formatTime(report.StartedAt),
	}
	if report.Err != nil {
		row.ErrorMessage = report.Err.Error()
	}
	if report.FinishedAt != nil {
		f := formatTime(*report.FinishedAt)
		row.FinishedAt = &f
	}
	return row
}

func rowToRecord(row *runRow) (*RunRecord, error) {
	rec := &RunRecord{
		ID:                row.ID,
		Kind:              row.Kind,
		Target:            row.Target,
		Artifact:          row.Artifact,
		State:             row.State,
		Outcome:           row.Outcome,
		Reason:            row.Reason,
		FailedStage:       row.FailedStage,
		Error:             row.ErrorMessage,
		RollbackAttempted: row.RollbackAttempted,
		RollbackSucceeded: row.RollbackSucceeded,
		RestoredPrevious:  row.RestoredPrevious,
	}

	if err := json.Unmarshal([]byte(row.Images), &rec.Images); err != nil {
		return nil, NewStoreError("rowToRecord", row.ID, "failed to parse images", ErrInvalidData)
	}

	started, err := parseTime(row.StartedAt)
	if err != nil {
		return nil, NewStoreError("rowToRecord", row.ID, "invalid started_at", ErrInvalidData)
	}
	rec.StartedAt = started

	if row.FinishedAt != nil {
		finished, err := parseTime(*row.FinishedAt)
		if err != nil {
			return nil, NewStoreError("rowToRecord", row.ID, "invalid finished_at", ErrInvalidData)
		}
		rec.FinishedAt = &finished
	}
	return rec, nil
}

// Times are stored as fixed-width UTC strings so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
