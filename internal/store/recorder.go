package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/fuchs-ai/conduit/internal/diag"
	"github.com/fuchs-ai/conduit/internal/engine"
	"github.com/fuchs-ai/conduit/pkg/schema"
)

// RunRecorder persists run history and abort diagnostics to libSQL (embedded
// SQLite fork). It implements diag.Sink so the executor's abort records land
// in the same database as the run rows.
type RunRecorder struct {
	db *sql.DB
}

// Open opens a libSQL database at the given path. The path should be a file
// URI, e.g. "file:/path/to/conduit.db".
func Open(dbPath string) (*RunRecorder, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &RunRecorder{db: db}, nil
}

// Migrate applies all pending database migrations.
func (r *RunRecorder) Migrate(ctx context.Context) error {
	return runMigrations(ctx, r.db)
}

// Close closes the database.
func (r *RunRecorder) Close() error { return r.db.Close() }

// RunRow is one persisted run.
type RunRow struct {
	RunID       string           `json:"run_id"`
	WorkflowID  string           `json:"workflow_id"`
	Status      schema.RunStatus `json:"status"`
	Output      json.RawMessage  `json:"output,omitempty"`
	Error       json.RawMessage  `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	WorkflowID string
	Status     schema.RunStatus
	Limit      int
}

// RecordRun persists a completed run and its per-step results in one
// transaction.
func (r *RunRecorder) RecordRun(ctx context.Context, res *engine.RunResult) error {
	output, err := nullableMap(res.Output)
	if err != nil {
		return storeError("marshal run output", err)
	}
	var runErr any
	if res.Error != nil {
		runErr, err = nullableJSON(res.Error)
		if err != nil {
			return storeError("marshal run error", err)
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin tx", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (run_id, workflow_id, status, output, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		res.RunID, res.WorkflowID, string(res.Status), output, runErr,
		res.StartedAt, res.CompletedAt,
	)
	if err != nil {
		return storeError("insert run", err)
	}

	for _, sr := range res.Steps {
		stepOut, err := nullableMap(sr.Output)
		if err != nil {
			return storeError("marshal step output", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO run_steps (run_id, step_id, status, output, error, attempts, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			res.RunID, sr.StepID, string(sr.Status), stepOut, nullStr(sr.Error),
			sr.Attempts, sr.DurationMs,
		)
		if err != nil {
			return storeError("insert run step", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeError("commit run", err)
	}
	return nil
}

// Write persists one abort diagnostic record, implementing diag.Sink.
func (r *RunRecorder) Write(ctx context.Context, rec *diag.Record) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO run_failures (run_id, workflow_id, step_id, error, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.WorkflowID, rec.StepID, rec.Error, rec.Attempts, rec.Timestamp,
	)
	if err != nil {
		return storeError("insert run failure", err)
	}
	return nil
}

// GetRun returns one run by id.
func (r *RunRecorder) GetRun(ctx context.Context, runID string) (*RunRow, error) {
	row := &RunRow{}
	var status string
	var output, runErr sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT run_id, workflow_id, status, output, error, started_at, completed_at
		 FROM runs WHERE run_id = ?`, runID,
	).Scan(&row.RunID, &row.WorkflowID, &status, &output, &runErr, &row.StartedAt, &row.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "run %q not found", runID)
	}
	if err != nil {
		return nil, storeError("get run", err)
	}
	row.Status = schema.RunStatus(status)
	row.Output = rawOrNil(output)
	row.Error = rawOrNil(runErr)
	return row, nil
}

// ListRuns returns persisted runs, most recent first.
func (r *RunRecorder) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRow, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT run_id, workflow_id, status, output, error, started_at, completed_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list runs", err)
	}
	defer rows.Close()

	var runs []*RunRow
	for rows.Next() {
		row := &RunRow{}
		var status string
		var output, runErr sql.NullString
		if err := rows.Scan(&row.RunID, &row.WorkflowID, &status, &output, &runErr,
			&row.StartedAt, &row.CompletedAt); err != nil {
			return nil, storeError("scan run", err)
		}
		row.Status = schema.RunStatus(status)
		row.Output = rawOrNil(output)
		row.Error = rawOrNil(runErr)
		runs = append(runs, row)
	}
	return runs, rows.Err()
}

// ListFailures returns abort diagnostics for a workflow, most recent first.
func (r *RunRecorder) ListFailures(ctx context.Context, workflowID string, limit int) ([]*diag.Record, error) {
	query := `SELECT run_id, workflow_id, step_id, error, attempts, created_at
	 FROM run_failures WHERE workflow_id = ? ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := r.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, storeError("list failures", err)
	}
	defer rows.Close()

	var records []*diag.Record
	for rows.Next() {
		rec := &diag.Record{}
		if err := rows.Scan(&rec.RunID, &rec.WorkflowID, &rec.StepID, &rec.Error,
			&rec.Attempts, &rec.Timestamp); err != nil {
			return nil, storeError("scan failure", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- Helpers ---

func storeError(op string, err error) *schema.ConduitError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullableMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return nullableJSON(m)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

var _ diag.Sink = (*RunRecorder)(nil)
