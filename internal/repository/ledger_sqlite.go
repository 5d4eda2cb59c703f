package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"zapia_ai/internal/entities"
	"zapia_ai/internal/workflow"
)

const sqliteLedgerSchema = `
CREATE TABLE IF NOT EXISTS workflow_runs (
	event_name TEXT NOT NULL,
	dedup_key TEXT NOT NULL,
	tenant_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (event_name, dedup_key)
);
CREATE TABLE IF NOT EXISTS workflow_steps (
	event_name TEXT NOT NULL,
	dedup_key TEXT NOT NULL,
	step_name TEXT NOT NULL,
	status TEXT NOT NULL,
	result BLOB,
	halted INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	owner TEXT,
	lease_until INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	updated_at INTEGER NOT NULL,
	UNIQUE (event_name, dedup_key, step_name)
);
`

// SQLiteLedger is a single-node durable ledger in an embedded SQLite file.
// Times are stored as unix milliseconds.
type SQLiteLedger struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteLedger creates or opens the ledger database at path.
//
// The connection is configured with WAL journaling, NORMAL synchronous mode
// and a 5 second busy timeout; a single connection serializes writers.
func OpenSQLiteLedger(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteLedgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply ledger schema: %w", err)
	}
	return &SQLiteLedger{db: db, now: time.Now}, nil
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

const sqliteStepColumns = "event_name, dedup_key, step_name, status, result, halted, attempts, COALESCE(owner, ''), lease_until, COALESCE(error, ''), updated_at"

func scanSQLiteStep(row *sql.Row) (entities.StepExecution, error) {
	var s entities.StepExecution
	var status string
	var result []byte
	var halted int
	var leaseUntil, updatedAt int64
	err := row.Scan(&s.EventName, &s.DedupKey, &s.StepName, &status, &result, &halted,
		&s.Attempts, &s.Owner, &leaseUntil, &s.Error, &updatedAt)
	if err != nil {
		return entities.StepExecution{}, err
	}
	s.Status = entities.StepStatus(status)
	if len(result) > 0 {
		s.Result = json.RawMessage(result)
	}
	s.Halted = halted != 0
	s.LeaseUntil = time.UnixMilli(leaseUntil)
	s.UpdatedAt = time.UnixMilli(updatedAt)
	return s, nil
}

func (l *SQLiteLedger) Claim(ctx context.Context, key entities.StepKey, owner string, lease time.Duration) (workflow.Claim, error) {
	now := l.now().UnixMilli()
	exec, err := scanSQLiteStep(l.db.QueryRowContext(ctx, `
		INSERT INTO workflow_steps (event_name, dedup_key, step_name, status, owner, lease_until, attempts, updated_at)
		VALUES (?, ?, ?, 'Running', ?, ?, 1, ?)
		ON CONFLICT (event_name, dedup_key, step_name) DO UPDATE SET
			status = 'Running',
			owner = excluded.owner,
			lease_until = excluded.lease_until,
			attempts = workflow_steps.attempts + 1,
			error = NULL,
			updated_at = excluded.updated_at
		WHERE workflow_steps.status <> 'Completed'
		  AND NOT (workflow_steps.status = 'Running'
		           AND workflow_steps.owner <> excluded.owner
		           AND workflow_steps.lease_until > excluded.updated_at)
		RETURNING `+sqliteStepColumns,
		key.EventName, key.DedupKey, key.StepName, owner, now+lease.Milliseconds(), now,
	))
	if err == nil {
		return workflow.Claim{Execution: exec, Acquired: true}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return workflow.Claim{}, fmt.Errorf("claim step: %w", err)
	}

	exec, err = scanSQLiteStep(l.db.QueryRowContext(ctx,
		"SELECT "+sqliteStepColumns+" FROM workflow_steps WHERE event_name = ? AND dedup_key = ? AND step_name = ?",
		key.EventName, key.DedupKey, key.StepName,
	))
	if err != nil {
		return workflow.Claim{}, fmt.Errorf("load step: %w", err)
	}
	return workflow.Claim{Execution: exec}, nil
}

func (l *SQLiteLedger) Complete(ctx context.Context, key entities.StepKey, owner string, result json.RawMessage, halted bool) error {
	var payload []byte
	if len(result) > 0 {
		payload = result
	}
	res, err := l.db.ExecContext(ctx, `
		UPDATE workflow_steps SET status = 'Completed', result = ?, halted = ?, updated_at = ?
		WHERE event_name = ? AND dedup_key = ? AND step_name = ? AND owner = ? AND status = 'Running'
	`, payload, halted, l.now().UnixMilli(), key.EventName, key.DedupKey, key.StepName, owner)
	return leaseResult(res, err, "complete step")
}

func (l *SQLiteLedger) Fail(ctx context.Context, key entities.StepKey, owner, reason string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE workflow_steps SET status = 'Failed', error = ?, updated_at = ?
		WHERE event_name = ? AND dedup_key = ? AND step_name = ? AND owner = ? AND status = 'Running'
	`, reason, l.now().UnixMilli(), key.EventName, key.DedupKey, key.StepName, owner)
	return leaseResult(res, err, "fail step")
}

func leaseResult(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return workflow.ErrLeaseLost
	}
	return nil
}

func (l *SQLiteLedger) SaveRun(ctx context.Context, run entities.WorkflowRun) error {
	now := l.now().UnixMilli()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (event_name, dedup_key, tenant_id, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?)
		ON CONFLICT (event_name, dedup_key) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, run.EventName, run.DedupKey, run.TenantID, string(run.Status), run.Error, now, now)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) GetRun(ctx context.Context, eventName, dedupKey string) (entities.WorkflowRun, error) {
	var r entities.WorkflowRun
	var status string
	var created, updated int64
	err := l.db.QueryRowContext(ctx, `
		SELECT event_name, dedup_key, tenant_id, status, COALESCE(error, ''), created_at, updated_at
		FROM workflow_runs WHERE event_name = ? AND dedup_key = ?
	`, eventName, dedupKey).Scan(&r.EventName, &r.DedupKey, &r.TenantID, &status, &r.Error, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return entities.WorkflowRun{}, entities.ErrNotFound
	}
	if err != nil {
		return entities.WorkflowRun{}, fmt.Errorf("get run: %w", err)
	}
	r.Status = entities.RunStatus(status)
	r.CreatedAt = time.UnixMilli(created)
	r.UpdatedAt = time.UnixMilli(updated)
	return r, nil
}
