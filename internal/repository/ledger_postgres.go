package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"zapia_ai/internal/entities"
	"zapia_ai/internal/workflow"
)

// PostgresLedger stores the idempotency ledger in the public workflow_runs and
// workflow_steps tables, shared by every process of the deployment.
type PostgresLedger struct {
	db *pgxpool.Pool
}

func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const stepColumns = "event_name, dedup_key, step_name, status, result, halted, attempts, COALESCE(owner, ''), lease_until, COALESCE(error, ''), updated_at"

func scanStep(row pgx.Row) (entities.StepExecution, error) {
	var s entities.StepExecution
	var result []byte
	err := row.Scan(&s.EventName, &s.DedupKey, &s.StepName, &s.Status, &result, &s.Halted,
		&s.Attempts, &s.Owner, &s.LeaseUntil, &s.Error, &s.UpdatedAt)
	if len(result) > 0 {
		s.Result = json.RawMessage(result)
	}
	return s, err
}

func (l *PostgresLedger) Claim(ctx context.Context, key entities.StepKey, owner string, lease time.Duration) (workflow.Claim, error) {
	exec, err := scanStep(l.db.QueryRow(ctx, `
		INSERT INTO workflow_steps AS s (event_name, dedup_key, step_name, status, owner, lease_until, attempts, updated_at)
		VALUES ($1, $2, $3, 'Running', $4, NOW() + ($5 * INTERVAL '1 millisecond'), 1, NOW())
		ON CONFLICT (event_name, dedup_key, step_name) DO UPDATE SET
			status = 'Running',
			owner = EXCLUDED.owner,
			lease_until = EXCLUDED.lease_until,
			attempts = s.attempts + 1,
			error = NULL,
			updated_at = NOW()
		WHERE s.status <> 'Completed'
		  AND NOT (s.status = 'Running' AND s.owner <> EXCLUDED.owner AND s.lease_until > NOW())
		RETURNING `+stepColumns,
		key.EventName, key.DedupKey, key.StepName, owner, lease.Milliseconds(),
	))
	if err == nil {
		return workflow.Claim{Execution: exec, Acquired: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return workflow.Claim{}, entities.Transient(fmt.Errorf("claim step: %w", err))
	}

	// Conflict without takeover: completed or leased by a peer.
	exec, err = scanStep(l.db.QueryRow(ctx,
		"SELECT "+stepColumns+" FROM workflow_steps WHERE event_name = $1 AND dedup_key = $2 AND step_name = $3",
		key.EventName, key.DedupKey, key.StepName,
	))
	if err != nil {
		return workflow.Claim{}, entities.Transient(fmt.Errorf("load step: %w", err))
	}
	return workflow.Claim{Execution: exec}, nil
}

func (l *PostgresLedger) Complete(ctx context.Context, key entities.StepKey, owner string, result json.RawMessage, halted bool) error {
	var payload any
	if len(result) > 0 {
		payload = string(result)
	}
	tag, err := l.db.Exec(ctx, `
		UPDATE workflow_steps
		SET status = 'Completed', result = $5::jsonb, halted = $6, updated_at = NOW()
		WHERE event_name = $1 AND dedup_key = $2 AND step_name = $3 AND owner = $4 AND status = 'Running'
	`, key.EventName, key.DedupKey, key.StepName, owner, payload, halted)
	if err != nil {
		return entities.Transient(fmt.Errorf("complete step: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return workflow.ErrLeaseLost
	}
	return nil
}

func (l *PostgresLedger) Fail(ctx context.Context, key entities.StepKey, owner, reason string) error {
	tag, err := l.db.Exec(ctx, `
		UPDATE workflow_steps
		SET status = 'Failed', error = $5, updated_at = NOW()
		WHERE event_name = $1 AND dedup_key = $2 AND step_name = $3 AND owner = $4 AND status = 'Running'
	`, key.EventName, key.DedupKey, key.StepName, owner, reason)
	if err != nil {
		return entities.Transient(fmt.Errorf("fail step: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return workflow.ErrLeaseLost
	}
	return nil
}

func (l *PostgresLedger) SaveRun(ctx context.Context, run entities.WorkflowRun) error {
	_, err := l.db.Exec(ctx, `
		INSERT INTO workflow_runs (event_name, dedup_key, tenant_id, status, error)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		ON CONFLICT (event_name, dedup_key) DO UPDATE SET
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			updated_at = NOW()
	`, run.EventName, run.DedupKey, run.TenantID, string(run.Status), run.Error)
	if err != nil {
		return entities.Transient(fmt.Errorf("save run: %w", err))
	}
	return nil
}

func (l *PostgresLedger) GetRun(ctx context.Context, eventName, dedupKey string) (entities.WorkflowRun, error) {
	var r entities.WorkflowRun
	err := l.db.QueryRow(ctx, `
		SELECT event_name, dedup_key, tenant_id, status, COALESCE(error, ''), created_at, updated_at
		FROM workflow_runs WHERE event_name = $1 AND dedup_key = $2
	`, eventName, dedupKey).Scan(&r.EventName, &r.DedupKey, &r.TenantID, &r.Status, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return entities.WorkflowRun{}, entities.ErrNotFound
	}
	if err != nil {
		return entities.WorkflowRun{}, entities.Transient(fmt.Errorf("get run: %w", err))
	}
	return r, nil
}
