package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapia_ai/internal/entities"
	"zapia_ai/internal/workflow"
)

func openTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	l, err := OpenSQLiteLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestSQLiteLedgerClaimCompleteReplay(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	key := entities.StepKey{EventName: entities.EventMessageReceived, DedupKey: "wamid.123", StepName: "deliver-response"}

	c, err := l.Claim(ctx, key, "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, c.Acquired)
	assert.Equal(t, entities.StepRunning, c.Execution.Status)
	assert.Equal(t, 1, c.Execution.Attempts)

	c, err = l.Claim(ctx, key, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, c.Acquired)
	assert.Equal(t, "worker-a", c.Execution.Owner)

	assert.ErrorIs(t, l.Complete(ctx, key, "worker-b", []byte(`{}`), false), workflow.ErrLeaseLost)
	require.NoError(t, l.Complete(ctx, key, "worker-a", []byte(`{"provider_message_id":"wamid.out"}`), false))

	c, err = l.Claim(ctx, key, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, c.Acquired)
	assert.Equal(t, entities.StepCompleted, c.Execution.Status)
	assert.JSONEq(t, `{"provider_message_id":"wamid.out"}`, string(c.Execution.Result))
}

func TestSQLiteLedgerExpiredLeaseIsTakenOver(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	key := entities.StepKey{EventName: "e", DedupKey: "d", StepName: "s"}

	_, err := l.Claim(ctx, key, "a", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	c, err := l.Claim(ctx, key, "b", time.Second)
	require.NoError(t, err)
	assert.True(t, c.Acquired)
	assert.Equal(t, "b", c.Execution.Owner)
	assert.Equal(t, 2, c.Execution.Attempts)
}

func TestSQLiteLedgerHaltedAndFailed(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	halted := entities.StepKey{EventName: "e", DedupKey: "d", StepName: "generate"}
	failed := entities.StepKey{EventName: "e", DedupKey: "d", StepName: "persist"}

	_, err := l.Claim(ctx, halted, "a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.Complete(ctx, halted, "a", nil, true))
	c, err := l.Claim(ctx, halted, "a", time.Minute)
	require.NoError(t, err)
	assert.False(t, c.Acquired)
	assert.True(t, c.Execution.Halted)
	assert.Empty(t, c.Execution.Result)

	_, err = l.Claim(ctx, failed, "a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.Fail(ctx, failed, "a", "constraint violation"))
	c, err = l.Claim(ctx, failed, "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, c.Acquired, "failed steps are retried on redelivery")
}

func TestSQLiteLedgerRuns(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)

	_, err := l.GetRun(ctx, "e", "d")
	assert.ErrorIs(t, err, entities.ErrNotFound)

	require.NoError(t, l.SaveRun(ctx, entities.WorkflowRun{EventName: "e", DedupKey: "d", TenantID: "acme", Status: entities.RunRunning}))
	require.NoError(t, l.SaveRun(ctx, entities.WorkflowRun{EventName: "e", DedupKey: "d", TenantID: "acme", Status: entities.RunFailed, Error: "boom"}))

	run, err := l.GetRun(ctx, "e", "d")
	require.NoError(t, err)
	assert.Equal(t, entities.RunFailed, run.Status)
	assert.Equal(t, "boom", run.Error)
	assert.Equal(t, "acme", run.TenantID)
}

func TestSQLiteLedgerDrivesEngine(t *testing.T) {
	l := openTestLedger(t)
	engine := workflow.NewEngine(l)
	calls := 0
	require.NoError(t, engine.Register(workflow.Workflow{
		Name:    "sqlite",
		Trigger: "e",
		Steps: []workflow.Step{{Name: "once", Run: func(ctx context.Context, run *workflow.Run) (any, error) {
			calls++
			return "done", nil
		}}},
	}))

	ev := entities.Event{Name: "e", TenantID: "acme", DedupKey: "d"}
	_, err := engine.Execute(context.Background(), ev)
	require.NoError(t, err)
	report, err := engine.Execute(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	step, _ := report.Step("once")
	assert.Equal(t, entities.StepSkipped, step.Status)
}
