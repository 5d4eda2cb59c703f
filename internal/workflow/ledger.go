package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"zapia_ai/internal/entities"
)

// ErrLeaseLost is returned when a step record is no longer owned by the caller.
var ErrLeaseLost = errors.New("step lease lost")

// Claim is the outcome of Ledger.Claim.
//
// Acquired is true when the caller now owns the step and must execute it.
// When Acquired is false, Execution tells why: Completed means the cached
// result must be reused, Running means a peer holds an unexpired lease.
type Claim struct {
	Execution entities.StepExecution
	Acquired  bool
}

// Ledger is the append-only idempotency record of step executions,
// unique on (event name, dedup key, step name).
//
// Claim semantics:
//   - no record: insert Running owned by owner, Acquired
//   - Completed: return the record, not Acquired
//   - Running, owned by someone else with an unexpired lease: not Acquired
//   - anything else (own lease, expired lease, Failed): take over, Acquired
//
// Every Acquired claim increments Attempts and extends the lease.
type Ledger interface {
	Claim(ctx context.Context, key entities.StepKey, owner string, lease time.Duration) (Claim, error)
	Complete(ctx context.Context, key entities.StepKey, owner string, result json.RawMessage, halted bool) error
	Fail(ctx context.Context, key entities.StepKey, owner, reason string) error
	SaveRun(ctx context.Context, run entities.WorkflowRun) error
	GetRun(ctx context.Context, eventName, dedupKey string) (entities.WorkflowRun, error)
}

// MemoryLedger keeps the ledger in process memory. Used for tests and
// single-process development setups.
type MemoryLedger struct {
	mu    sync.Mutex
	steps map[entities.StepKey]entities.StepExecution
	runs  map[[2]string]entities.WorkflowRun
	now   func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		steps: make(map[entities.StepKey]entities.StepExecution),
		runs:  make(map[[2]string]entities.WorkflowRun),
		now:   time.Now,
	}
}

func (l *MemoryLedger) Claim(_ context.Context, key entities.StepKey, owner string, lease time.Duration) (Claim, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	exec, exists := l.steps[key]
	if exists {
		switch {
		case exec.Status == entities.StepCompleted:
			return Claim{Execution: exec}, nil
		case exec.Status == entities.StepRunning && exec.Owner != owner && now.Before(exec.LeaseUntil):
			return Claim{Execution: exec}, nil
		}
	} else {
		exec = entities.StepExecution{StepKey: key}
	}

	exec.Status = entities.StepRunning
	exec.Owner = owner
	exec.LeaseUntil = now.Add(lease)
	exec.Attempts++
	exec.Error = ""
	exec.UpdatedAt = now
	l.steps[key] = exec
	return Claim{Execution: exec, Acquired: true}, nil
}

func (l *MemoryLedger) Complete(_ context.Context, key entities.StepKey, owner string, result json.RawMessage, halted bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	exec, ok := l.steps[key]
	if !ok || exec.Status != entities.StepRunning || exec.Owner != owner {
		return ErrLeaseLost
	}
	exec.Status = entities.StepCompleted
	exec.Result = append(json.RawMessage(nil), result...)
	exec.Halted = halted
	exec.UpdatedAt = l.now()
	l.steps[key] = exec
	return nil
}

func (l *MemoryLedger) Fail(_ context.Context, key entities.StepKey, owner, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	exec, ok := l.steps[key]
	if !ok || exec.Status != entities.StepRunning || exec.Owner != owner {
		return ErrLeaseLost
	}
	exec.Status = entities.StepFailed
	exec.Error = reason
	exec.UpdatedAt = l.now()
	l.steps[key] = exec
	return nil
}

func (l *MemoryLedger) SaveRun(_ context.Context, run entities.WorkflowRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := [2]string{run.EventName, run.DedupKey}
	now := l.now()
	if prev, ok := l.runs[k]; ok {
		run.CreatedAt = prev.CreatedAt
	} else {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	l.runs[k] = run
	return nil
}

func (l *MemoryLedger) GetRun(_ context.Context, eventName, dedupKey string) (entities.WorkflowRun, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	run, ok := l.runs[[2]string{eventName, dedupKey}]
	if !ok {
		return entities.WorkflowRun{}, entities.ErrNotFound
	}
	return run, nil
}

// Step returns a copy of a step record, for inspection in tests and tooling.
func (l *MemoryLedger) Step(key entities.StepKey) (entities.StepExecution, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	exec, ok := l.steps[key]
	return exec, ok
}
