package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"zapia_ai/internal/entities"
	"zapia_ai/internal/interfaces"
)

var (
	ErrUnknownEvent = errors.New("no workflow registered for event")
	ErrInvalidEvent = errors.New("invalid event")
)

// Engine executes registered workflows step by step, consulting the ledger
// before every step so that redelivered events never repeat a completed
// side effect.
type Engine struct {
	ledger Ledger
	locks  Locker
	policy RetryPolicy
	log    *slog.Logger
	owner  string
	sleep  func(ctx context.Context, d time.Duration) error

	mu        sync.RWMutex
	workflows map[string]*Workflow
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

func WithLocker(l Locker) Option { return func(e *Engine) { e.locks = l } }

func WithRetryPolicy(p RetryPolicy) Option { return func(e *Engine) { e.policy = p } }

// WithOwner sets the lease owner written to the ledger. Defaults to a random id
// per engine, which is what separate processes need.
func WithOwner(owner string) Option { return func(e *Engine) { e.owner = owner } }

// WithSleep replaces the backoff sleeper, mainly to keep tests fast.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

func NewEngine(ledger Ledger, opts ...Option) *Engine {
	e := &Engine{
		ledger:    ledger,
		locks:     NewKeyLocks(),
		policy:    DefaultRetryPolicy(),
		log:       slog.Default(),
		owner:     "engine-" + uuid.NewString(),
		sleep:     sleepCtx,
		workflows: make(map[string]*Workflow),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.policy.MaxAttempts < 1 {
		e.policy.MaxAttempts = 1
	}
	if e.policy.StepTimeout <= 0 {
		e.policy.StepTimeout = DefaultRetryPolicy().StepTimeout
	}
	return e
}

// Register adds a workflow. One workflow per trigger event, step names unique.
func (e *Engine) Register(wf Workflow) error {
	if wf.Trigger == "" || len(wf.Steps) == 0 {
		return fmt.Errorf("workflow %q: trigger and steps are required", wf.Name)
	}
	seen := make(map[string]bool, len(wf.Steps))
	for _, s := range wf.Steps {
		if s.Name == "" || s.Run == nil {
			return fmt.Errorf("workflow %q: step without name or body", wf.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("workflow %q: duplicate step %q", wf.Name, s.Name)
		}
		seen[s.Name] = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[wf.Trigger]; exists {
		return fmt.Errorf("workflow for %q already registered", wf.Trigger)
	}
	e.workflows[wf.Trigger] = &wf
	return nil
}

// Triggers lists the event names with a registered workflow.
func (e *Engine) Triggers() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.workflows))
	for name := range e.workflows {
		names = append(names, name)
	}
	return names
}

func (e *Engine) workflow(trigger string) (*Workflow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[trigger]
	return wf, ok
}

// Execute runs the workflow registered for ev.Name.
//
// A nil error means the run is Completed (possibly halted). A *RunError means
// the run was recorded Failed. Any other error (ledger unavailable, context
// cancelled) leaves the run resumable and the event should be redelivered.
func (e *Engine) Execute(ctx context.Context, ev entities.Event) (*RunReport, error) {
	wf, ok := e.workflow(ev.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Name)
	}
	if ev.DedupKey == "" {
		return nil, fmt.Errorf("%w: %s without dedup key", ErrInvalidEvent, ev.Name)
	}

	unlock, err := e.locks.Lock(ctx, ev.Name+"|"+ev.DedupKey)
	if err != nil {
		return nil, fmt.Errorf("lock %s/%s: %w", ev.Name, ev.DedupKey, err)
	}
	defer unlock()

	log := e.log.With(
		slog.String("workflow", wf.Name),
		slog.String("event", ev.Name),
		slog.String("dedup_key", ev.DedupKey),
		slog.String("tenant_id", ev.TenantID),
	)

	run := entities.WorkflowRun{
		EventName: ev.Name,
		TenantID:  ev.TenantID,
		DedupKey:  ev.DedupKey,
		Status:    entities.RunPending,
	}
	// A redelivery of a completed run replays from the ledger without
	// moving the run back through Pending and Running.
	prev, err := e.ledger.GetRun(ctx, ev.Name, ev.DedupKey)
	if err != nil || prev.Status != entities.RunCompleted {
		if err := e.saveRun(ctx, &run, entities.RunPending, ""); err != nil {
			return nil, err
		}
		if err := e.saveRun(ctx, &run, entities.RunRunning, ""); err != nil {
			return nil, err
		}
	}

	report := &RunReport{}
	state := newRun(ev)
	for i, step := range wf.Steps {
		exec, err := e.runStep(ctx, log, state, step)
		report.Steps = append(report.Steps, exec)

		if err != nil {
			var sf *stepFailure
			if !errors.As(err, &sf) {
				report.Run = run
				return report, err
			}
			if step.BestEffort {
				log.Warn("best-effort step failed, continuing",
					slog.String("step", step.Name), slog.Any("error", sf.err))
				continue
			}

			for _, rest := range wf.Steps[i+1:] {
				report.Steps = append(report.Steps, pendingExec(ev, rest.Name))
			}
			runErr := &RunError{
				EventName: ev.Name,
				DedupKey:  ev.DedupKey,
				Step:      step.Name,
				Attempts:  sf.attempts,
				Err:       sf.err,
			}
			if err := e.saveRun(ctx, &run, entities.RunFailed, runErr.Error()); err != nil {
				log.Error("record failed run", slog.Any("error", err))
			}
			log.Error("run failed", slog.String("step", step.Name), slog.Int("attempts", sf.attempts), slog.Any("error", sf.err))
			if wf.OnFailure != nil {
				wf.OnFailure(context.WithoutCancel(ctx), state, step.Name, sf.err)
			}
			report.Run = run
			return report, runErr
		}

		if exec.Halted {
			for _, rest := range wf.Steps[i+1:] {
				skipped := pendingExec(ev, rest.Name)
				skipped.Status = entities.StepSkipped
				report.Steps = append(report.Steps, skipped)
			}
			log.Info("run halted", slog.String("step", step.Name))
			break
		}
	}

	if err := e.saveRun(ctx, &run, entities.RunCompleted, ""); err != nil {
		report.Run = run
		return report, err
	}
	report.Run = run
	return report, nil
}

// stepFailure is a step that failed for good: fatal, or transient past the ceiling.
type stepFailure struct {
	attempts int
	err      error
}

func (f *stepFailure) Error() string { return f.err.Error() }
func (f *stepFailure) Unwrap() error { return f.err }

func pendingExec(ev entities.Event, step string) entities.StepExecution {
	return entities.StepExecution{
		StepKey: entities.StepKey{EventName: ev.Name, DedupKey: ev.DedupKey, StepName: step},
		Status:  entities.StepPending,
	}
}

func (e *Engine) runStep(ctx context.Context, log *slog.Logger, state *Run, step Step) (entities.StepExecution, error) {
	key := entities.StepKey{EventName: state.Event.Name, DedupKey: state.Event.DedupKey, StepName: step.Name}
	lease := e.leaseFor(step)

	claim, err := e.acquire(ctx, key, lease)
	if err != nil {
		return pendingExec(state.Event, step.Name), err
	}
	if !claim.Acquired {
		// Completed earlier: reuse the cached result without running the body.
		exec := claim.Execution
		state.setOutput(step.Name, exec.Result)
		exec.Status = entities.StepSkipped
		log.Debug("step cached, skipping", slog.String("step", step.Name))
		return exec, nil
	}

	exec := claim.Execution
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			// Renew the lease for the next attempt.
			c, err := e.ledger.Claim(ctx, key, e.owner, lease)
			if err != nil {
				return exec, fmt.Errorf("renew %s: %w", step.Name, err)
			}
			if !c.Acquired {
				return exec, fmt.Errorf("renew %s: %w", step.Name, ErrLeaseLost)
			}
			exec = c.Execution
		}

		out, runErr := e.invoke(ctx, step, state)
		if runErr == nil {
			raw, err := json.Marshal(out)
			if err != nil {
				runErr = entities.Fatal(fmt.Errorf("encode output of %s: %w", step.Name, err))
			} else {
				if err := e.ledger.Complete(ctx, key, e.owner, raw, false); err != nil {
					return exec, fmt.Errorf("complete %s: %w", step.Name, err)
				}
				state.setOutput(step.Name, raw)
				exec.Status = entities.StepCompleted
				exec.Result = raw
				return exec, nil
			}
		}

		if IsHalt(runErr) {
			if err := e.ledger.Complete(ctx, key, e.owner, nil, true); err != nil {
				return exec, fmt.Errorf("complete %s: %w", step.Name, err)
			}
			log.Info("step halted run", slog.String("step", step.Name), slog.Any("reason", errors.Unwrap(runErr)))
			exec.Status = entities.StepCompleted
			exec.Halted = true
			return exec, nil
		}

		if ctx.Err() != nil {
			// Shutdown, not a step failure: leave the claim for redelivery.
			return exec, ctx.Err()
		}

		if entities.IsTransient(runErr) && attempt < e.policy.MaxAttempts {
			delay := e.policy.Delay(attempt)
			log.Warn("step failed, retrying",
				slog.String("step", step.Name),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", delay),
				slog.Any("error", runErr),
			)
			if err := e.sleep(ctx, delay); err != nil {
				return exec, err
			}
			continue
		}

		if err := e.ledger.Fail(ctx, key, e.owner, runErr.Error()); err != nil {
			log.Error("record step failure", slog.String("step", step.Name), slog.Any("error", err))
		}
		exec.Status = entities.StepFailed
		exec.Error = runErr.Error()
		return exec, &stepFailure{attempts: attempt, err: runErr}
	}
}

// acquire claims a step, waiting out a peer's unexpired lease.
func (e *Engine) acquire(ctx context.Context, key entities.StepKey, lease time.Duration) (Claim, error) {
	for {
		claim, err := e.ledger.Claim(ctx, key, e.owner, lease)
		if err != nil {
			return Claim{}, fmt.Errorf("claim %s: %w", key.StepName, err)
		}
		if claim.Acquired || claim.Execution.Status == entities.StepCompleted {
			return claim, nil
		}

		wait := time.Until(claim.Execution.LeaseUntil)
		if wait > 250*time.Millisecond {
			wait = 250 * time.Millisecond
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		if err := e.sleep(ctx, wait); err != nil {
			return Claim{}, err
		}
	}
}

func (e *Engine) invoke(ctx context.Context, step Step, state *Run) (out any, err error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.policy.StepTimeout
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = entities.Fatal(fmt.Errorf("step %s panicked: %v", step.Name, r))
		}
	}()

	out, err = step.Run(sctx, state)
	if err != nil && ctx.Err() == nil && errors.Is(sctx.Err(), context.DeadlineExceeded) {
		err = entities.Transient(fmt.Errorf("step %s timed out after %s: %w", step.Name, timeout, err))
	}
	return out, err
}

func (e *Engine) leaseFor(step Step) time.Duration {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.policy.StepTimeout
	}
	return timeout + 10*time.Second
}

func (e *Engine) saveRun(ctx context.Context, run *entities.WorkflowRun, status entities.RunStatus, reason string) error {
	run.Status = status
	run.Error = reason
	if err := e.ledger.SaveRun(ctx, *run); err != nil {
		return fmt.Errorf("save run %s/%s: %w", run.EventName, run.DedupKey, err)
	}
	return nil
}

// Bind subscribes every registered workflow to its trigger on bus.
// Failed runs are acknowledged since their state lives in the ledger;
// infrastructure errors are returned so the bus redelivers.
func (e *Engine) Bind(bus interfaces.EventBus) {
	for _, trigger := range e.Triggers() {
		bus.Subscribe(trigger, e.handle)
	}
}

func (e *Engine) handle(ctx context.Context, ev entities.Event) error {
	_, err := e.Execute(ctx, ev)
	if err == nil {
		return nil
	}
	var runErr *RunError
	if errors.As(err, &runErr) || errors.Is(err, ErrInvalidEvent) || errors.Is(err, ErrUnknownEvent) {
		e.log.Warn("event dropped after run failure",
			slog.String("event", ev.Name),
			slog.String("dedup_key", ev.DedupKey),
			slog.Any("error", err),
		)
		return nil
	}
	return err
}
