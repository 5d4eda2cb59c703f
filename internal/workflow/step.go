package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"zapia_ai/internal/entities"
)

// ErrNoOutput is returned by Output when a step produced nothing usable in this run.
var ErrNoOutput = errors.New("step output unavailable")

// StepFunc is a step body. Its return value is JSON-encoded into the ledger
// and becomes the input of later steps through Output.
type StepFunc func(ctx context.Context, run *Run) (any, error)

// Step is one named unit of work of a workflow.
type Step struct {
	Name string
	Run  StepFunc
	// BestEffort steps may fail without failing the run.
	BestEffort bool
	// Timeout bounds a single attempt. Zero uses the engine's policy.
	Timeout time.Duration
}

// Workflow is an ordered list of steps triggered by one event name.
type Workflow struct {
	Name    string
	Trigger string
	Steps   []Step
	// OnFailure runs after the run is marked Failed.
	OnFailure func(ctx context.Context, run *Run, step string, err error)
}

// Run is the state of one workflow invocation, shared by its steps.
type Run struct {
	Event entities.Event

	mu      sync.RWMutex
	outputs map[string]json.RawMessage
}

func newRun(ev entities.Event) *Run {
	return &Run{Event: ev, outputs: make(map[string]json.RawMessage)}
}

func (r *Run) setOutput(step string, raw json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[step] = raw
}

func (r *Run) output(step string) (json.RawMessage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	raw, ok := r.outputs[step]
	return raw, ok && len(raw) > 0
}

// Output decodes the result of an earlier step of the same run.
func Output[T any](run *Run, step string) (T, error) {
	var v T
	raw, ok := run.output(step)
	if !ok {
		return v, fmt.Errorf("%w: %s", ErrNoOutput, step)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, entities.Fatal(fmt.Errorf("decode output of %s: %w", step, err))
	}
	return v, nil
}

// Payload decodes the triggering event's payload. A malformed payload is fatal.
func Payload[T any](run *Run) (T, error) {
	var v T
	if err := json.Unmarshal(run.Event.Payload, &v); err != nil {
		return v, entities.Fatal(fmt.Errorf("decode %s payload: %w", run.Event.Name, err))
	}
	return v, nil
}

type haltError struct{ reason error }

func (e *haltError) Error() string { return "halted: " + e.reason.Error() }
func (e *haltError) Unwrap() error { return e.reason }

// Halt ends the run cleanly from inside a step: the step is recorded as
// completed and halted, later steps are skipped and the run completes.
// Replays halt at the same step without executing it again.
func Halt(reason error) error {
	return &haltError{reason: reason}
}

// IsHalt reports whether err came from Halt.
func IsHalt(err error) bool {
	var h *haltError
	return errors.As(err, &h)
}

// RunError is returned by Engine.Execute when a run ends Failed.
type RunError struct {
	EventName string
	DedupKey  string
	Step      string
	Attempts  int
	Err       error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s/%s failed at step %s after %d attempt(s): %v",
		e.EventName, e.DedupKey, e.Step, e.Attempts, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// RunReport describes what one Execute call did.
type RunReport struct {
	Run   entities.WorkflowRun
	Steps []entities.StepExecution
}

// Step returns the report entry of a step.
func (r *RunReport) Step(name string) (entities.StepExecution, bool) {
	for _, s := range r.Steps {
		if s.StepName == name {
			return s, true
		}
	}
	return entities.StepExecution{}, false
}
