package entities

import (
	"encoding/json"
	"time"
)

type RunStatus string

const (
	RunPending   RunStatus = "Pending"
	RunRunning   RunStatus = "Running"
	RunCompleted RunStatus = "Completed"
	RunFailed    RunStatus = "Failed"
)

type StepStatus string

const (
	StepPending   StepStatus = "Pending"
	StepRunning   StepStatus = "Running"
	StepCompleted StepStatus = "Completed"
	StepFailed    StepStatus = "Failed"
	StepSkipped   StepStatus = "Skipped"
)

// WorkflowRun is one invocation of a workflow for an event.
type WorkflowRun struct {
	EventName string    `json:"event_name"`
	TenantID  string    `json:"tenant_id"`
	DedupKey  string    `json:"dedup_key"`
	Status    RunStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StepKey identifies one step of one logical event in the idempotency ledger.
type StepKey struct {
	EventName string `json:"event_name"`
	DedupKey  string `json:"dedup_key"`
	StepName  string `json:"step_name"`
}

// StepExecution is the ledger record of a step.
type StepExecution struct {
	StepKey
	Status     StepStatus      `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Halted     bool            `json:"halted,omitempty"`
	Attempts   int             `json:"attempts"`
	Owner      string          `json:"owner,omitempty"`
	LeaseUntil time.Time       `json:"lease_until"`
	Error      string          `json:"error,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
