package model

import (
	"time"

	"github.com/google/uuid"
)

// RunOutcome is the terminal result of one provisioning run.
type RunOutcome string

const (
	RunSucceeded RunOutcome = "succeeded"
	RunFailed    RunOutcome = "failed"
)

// StepResult is one forward step of a run.
type StepResult struct {
	Step      string        `json:"step"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Error     string        `json:"error,omitempty"`
}

// CompensationResult is one undo action executed after a failure.
type CompensationResult struct {
	Step  string `json:"step"`
	Error string `json:"error,omitempty"`
}

// RunReport is the audit trail of a provisioning run. It never contains
// customer credentials.
type RunReport struct {
	RunID         uuid.UUID            `json:"run_id"`
	ServiceID     uuid.UUID            `json:"service_id"`
	Outcome       RunOutcome           `json:"outcome"`
	FailedStep    string               `json:"failed_step,omitempty"`
	Error         string               `json:"error,omitempty"`
	Node          string               `json:"node,omitempty"`
	VMID          *int                 `json:"vmid,omitempty"`
	Address       string               `json:"address,omitempty"`
	Steps         []StepResult         `json:"steps"`
	Compensations []CompensationResult `json:"compensations,omitempty"`
	StartedAt     time.Time            `json:"started_at"`
	FinishedAt    time.Time            `json:"finished_at"`
}
