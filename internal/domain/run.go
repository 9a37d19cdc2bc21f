package domain

import (
	"strings"
	"time"
)

// RunState is the state of one step execution attempt.
type RunState string

const (
	RunStatePending    RunState = "pending"
	RunStateRunning    RunState = "running"
	RunStateValidating RunState = "validating"
	RunStateSucceeded  RunState = "succeeded"
	RunStateFailed     RunState = "failed"
	RunStateSkipped    RunState = "skipped"
)

// Error kinds recorded on failed runs.
const (
	ErrKindActionExecution      = "action_execution"
	ErrKindValidationBlocking   = "validation_blocking"
	ErrKindTimeout              = "timeout"
	ErrKindInterruptedExecution = "interrupted_execution"
	ErrKindDependencyFailed     = "dependency_failed"
)

// StepRun is one attempted execution of a step for a batch. Records are
// appended per attempt and never deleted; a retry is a new record with the
// attempt counter incremented, so each record only moves forward.
type StepRun struct {
	ID             string
	StepName       string
	BatchID        string
	Attempt        int
	State          RunState
	StartedAt      time.Time
	FinishedAt     *time.Time
	ErrorKind      string
	ErrorMessage   string
	Output         *OutputRef
	Validation     *ValidationResult
	IdempotencyKey string
}

// Active reports whether the run occupies the in-flight slot for its
// (step, batch) pair.
func (r StepRun) Active() bool {
	switch r.State {
	case RunStatePending, RunStateRunning, RunStateValidating:
		return true
	default:
		return false
	}
}

// Terminal reports whether the run can no longer transition.
func (r StepRun) Terminal() bool {
	switch r.State {
	case RunStateSucceeded, RunStateFailed, RunStateSkipped:
		return true
	default:
		return false
	}
}

// NormalizeRunState maps free-form status values to canonical run states.
func NormalizeRunState(value string) RunState {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunStatePending):
		return RunStatePending
	case string(RunStateRunning):
		return RunStateRunning
	case string(RunStateValidating):
		return RunStateValidating
	case string(RunStateSucceeded):
		return RunStateSucceeded
	case string(RunStateFailed):
		return RunStateFailed
	case string(RunStateSkipped):
		return RunStateSkipped
	default:
		return ""
	}
}

// CanTransitionRunState enforces the forward-only per-attempt state machine.
// Retries never regress a record; they append a new attempt.
func CanTransitionRunState(current, next RunState) bool {
	switch current {
	case RunStatePending:
		return next == RunStateRunning || next == RunStateSkipped
	case RunStateRunning:
		return next == RunStateValidating || next == RunStateFailed
	case RunStateValidating:
		return next == RunStateSucceeded || next == RunStateFailed
	default:
		return false
	}
}
