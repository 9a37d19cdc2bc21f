// Package state is the durable source of truth for step runs and watermarks.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/salespipe-labs/salespipe-go/internal/domain"
)

var ErrNotFound = errors.New("run not found")

// DuplicateRunError reports a second active run for a (step, batch) pair.
// It enforces the at-most-one-in-flight invariant.
type DuplicateRunError struct {
	StepName string
	BatchID  string
}

func (e *DuplicateRunError) Error() string {
	return fmt.Sprintf("active run already exists for step %q batch %q", e.StepName, e.BatchID)
}

// InvalidTransitionError reports a state-machine violation. It indicates a
// programming or concurrency error and is fatal to the batch.
type InvalidTransitionError struct {
	RunID string
	From  domain.RunState
	To    domain.RunState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("run %s cannot transition %s -> %s", e.RunID, e.From, e.To)
}

// TransitionPayload carries the data applied atomically with a transition.
type TransitionPayload struct {
	ErrorKind    string
	ErrorMessage string
	Output       *domain.OutputRef
	Validation   *domain.ValidationResult
	FinishedAt   *time.Time
}

// Store persists step runs as an append-only attempt log plus a
// current-state view per (step, batch). Writes are atomic: a transition and
// its payload apply together or not at all.
type Store interface {
	// CreateRun appends a Pending attempt. It fails with DuplicateRunError
	// if an active run exists for the (step, batch) pair.
	CreateRun(ctx context.Context, stepName string, batch domain.Batch, attempt int, idempotencyKey string) (domain.StepRun, error)

	// GetRun returns the latest attempt for the pair, or ErrNotFound.
	GetRun(ctx context.Context, stepName, batchID string) (domain.StepRun, error)

	// Transition advances a run through the state machine, applying the
	// payload atomically. Fails with InvalidTransitionError otherwise.
	Transition(ctx context.Context, runID string, next domain.RunState, payload TransitionPayload) (domain.StepRun, error)

	// ListRunsForBatch returns every attempt for a batch ordered by
	// (step, attempt).
	ListRunsForBatch(ctx context.Context, batchID string) ([]domain.StepRun, error)

	// ListActiveRuns returns all Pending/Running/Validating runs across
	// batches. Used by the recovery coordinator at startup.
	ListActiveRuns(ctx context.Context) ([]domain.StepRun, error)

	// Watermark returns the last successfully processed boundary for a
	// pipeline, empty if none.
	Watermark(ctx context.Context, pipeline string) (string, error)

	// AdvanceWatermark records a new boundary for a pipeline.
	AdvanceWatermark(ctx context.Context, pipeline, boundary string) error
}
