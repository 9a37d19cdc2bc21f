// Package recovery reconciles runs left in flight by a dead process into a
// resumable plan before the first scheduling pass.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/salespipe-labs/salespipe-go/internal/domain"
	"github.com/salespipe-labs/salespipe-go/internal/state"
)

// CompletionChecker detects whether the external side effect of a run with
// an idempotency key already completed, enabling skip-on-match instead of a
// blind retry.
type CompletionChecker interface {
	Completed(ctx context.Context, idempotencyKey string) (domain.OutputRef, bool, error)
}

// CompletionCheckerFunc adapts a function to the CompletionChecker interface.
type CompletionCheckerFunc func(ctx context.Context, idempotencyKey string) (domain.OutputRef, bool, error)

func (f CompletionCheckerFunc) Completed(ctx context.Context, idempotencyKey string) (domain.OutputRef, bool, error) {
	return f(ctx, idempotencyKey)
}

type Coordinator struct {
	store   state.Store
	checker CompletionChecker // nil means always retry
	logger  *slog.Logger
}

func New(logger *slog.Logger, store state.Store, checker CompletionChecker) (*Coordinator, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if store == nil {
		return nil, errors.New("state store is required")
	}
	return &Coordinator{store: store, checker: checker, logger: logger}, nil
}

// Reconcile runs once at process start. Runs found active mean the prior
// process died mid-execution: their side effects are assumed applied
// partially, so they are failed with kind interrupted_execution and retried
// under the normal policy. A run whose idempotency key matches a completed
// external marker is driven to Succeeded instead.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	active, err := c.store.ListActiveRuns(ctx)
	if err != nil {
		return fmt.Errorf("list active runs: %w", err)
	}

	for _, run := range active {
		logger := c.logger.With("step", run.StepName, "batch", run.BatchID, "attempt", run.Attempt, "state", string(run.State))

		if output, matched, err := c.completedMarker(ctx, run); err != nil {
			return err
		} else if matched {
			if err := c.driveToSucceeded(ctx, run, output); err != nil {
				return err
			}
			logger.Info("orphaned run matched completion marker, marked succeeded", "output", output.ObjectKey)
			continue
		}

		if err := c.driveToFailed(ctx, run); err != nil {
			return err
		}
		logger.Info("orphaned run marked failed for retry")
	}
	return nil
}

func (c *Coordinator) completedMarker(ctx context.Context, run domain.StepRun) (domain.OutputRef, bool, error) {
	if c.checker == nil || run.IdempotencyKey == "" {
		return domain.OutputRef{}, false, nil
	}
	output, matched, err := c.checker.Completed(ctx, run.IdempotencyKey)
	if err != nil {
		return domain.OutputRef{}, false, fmt.Errorf("check completion marker for %s: %w", run.StepName, err)
	}
	return output, matched, nil
}

// driveToFailed walks the orphaned run forward to Failed. Pending orphans
// pass through Running so the attempt still lands in a terminal state the
// planner can retry.
func (c *Coordinator) driveToFailed(ctx context.Context, run domain.StepRun) error {
	if run.State == domain.RunStatePending {
		if _, err := c.store.Transition(ctx, run.ID, domain.RunStateRunning, state.TransitionPayload{}); err != nil {
			return fmt.Errorf("reconcile %s: %w", run.StepName, err)
		}
	}
	if _, err := c.store.Transition(ctx, run.ID, domain.RunStateFailed, state.TransitionPayload{
		ErrorKind:    domain.ErrKindInterruptedExecution,
		ErrorMessage: "process terminated while run was in flight",
	}); err != nil {
		return fmt.Errorf("reconcile %s: %w", run.StepName, err)
	}
	return nil
}

func (c *Coordinator) driveToSucceeded(ctx context.Context, run domain.StepRun, output domain.OutputRef) error {
	stateOrder := map[domain.RunState][]domain.RunState{
		domain.RunStatePending:    {domain.RunStateRunning, domain.RunStateValidating, domain.RunStateSucceeded},
		domain.RunStateRunning:    {domain.RunStateValidating, domain.RunStateSucceeded},
		domain.RunStateValidating: {domain.RunStateSucceeded},
	}
	for _, next := range stateOrder[run.State] {
		payload := state.TransitionPayload{}
		if next == domain.RunStateValidating || (next == domain.RunStateSucceeded && run.State == domain.RunStateValidating) {
			payload.Output = &output
		}
		if _, err := c.store.Transition(ctx, run.ID, next, payload); err != nil {
			return fmt.Errorf("reconcile %s: %w", run.StepName, err)
		}
	}
	return nil
}
