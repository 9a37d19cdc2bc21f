// Package sched dispatches the runnable frontier of a batch through a
// bounded worker pool and drives each run through its state machine.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/salespipe-labs/salespipe-go/internal/domain"
	"github.com/salespipe-labs/salespipe-go/internal/plan"
	"github.com/salespipe-labs/salespipe-go/internal/registry"
	"github.com/salespipe-labs/salespipe-go/internal/state"
	"github.com/salespipe-labs/salespipe-go/internal/validate"
)

type Config struct {
	Pipeline    string
	Concurrency int
	StepTimeout time.Duration
}

func (c Config) Validate() error {
	if c.Pipeline == "" {
		return errors.New("pipeline name is required")
	}
	if c.Concurrency < 1 {
		return errors.New("concurrency must be >= 1")
	}
	if c.StepTimeout <= 0 {
		return errors.New("step timeout must be positive")
	}
	return nil
}

// Scheduler runs one batch at a time. The planning loop is single-threaded
// so plan computation and state transitions stay serializable; only step
// actions run concurrently.
type Scheduler struct {
	cfg    Config
	reg    *registry.Registry
	store  state.Store
	logger *slog.Logger
	wait   func(ctx context.Context, d time.Duration) error
}

func New(logger *slog.Logger, reg *registry.Registry, store state.Store, cfg Config) (*Scheduler, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if reg == nil || !reg.Sealed() {
		return nil, registry.ErrNotSealed
	}
	if store == nil {
		return nil, errors.New("state store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg:    cfg,
		reg:    reg,
		store:  store,
		logger: logger,
		wait:   sleepContext,
	}, nil
}

// RunBatch executes the DAG for one batch until no further progress is
// possible, then derives the batch outcome. Per-run errors are recorded on
// the runs; only state-machine violations and store failures are returned.
func (s *Scheduler) RunBatch(ctx context.Context, batch domain.Batch) (domain.BatchOutcome, []domain.StepRun, error) {
	if err := batch.Validate(); err != nil {
		return "", nil, err
	}

	for {
		if ctx.Err() != nil {
			s.logger.Info("batch cancelled, no further dispatches", "batch", batch.ID)
			break
		}

		frontier, err := plan.Build(ctx, s.reg, s.store, batch)
		if err != nil {
			return "", nil, fmt.Errorf("plan batch %s: %w", batch.ID, err)
		}

		for _, skipped := range frontier.ToSkip {
			if err := s.markSkipped(ctx, batch, skipped); err != nil {
				return "", nil, err
			}
		}

		if len(frontier.Runnable) == 0 {
			break
		}

		if err := s.dispatchWave(ctx, batch, frontier.Runnable); err != nil {
			return "", nil, err
		}
	}

	// Final accounting still runs when the batch context was cancelled.
	ctx = context.WithoutCancel(ctx)

	runs, err := s.store.ListRunsForBatch(ctx, batch.ID)
	if err != nil {
		return "", nil, fmt.Errorf("list runs for batch %s: %w", batch.ID, err)
	}
	// Derived against the full registered step list: a cancelled batch with
	// undispatched steps never reports succeeded.
	outcome := domain.DeriveBatchOutcome(s.stepNames(), runs)

	if outcome == domain.BatchSucceeded {
		if err := s.store.AdvanceWatermark(ctx, s.cfg.Pipeline, batch.ID); err != nil {
			return "", nil, fmt.Errorf("advance watermark: %w", err)
		}
		s.logger.Info("watermark advanced", "pipeline", s.cfg.Pipeline, "boundary", batch.ID)
	}

	s.logger.Info("batch finished", "batch", batch.ID, "outcome", string(outcome))
	return outcome, runs, nil
}

func (s *Scheduler) stepNames() []string {
	defs := s.reg.Steps()
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Name)
	}
	return names
}

// dispatchWave runs the planned steps through the worker pool and waits for
// the whole wave before the next planning pass.
func (s *Scheduler) dispatchWave(ctx context.Context, batch domain.Batch, planned []plan.PlannedStep) error {
	sem := make(chan struct{}, s.cfg.Concurrency)
	errCh := make(chan error, len(planned))
	var wg sync.WaitGroup

	for _, p := range planned {
		wg.Add(1)
		go func(p plan.PlannedStep) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := s.runStep(ctx, batch, p); err != nil {
				errCh <- err
			}
		}(p)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

// runStep drives one attempt: Pending -> Running -> Validating ->
// {Succeeded | Failed}. Action and validation errors land on the run; a
// returned error means the state machine itself was violated.
func (s *Scheduler) runStep(ctx context.Context, batch domain.Batch, p plan.PlannedStep) error {
	logger := s.logger.With("step", p.Def.Name, "batch", batch.ID, "attempt", p.Attempt)

	if p.Delay > 0 {
		logger.Info("waiting backoff before retry", "delay", p.Delay.String())
		if err := s.wait(ctx, p.Delay); err != nil {
			logger.Info("backoff interrupted, retry postponed")
			return nil
		}
	}
	if ctx.Err() != nil {
		return nil
	}

	// Past this point the step is in flight: it finishes (or times out)
	// under its own per-step deadline, and its transitions are recorded even
	// if the batch context is cancelled meanwhile.
	recordCtx := context.WithoutCancel(ctx)

	run, err := s.store.CreateRun(recordCtx, p.Def.Name, batch, p.Attempt, p.Def.ExpandIdempotencyKey(batch.ID))
	if err != nil {
		var dup *state.DuplicateRunError
		if errors.As(err, &dup) {
			// The planning loop is single-threaded, so a duplicate here
			// means an external writer shares the store.
			return fmt.Errorf("dispatch %s: %w", p.Def.Name, err)
		}
		return fmt.Errorf("create run for %s: %w", p.Def.Name, err)
	}

	if _, err := s.store.Transition(recordCtx, run.ID, domain.RunStateRunning, state.TransitionPayload{}); err != nil {
		return fmt.Errorf("mark %s running: %w", p.Def.Name, err)
	}
	logger.Info("step dispatched")

	output, actionErr := s.executeAction(recordCtx, batch, p)
	if actionErr != nil {
		kind := domain.ErrKindActionExecution
		if errors.Is(actionErr, context.DeadlineExceeded) {
			kind = domain.ErrKindTimeout
		}
		logger.Error("step action failed", "error", actionErr, "kind", kind)
		if _, err := s.store.Transition(recordCtx, run.ID, domain.RunStateFailed, state.TransitionPayload{
			ErrorKind:    kind,
			ErrorMessage: actionErr.Error(),
		}); err != nil {
			return fmt.Errorf("mark %s failed: %w", p.Def.Name, err)
		}
		return nil
	}

	if _, err := s.store.Transition(recordCtx, run.ID, domain.RunStateValidating, state.TransitionPayload{
		Output: &output,
	}); err != nil {
		return fmt.Errorf("mark %s validating: %w", p.Def.Name, err)
	}

	result := validate.Evaluate(p.Def.Checks, output, p.Upstream)
	for _, warning := range result.Warnings() {
		logger.Warn("validation warning", "rule", warning.RuleID, "message", warning.Message)
	}

	if result.Passed {
		if _, err := s.store.Transition(recordCtx, run.ID, domain.RunStateSucceeded, state.TransitionPayload{
			Validation: &result,
		}); err != nil {
			return fmt.Errorf("mark %s succeeded: %w", p.Def.Name, err)
		}
		logger.Info("step succeeded", "output", output.ObjectKey, "rows", output.Stats.RowCount)
		return nil
	}

	blocking := result.Blocking()
	logger.Error("validation blocked step output", "violations", len(blocking))
	if _, err := s.store.Transition(recordCtx, run.ID, domain.RunStateFailed, state.TransitionPayload{
		ErrorKind:    domain.ErrKindValidationBlocking,
		ErrorMessage: fmt.Sprintf("%d blocking violation(s), first: %s", len(blocking), blocking[0].Message),
		Validation:   &result,
	}); err != nil {
		return fmt.Errorf("mark %s failed: %w", p.Def.Name, err)
	}
	return nil
}

func (s *Scheduler) executeAction(ctx context.Context, batch domain.Batch, p plan.PlannedStep) (domain.OutputRef, error) {
	actionCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()
	output, err := p.Def.Action.Execute(actionCtx, domain.ActionInput{
		Batch:    batch,
		Upstream: p.Upstream,
	})
	if err != nil {
		if actionCtx.Err() != nil && errors.Is(actionCtx.Err(), context.DeadlineExceeded) {
			return domain.OutputRef{}, fmt.Errorf("step %s timed out after %s: %w", p.Def.Name, s.cfg.StepTimeout, context.DeadlineExceeded)
		}
		return domain.OutputRef{}, err
	}
	return output, nil
}

func (s *Scheduler) markSkipped(ctx context.Context, batch domain.Batch, skipped plan.SkippedStep) error {
	// Skip records are part of the batch's audit trail; they are written
	// even when cancellation races the planning pass.
	ctx = context.WithoutCancel(ctx)
	run, err := s.store.CreateRun(ctx, skipped.Def.Name, batch, skipped.Attempt, "")
	if err != nil {
		return fmt.Errorf("create skip run for %s: %w", skipped.Def.Name, err)
	}
	if _, err := s.store.Transition(ctx, run.ID, domain.RunStateSkipped, state.TransitionPayload{
		ErrorKind:    domain.ErrKindDependencyFailed,
		ErrorMessage: fmt.Sprintf("upstream %s failed", skipped.Reason),
	}); err != nil {
		return fmt.Errorf("mark %s skipped: %w", skipped.Def.Name, err)
	}
	s.logger.Info("step skipped", "step", skipped.Def.Name, "batch", batch.ID, "upstream", skipped.Reason)
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
