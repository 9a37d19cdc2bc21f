// Package plan computes the runnable frontier of the DAG for a batch.
package plan

import (
	"context"
	"fmt"
	"time"

	"github.com/salespipe-labs/salespipe-go/internal/domain"
	"github.com/salespipe-labs/salespipe-go/internal/registry"
	"github.com/salespipe-labs/salespipe-go/internal/state"
)

// PlannedStep is one dispatchable (step, batch) pair.
type PlannedStep struct {
	Def      domain.StepDefinition
	Attempt  int
	Delay    time.Duration // backoff before dispatch, zero on first attempt
	Upstream map[string]domain.OutputRef
}

// SkippedStep is a step whose upstream failed or was skipped; the scheduler
// records it as Skipped instead of dispatching it.
type SkippedStep struct {
	Def     domain.StepDefinition
	Attempt int
	Reason  string
}

// ExecutionPlan is a point-in-time frontier. It is transient: recomputed
// each scheduling cycle and never persisted.
type ExecutionPlan struct {
	BatchID  string
	Runnable []PlannedStep
	ToSkip   []SkippedStep
	// InFlight counts active runs observed during planning; a plan with no
	// runnable or skippable work and no in-flight runs means the batch has
	// reached a fixed point.
	InFlight int
}

// Empty reports whether no further progress is possible or pending.
func (p ExecutionPlan) Empty() bool {
	return len(p.Runnable) == 0 && len(p.ToSkip) == 0 && p.InFlight == 0
}

// Build computes the frontier for a batch from the sealed registry and the
// state store. Steps are considered in topological order with registration
// order as the tie-break, so execution order is deterministic.
func Build(ctx context.Context, reg *registry.Registry, store state.Store, batch domain.Batch) (ExecutionPlan, error) {
	if reg == nil || !reg.Sealed() {
		return ExecutionPlan{}, registry.ErrNotSealed
	}
	if err := batch.Validate(); err != nil {
		return ExecutionPlan{}, err
	}

	runs, err := store.ListRunsForBatch(ctx, batch.ID)
	if err != nil {
		return ExecutionPlan{}, fmt.Errorf("list runs: %w", err)
	}

	latest := make(map[string]domain.StepRun, len(runs))
	for _, run := range runs {
		if existing, ok := latest[run.StepName]; !ok || run.Attempt > existing.Attempt {
			latest[run.StepName] = run
		}
	}

	ordered, err := topoOrder(reg)
	if err != nil {
		return ExecutionPlan{}, err
	}

	result := ExecutionPlan{BatchID: batch.ID}
	succeeded := make(map[string]domain.OutputRef)
	halted := make(map[string]string) // step -> failed/skipped ancestor

	for _, def := range ordered {
		run, hasRun := latest[def.Name]

		if hasRun && run.Active() {
			result.InFlight++
			continue
		}
		if hasRun && run.State == domain.RunStateSucceeded {
			if run.Output != nil {
				succeeded[def.Name] = *run.Output
			} else {
				succeeded[def.Name] = domain.OutputRef{}
			}
			continue
		}
		if hasRun && run.State == domain.RunStateSkipped {
			halted[def.Name] = def.Name
			continue
		}

		attempts := 0
		if hasRun {
			attempts = run.Attempt
		}
		terminallyFailed := hasRun && run.State == domain.RunStateFailed && attempts >= def.Retry.MaxAttempts
		if terminallyFailed {
			halted[def.Name] = def.Name
			continue
		}

		// Halt the subtree below any failed or skipped upstream.
		if cause, blocked := blockedBy(def, halted); blocked {
			result.ToSkip = append(result.ToSkip, SkippedStep{
				Def:     def,
				Attempt: attempts + 1,
				Reason:  cause,
			})
			halted[def.Name] = cause
			continue
		}

		ready := true
		upstream := make(map[string]domain.OutputRef, len(def.DependsOn))
		for _, dep := range def.DependsOn {
			output, ok := succeeded[dep]
			if !ok {
				ready = false
				break
			}
			upstream[dep] = output
		}
		if !ready {
			continue
		}

		attempt := attempts + 1
		result.Runnable = append(result.Runnable, PlannedStep{
			Def:      def,
			Attempt:  attempt,
			Delay:    def.Retry.Delay(attempt),
			Upstream: upstream,
		})
	}

	return result, nil
}

func blockedBy(def domain.StepDefinition, halted map[string]string) (string, bool) {
	for _, dep := range def.DependsOn {
		if cause, ok := halted[dep]; ok {
			return cause, true
		}
	}
	return "", false
}

// topoOrder runs Kahn's algorithm over the sealed registry. The ready queue
// preserves registration order, which keeps independent steps in a stable,
// debuggable sequence.
func topoOrder(reg *registry.Registry) ([]domain.StepDefinition, error) {
	steps := reg.Steps()
	index := make(map[string]int, len(steps))
	for i, def := range steps {
		index[def.Name] = i
	}

	inDegree := make([]int, len(steps))
	for i, def := range steps {
		inDegree[i] = len(def.DependsOn)
	}

	ready := make([]int, 0, len(steps))
	for i, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, i)
		}
	}

	ordered := make([]domain.StepDefinition, 0, len(steps))
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		def := steps[i]
		ordered = append(ordered, def)
		for _, depName := range reg.Dependents(def.Name) {
			j := index[depName]
			inDegree[j]--
			if inDegree[j] == 0 {
				ready = insertOrdered(ready, j)
			}
		}
	}

	if len(ordered) != len(steps) {
		// Seal guarantees acyclicity; reaching this means registry misuse.
		return nil, fmt.Errorf("dependency graph contains a cycle")
	}
	return ordered, nil
}

func insertOrdered(ready []int, j int) []int {
	for i, existing := range ready {
		if j < existing {
			return append(ready[:i], append([]int{j}, ready[i:]...)...)
		}
	}
	return append(ready, j)
}
