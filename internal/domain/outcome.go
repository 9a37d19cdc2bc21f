package domain

// BatchOutcome is the surfaced result of running one batch through the DAG.
type BatchOutcome string

const (
	BatchSucceeded       BatchOutcome = "succeeded"
	BatchPartiallyFailed BatchOutcome = "partially_failed"
	BatchFailed          BatchOutcome = "failed"
)

// DeriveBatchOutcome computes the batch outcome from the latest attempt of
// every step in the pipeline. Succeeded requires every named step to have a
// succeeded run; a step that failed, never ran, or is still in flight blocks
// it, so a cancelled or incomplete batch is never reported as succeeded. A
// blocked step alongside any success is partial; with no successes at all
// the root of the DAG never produced usable output.
func DeriveBatchOutcome(steps []string, runs []StepRun) BatchOutcome {
	latest := map[string]StepRun{}
	for _, run := range runs {
		if existing, ok := latest[run.StepName]; !ok || run.Attempt > existing.Attempt {
			latest[run.StepName] = run
		}
	}

	succeeded := 0
	blocked := 0
	for _, step := range steps {
		run, ok := latest[step]
		switch {
		case !ok || !run.Terminal():
			blocked++
		case run.State == RunStateSucceeded:
			succeeded++
		case run.State == RunStateFailed:
			blocked++
		}
		// Skipped runs count toward neither side: their failed ancestor
		// already blocks the batch.
	}

	if len(steps) == 0 || blocked > 0 {
		if succeeded > 0 {
			return BatchPartiallyFailed
		}
		return BatchFailed
	}
	return BatchSucceeded
}
