// Package report renders the per-batch run report: one JSON document per
// batch in the reports bucket, plus a structured log summary.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/salespipe-labs/salespipe-go/internal/domain"
	"github.com/salespipe-labs/salespipe-go/internal/state"
)

// StepReport is the rolled-up view of one step across its attempts.
type StepReport struct {
	Step         string     `json:"step"`
	State        string     `json:"state"`
	Attempts     int        `json:"attempts"`
	DurationMs   int64      `json:"duration_ms"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ObjectKey    string     `json:"object_key,omitempty"`
	Warnings     []string   `json:"warnings,omitempty"`
	Violations   []string   `json:"violations,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// BatchReport summarizes one batch run.
type BatchReport struct {
	Pipeline    string       `json:"pipeline"`
	Batch       string       `json:"batch"`
	Outcome     string       `json:"outcome"`
	GeneratedAt time.Time    `json:"generated_at"`
	Steps       []StepReport `json:"steps"`
}

// ObjectSink is where rendered reports are written. Satisfied by
// objectstore.Store.
type ObjectSink interface {
	Put(ctx context.Context, bucket, key string, payload []byte, contentType string) error
}

type Writer struct {
	Store  state.Store
	Sink   ObjectSink
	Bucket string
	// Steps is the pipeline's full step list; outcome derivation needs it so
	// a batch with undispatched steps is not reported succeeded.
	Steps  []string
	Logger *slog.Logger
	Now    func() time.Time
}

// Key is where a batch report lands in the reports bucket.
func Key(pipeline, batchID string) string {
	return pipeline + "/" + batchID + ".json"
}

// Build assembles the report for a batch from the run log.
func (w *Writer) Build(ctx context.Context, pipeline, batchID string) (BatchReport, error) {
	runs, err := w.Store.ListRunsForBatch(ctx, batchID)
	if err != nil {
		return BatchReport{}, fmt.Errorf("list runs for batch %s: %w", batchID, err)
	}

	now := time.Now
	if w.Now != nil {
		now = w.Now
	}

	report := BatchReport{
		Pipeline:    pipeline,
		Batch:       batchID,
		Outcome:     string(domain.DeriveBatchOutcome(w.Steps, runs)),
		GeneratedAt: now().UTC(),
	}

	latest := map[string]domain.StepRun{}
	attempts := map[string]int{}
	for _, run := range runs {
		attempts[run.StepName]++
		if existing, ok := latest[run.StepName]; !ok || run.Attempt > existing.Attempt {
			latest[run.StepName] = run
		}
	}

	steps := make([]string, 0, len(latest))
	for step := range latest {
		steps = append(steps, step)
	}
	sort.Strings(steps)

	for _, step := range steps {
		run := latest[step]
		sr := StepReport{
			Step:         step,
			State:        string(run.State),
			Attempts:     attempts[step],
			ErrorKind:    run.ErrorKind,
			ErrorMessage: run.ErrorMessage,
		}
		if run.FinishedAt != nil {
			finished := run.FinishedAt.UTC()
			sr.FinishedAt = &finished
			sr.DurationMs = run.FinishedAt.Sub(run.StartedAt).Milliseconds()
		}
		if run.Output != nil {
			sr.ObjectKey = run.Output.ObjectKey
		}
		if run.Validation != nil {
			for _, v := range run.Validation.Warnings() {
				sr.Warnings = append(sr.Warnings, fmt.Sprintf("%s: %s", v.RuleID, v.Message))
			}
			for _, v := range run.Validation.Blocking() {
				sr.Violations = append(sr.Violations, fmt.Sprintf("%s: %s", v.RuleID, v.Message))
			}
		}
		report.Steps = append(report.Steps, sr)
	}

	return report, nil
}

// Emit builds the report, stores it, and logs the summary.
func (w *Writer) Emit(ctx context.Context, pipeline, batchID string) (BatchReport, error) {
	report, err := w.Build(ctx, pipeline, batchID)
	if err != nil {
		return BatchReport{}, err
	}

	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return BatchReport{}, fmt.Errorf("encode report: %w", err)
	}

	key := Key(pipeline, batchID)
	if err := w.Sink.Put(ctx, w.Bucket, key, payload, "application/json"); err != nil {
		return BatchReport{}, fmt.Errorf("store report %s: %w", key, err)
	}

	if w.Logger != nil {
		attrs := []any{
			"pipeline", pipeline,
			"batch", batchID,
			"outcome", report.Outcome,
			"steps", len(report.Steps),
			"report_key", key,
		}
		if report.Outcome == string(domain.BatchSucceeded) {
			w.Logger.Info("batch report", attrs...)
		} else {
			w.Logger.Warn("batch report", attrs...)
		}
	}

	return report, nil
}
