package sched

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/salespipe-labs/salespipe-go/internal/domain"
	"github.com/salespipe-labs/salespipe-go/internal/registry"
	"github.com/salespipe-labs/salespipe-go/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBatch() domain.Batch {
	return domain.Batch{
		ID:          "2024-W37",
		WindowStart: time.Date(2024, 9, 9, 0, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2024, 9, 16, 0, 0, 0, 0, time.UTC),
	}
}

func testConfig() Config {
	return Config{Pipeline: "sales", Concurrency: 2, StepTimeout: 5 * time.Second}
}

func newScheduler(t *testing.T, reg *registry.Registry, store state.Store) *Scheduler {
	t.Helper()
	s, err := New(testLogger(), reg, store, testConfig())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.wait = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return s
}

func succeedingAction(key string) domain.Action {
	return domain.ActionFunc(func(ctx context.Context, in domain.ActionInput) (domain.OutputRef, error) {
		return domain.OutputRef{
			ObjectKey: key + "/" + in.Batch.ID,
			Stats: domain.TableStats{
				Columns:    []string{"Date", "ST_Units", "ST_Retail_$"},
				RowCount:   50,
				NullCounts: map[string]int64{},
			},
		}, nil
	})
}

func sealAll(t *testing.T, defs ...domain.StepDefinition) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			t.Fatalf("register %s: %v", def.Name, err)
		}
	}
	if err := reg.Seal(); err != nil {
		t.Fatalf("seal: %v", err)
	}
	return reg
}

func latestStates(t *testing.T, runs []domain.StepRun) map[string]domain.RunState {
	t.Helper()
	latest := map[string]domain.StepRun{}
	for _, run := range runs {
		if existing, ok := latest[run.StepName]; !ok || run.Attempt > existing.Attempt {
			latest[run.StepName] = run
		}
	}
	out := map[string]domain.RunState{}
	for name, run := range latest {
		out[name] = run.State
	}
	return out
}

func TestRunBatchAllSucceed(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string, inner domain.Action) domain.Action {
		return domain.ActionFunc(func(ctx context.Context, in domain.ActionInput) (domain.OutputRef, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return inner.Execute(ctx, in)
		})
	}

	reg := sealAll(t,
		domain.StepDefinition{
			Name:   "extract",
			Retry:  domain.RetryPolicy{MaxAttempts: 1},
			Action: record("extract", succeedingAction("raw")),
		},
		domain.StepDefinition{
			Name:      "clean",
			DependsOn: []string{"extract"},
			Retry:     domain.RetryPolicy{MaxAttempts: 1},
			Action:    record("clean", succeedingAction("cleaned")),
		},
		domain.StepDefinition{
			Name:      "aggregate",
			DependsOn: []string{"clean"},
			Retry:     domain.RetryPolicy{MaxAttempts: 1},
			Action:    record("aggregate", succeedingAction("summary")),
		},
	)
	store := state.NewMemoryStore()
	s := newScheduler(t, reg, store)

	outcome, runs, err := s.RunBatch(context.Background(), testBatch())
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if outcome != domain.BatchSucceeded {
		t.Fatalf("outcome = %s, want succeeded", outcome)
	}

	states := latestStates(t, runs)
	for _, name := range []string{"extract", "clean", "aggregate"} {
		if states[name] != domain.RunStateSucceeded {
			t.Fatalf("%s state = %s", name, states[name])
		}
	}
	if len(order) != 3 || order[0] != "extract" || order[1] != "clean" || order[2] != "aggregate" {
		t.Fatalf("dispatch order = %v", order)
	}

	boundary, err := store.Watermark(context.Background(), "sales")
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if boundary != testBatch().ID {
		t.Fatalf("watermark = %q, want batch boundary", boundary)
	}
}

func TestRunBatchBlockingValidationFailureHaltsSubtree(t *testing.T) {
	// clean emits nothing but nulls in ST_Units, tripping the blocking
	// null-rate rule on both allowed attempts; aggregate must never run.
	maxNullRate := 0.1
	aggregateRan := false

	reg := sealAll(t,
		domain.StepDefinition{
			Name:   "extract",
			Retry:  domain.RetryPolicy{MaxAttempts: 1},
			Action: succeedingAction("raw"),
		},
		domain.StepDefinition{
			Name:      "clean",
			DependsOn: []string{"extract"},
			Retry:     domain.RetryPolicy{MaxAttempts: 2},
			Checks: []domain.CheckSpec{
				{
					ID:          "units-null-rate",
					Type:        domain.CheckNullRateMax,
					Severity:    domain.SeverityBlocking,
					Column:      "ST_Units",
					MaxNullRate: &maxNullRate,
				},
			},
			Action: domain.ActionFunc(func(ctx context.Context, in domain.ActionInput) (domain.OutputRef, error) {
				return domain.OutputRef{
					ObjectKey: "cleaned/" + in.Batch.ID,
					Stats: domain.TableStats{
						Columns:    []string{"Date", "ST_Units"},
						RowCount:   10,
						NullCounts: map[string]int64{"ST_Units": 10},
					},
				}, nil
			}),
		},
		domain.StepDefinition{
			Name:      "aggregate",
			DependsOn: []string{"clean"},
			Retry:     domain.RetryPolicy{MaxAttempts: 1},
			Action: domain.ActionFunc(func(ctx context.Context, in domain.ActionInput) (domain.OutputRef, error) {
				aggregateRan = true
				return domain.OutputRef{}, nil
			}),
		},
	)
	store := state.NewMemoryStore()
	s := newScheduler(t, reg, store)

	outcome, runs, err := s.RunBatch(context.Background(), testBatch())
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if outcome != domain.BatchPartiallyFailed {
		t.Fatalf("outcome = %s, want partially_failed", outcome)
	}
	if aggregateRan {
		t.Fatalf("aggregate must never be dispatched after clean fails")
	}

	states := latestStates(t, runs)
	if states["extract"] != domain.RunStateSucceeded {
		t.Fatalf("extract state = %s", states["extract"])
	}
	if states["clean"] != domain.RunStateFailed {
		t.Fatalf("clean state = %s", states["clean"])
	}
	if states["aggregate"] != domain.RunStateSkipped {
		t.Fatalf("aggregate state = %s", states["aggregate"])
	}

	cleanAttempts := 0
	for _, run := range runs {
		if run.StepName == "clean" {
			cleanAttempts++
			if run.ErrorKind != domain.ErrKindValidationBlocking {
				t.Fatalf("clean error kind = %q", run.ErrorKind)
			}
		}
	}
	if cleanAttempts != 2 {
		t.Fatalf("clean attempts = %d, want max attempts 2", cleanAttempts)
	}

	boundary, err := store.Watermark(context.Background(), "sales")
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if boundary != "" {
		t.Fatalf("watermark must not advance on failure, got %q", boundary)
	}
}

func TestRunBatchRetrySucceedsOnSecondAttempt(t *testing.T) {
	var attempts int
	reg := sealAll(t,
		domain.StepDefinition{
			Name:  "extract",
			Retry: domain.RetryPolicy{MaxAttempts: 3, Backoff: domain.Backoff{Type: "fixed", Initial: time.Millisecond}},
			Action: domain.ActionFunc(func(ctx context.Context, in domain.ActionInput) (domain.OutputRef, error) {
				attempts++
				if attempts == 1 {
					return domain.OutputRef{}, errors.New("transient source error")
				}
				return domain.OutputRef{ObjectKey: "raw/" + in.Batch.ID}, nil
			}),
		},
	)
	store := state.NewMemoryStore()
	s := newScheduler(t, reg, store)

	outcome, runs, err := s.RunBatch(context.Background(), testBatch())
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if outcome != domain.BatchSucceeded {
		t.Fatalf("outcome = %s", outcome)
	}
	if len(runs) != 2 {
		t.Fatalf("expected two attempt records, got %d", len(runs))
	}
	if runs[0].State != domain.RunStateFailed || runs[0].ErrorKind != domain.ErrKindActionExecution {
		t.Fatalf("first attempt = %s/%s", runs[0].State, runs[0].ErrorKind)
	}
	if runs[1].State != domain.RunStateSucceeded {
		t.Fatalf("second attempt = %s", runs[1].State)
	}
}

func TestRunBatchActionTimeout(t *testing.T) {
	reg := sealAll(t,
		domain.StepDefinition{
			Name:  "extract",
			Retry: domain.RetryPolicy{MaxAttempts: 1},
			Action: domain.ActionFunc(func(ctx context.Context, in domain.ActionInput) (domain.OutputRef, error) {
				<-ctx.Done()
				return domain.OutputRef{}, ctx.Err()
			}),
		},
	)
	store := state.NewMemoryStore()
	s, err := New(testLogger(), reg, store, Config{Pipeline: "sales", Concurrency: 1, StepTimeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	outcome, runs, err := s.RunBatch(context.Background(), testBatch())
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if outcome != domain.BatchFailed {
		t.Fatalf("outcome = %s, want failed", outcome)
	}
	if len(runs) != 1 || runs[0].ErrorKind != domain.ErrKindTimeout {
		t.Fatalf("expected timeout error kind, got %+v", runs)
	}
}

func TestRunBatchCancellationStopsNewDispatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cleanRan := false

	reg := sealAll(t,
		domain.StepDefinition{
			Name:  "extract",
			Retry: domain.RetryPolicy{MaxAttempts: 1},
			Action: domain.ActionFunc(func(actx context.Context, in domain.ActionInput) (domain.OutputRef, error) {
				cancel() // batch cancelled while the first step is in flight
				return domain.OutputRef{ObjectKey: "raw/" + in.Batch.ID}, nil
			}),
		},
		domain.StepDefinition{
			Name:      "clean",
			DependsOn: []string{"extract"},
			Retry:     domain.RetryPolicy{MaxAttempts: 1},
			Action: domain.ActionFunc(func(actx context.Context, in domain.ActionInput) (domain.OutputRef, error) {
				cleanRan = true
				return domain.OutputRef{}, nil
			}),
		},
	)
	store := state.NewMemoryStore()
	s := newScheduler(t, reg, store)

	outcome, runs, err := s.RunBatch(ctx, testBatch())
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if cleanRan {
		t.Fatalf("no new dispatches after cancellation")
	}
	// clean never got a run, so the batch must not be reported succeeded.
	if outcome != domain.BatchPartiallyFailed {
		t.Fatalf("outcome = %s, want partially_failed for incomplete batch", outcome)
	}
	states := latestStates(t, runs)
	if states["extract"] != domain.RunStateSucceeded {
		t.Fatalf("in-flight step should finish, got %s", states["extract"])
	}

	boundary, err := store.Watermark(context.Background(), "sales")
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if boundary != "" {
		t.Fatalf("watermark must not advance for an incomplete batch, got %q", boundary)
	}
}

// ctxStrictStore refuses writes once the supplied context is done, the way
// the postgres store's ExecContext/QueryRowContext do.
type ctxStrictStore struct {
	state.Store
}

func (s *ctxStrictStore) CreateRun(ctx context.Context, stepName string, batch domain.Batch, attempt int, idempotencyKey string) (domain.StepRun, error) {
	if err := ctx.Err(); err != nil {
		return domain.StepRun{}, err
	}
	return s.Store.CreateRun(ctx, stepName, batch, attempt, idempotencyKey)
}

func (s *ctxStrictStore) Transition(ctx context.Context, runID string, next domain.RunState, payload state.TransitionPayload) (domain.StepRun, error) {
	if err := ctx.Err(); err != nil {
		return domain.StepRun{}, err
	}
	return s.Store.Transition(ctx, runID, next, payload)
}

func (s *ctxStrictStore) ListRunsForBatch(ctx context.Context, batchID string) ([]domain.StepRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.ListRunsForBatch(ctx, batchID)
}

func (s *ctxStrictStore) AdvanceWatermark(ctx context.Context, pipeline, boundary string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.AdvanceWatermark(ctx, pipeline, boundary)
}

func TestRunBatchCancellationRecordsInFlightCompletion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	reg := sealAll(t,
		domain.StepDefinition{
			Name:  "extract",
			Retry: domain.RetryPolicy{MaxAttempts: 1},
			Action: domain.ActionFunc(func(actx context.Context, in domain.ActionInput) (domain.OutputRef, error) {
				cancel() // batch cancelled while the action is executing
				return domain.OutputRef{ObjectKey: "raw/" + in.Batch.ID}, nil
			}),
		},
		domain.StepDefinition{
			Name:      "clean",
			DependsOn: []string{"extract"},
			Retry:     domain.RetryPolicy{MaxAttempts: 1},
			Action:    succeedingAction("cleaned"),
		},
	)
	store := &ctxStrictStore{Store: state.NewMemoryStore()}
	s := newScheduler(t, reg, store)

	outcome, runs, err := s.RunBatch(ctx, testBatch())
	if err != nil {
		t.Fatalf("in-flight completion must be recorded despite cancellation: %v", err)
	}
	states := latestStates(t, runs)
	if states["extract"] != domain.RunStateSucceeded {
		t.Fatalf("extract state = %s, want succeeded", states["extract"])
	}
	if outcome != domain.BatchPartiallyFailed {
		t.Fatalf("outcome = %s, want partially_failed", outcome)
	}
}

func TestRunBatchPreCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reg := sealAll(t,
		domain.StepDefinition{Name: "extract", Retry: domain.RetryPolicy{MaxAttempts: 1}, Action: succeedingAction("raw")},
	)
	s := newScheduler(t, reg, state.NewMemoryStore())

	outcome, runs, err := s.RunBatch(ctx, testBatch())
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected no dispatches, got %d runs", len(runs))
	}
	if outcome != domain.BatchFailed {
		t.Fatalf("outcome = %s, want failed for a batch that never ran", outcome)
	}
}

func TestRunBatchConcurrentIndependentSteps(t *testing.T) {
	var mu sync.Mutex
	running := 0
	peak := 0
	slowAction := func(key string) domain.Action {
		return domain.ActionFunc(func(ctx context.Context, in domain.ActionInput) (domain.OutputRef, error) {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return domain.OutputRef{ObjectKey: key + "/" + in.Batch.ID}, nil
		})
	}

	reg := sealAll(t,
		domain.StepDefinition{Name: "load-a", Retry: domain.RetryPolicy{MaxAttempts: 1}, Action: slowAction("a")},
		domain.StepDefinition{Name: "load-b", Retry: domain.RetryPolicy{MaxAttempts: 1}, Action: slowAction("b")},
		domain.StepDefinition{Name: "load-c", Retry: domain.RetryPolicy{MaxAttempts: 1}, Action: slowAction("c")},
	)
	store := state.NewMemoryStore()
	s, err := New(testLogger(), reg, store, Config{Pipeline: "sales", Concurrency: 2, StepTimeout: time.Second})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	outcome, _, err := s.RunBatch(context.Background(), testBatch())
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if outcome != domain.BatchSucceeded {
		t.Fatalf("outcome = %s", outcome)
	}
	if peak > 2 {
		t.Fatalf("concurrency limit exceeded: peak %d", peak)
	}
	if peak < 2 {
		t.Fatalf("independent steps should overlap, peak %d", peak)
	}
}
