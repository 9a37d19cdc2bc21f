package recovery

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/salespipe-labs/salespipe-go/internal/domain"
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

// orphanRun simulates a crash: the run is left in the given state with no
// process driving it.
func orphanRun(t *testing.T, store state.Store, stepName string, st domain.RunState, idempotencyKey string) domain.StepRun {
	t.Helper()
	ctx := context.Background()
	run, err := store.CreateRun(ctx, stepName, testBatch(), 1, idempotencyKey)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if st == domain.RunStatePending {
		return run
	}
	if _, err := store.Transition(ctx, run.ID, domain.RunStateRunning, state.TransitionPayload{}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if st == domain.RunStateRunning {
		return run
	}
	if _, err := store.Transition(ctx, run.ID, domain.RunStateValidating, state.TransitionPayload{}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	return run
}

func TestReconcileFailsOrphanedRunningRun(t *testing.T) {
	store := state.NewMemoryStore()
	orphanRun(t, store, "clean", domain.RunStateRunning, "")

	c, err := New(testLogger(), store, nil)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	if err := c.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	run, err := store.GetRun(context.Background(), "clean", testBatch().ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.State != domain.RunStateFailed {
		t.Fatalf("state = %s, want failed", run.State)
	}
	if run.ErrorKind != domain.ErrKindInterruptedExecution {
		t.Fatalf("error kind = %q", run.ErrorKind)
	}

	// The failed attempt must be retry-eligible: a new attempt is accepted.
	if _, err := store.CreateRun(context.Background(), "clean", testBatch(), 2, ""); err != nil {
		t.Fatalf("retry attempt rejected after reconcile: %v", err)
	}
}

func TestReconcileFailsOrphanedValidatingRun(t *testing.T) {
	store := state.NewMemoryStore()
	orphanRun(t, store, "aggregate", domain.RunStateValidating, "")

	c, err := New(testLogger(), store, nil)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	if err := c.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	run, err := store.GetRun(context.Background(), "aggregate", testBatch().ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.State != domain.RunStateFailed || run.ErrorKind != domain.ErrKindInterruptedExecution {
		t.Fatalf("run = %s/%s", run.State, run.ErrorKind)
	}
}

func TestReconcileSkipOnMatchWithIdempotencyKey(t *testing.T) {
	store := state.NewMemoryStore()
	orphanRun(t, store, "clean", domain.RunStateRunning, "cleaned/2024-W37/done")

	marker := domain.OutputRef{ObjectKey: "cleaned/2024-W37.csv", Stats: domain.TableStats{RowCount: 42}}
	checker := CompletionCheckerFunc(func(ctx context.Context, key string) (domain.OutputRef, bool, error) {
		if key == "cleaned/2024-W37/done" {
			return marker, true, nil
		}
		return domain.OutputRef{}, false, nil
	})

	c, err := New(testLogger(), store, checker)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	if err := c.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	run, err := store.GetRun(context.Background(), "clean", testBatch().ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.State != domain.RunStateSucceeded {
		t.Fatalf("state = %s, want succeeded via marker match", run.State)
	}
	if run.Output == nil || run.Output.ObjectKey != marker.ObjectKey {
		t.Fatalf("matched output not recorded: %+v", run.Output)
	}
}

func TestReconcileWithoutKeyAlwaysRetries(t *testing.T) {
	store := state.NewMemoryStore()
	orphanRun(t, store, "clean", domain.RunStateRunning, "")

	checker := CompletionCheckerFunc(func(ctx context.Context, key string) (domain.OutputRef, bool, error) {
		t.Fatalf("checker must not be consulted without an idempotency key")
		return domain.OutputRef{}, false, nil
	})

	c, err := New(testLogger(), store, checker)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	if err := c.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	run, err := store.GetRun(context.Background(), "clean", testBatch().ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.State != domain.RunStateFailed {
		t.Fatalf("state = %s, want failed", run.State)
	}
}

func TestReconcilePendingOrphan(t *testing.T) {
	store := state.NewMemoryStore()
	orphanRun(t, store, "extract", domain.RunStatePending, "")

	c, err := New(testLogger(), store, nil)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	if err := c.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	run, err := store.GetRun(context.Background(), "extract", testBatch().ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.State != domain.RunStateFailed || run.ErrorKind != domain.ErrKindInterruptedExecution {
		t.Fatalf("run = %s/%s", run.State, run.ErrorKind)
	}
}
