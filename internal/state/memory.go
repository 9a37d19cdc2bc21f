package state

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/salespipe-labs/salespipe-go/internal/domain"
)

// MemoryStore is a mutex-serialized Store for single-process use and tests.
type MemoryStore struct {
	mu         sync.Mutex
	now        func() time.Time
	byID       map[string]*domain.StepRun
	byPair     map[string][]*domain.StepRun // attempts in append order
	watermarks map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:        time.Now,
		byID:       make(map[string]*domain.StepRun),
		byPair:     make(map[string][]*domain.StepRun),
		watermarks: make(map[string]string),
	}
}

func pairKey(stepName, batchID string) string {
	return stepName + "\x00" + batchID
}

func (s *MemoryStore) CreateRun(ctx context.Context, stepName string, batch domain.Batch, attempt int, idempotencyKey string) (domain.StepRun, error) {
	stepName = strings.TrimSpace(stepName)
	if stepName == "" {
		return domain.StepRun{}, fmt.Errorf("step name is required")
	}
	if err := batch.Validate(); err != nil {
		return domain.StepRun{}, err
	}
	if attempt < 1 {
		return domain.StepRun{}, fmt.Errorf("attempt must be >= 1")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(stepName, batch.ID)
	for _, existing := range s.byPair[key] {
		if existing.Active() {
			return domain.StepRun{}, &DuplicateRunError{StepName: stepName, BatchID: batch.ID}
		}
		if existing.Attempt >= attempt {
			return domain.StepRun{}, fmt.Errorf("attempt %d for step %q batch %q already recorded", attempt, stepName, batch.ID)
		}
	}

	run := &domain.StepRun{
		ID:             uuid.NewString(),
		StepName:       stepName,
		BatchID:        batch.ID,
		Attempt:        attempt,
		State:          domain.RunStatePending,
		StartedAt:      s.now().UTC(),
		IdempotencyKey: idempotencyKey,
	}
	s.byID[run.ID] = run
	s.byPair[key] = append(s.byPair[key], run)
	return *run, nil
}

func (s *MemoryStore) GetRun(ctx context.Context, stepName, batchID string) (domain.StepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempts := s.byPair[pairKey(strings.TrimSpace(stepName), strings.TrimSpace(batchID))]
	if len(attempts) == 0 {
		return domain.StepRun{}, ErrNotFound
	}
	return *attempts[len(attempts)-1], nil
}

func (s *MemoryStore) Transition(ctx context.Context, runID string, next domain.RunState, payload TransitionPayload) (domain.StepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.byID[strings.TrimSpace(runID)]
	if !ok {
		return domain.StepRun{}, ErrNotFound
	}
	if !domain.CanTransitionRunState(run.State, next) {
		return domain.StepRun{}, &InvalidTransitionError{RunID: run.ID, From: run.State, To: next}
	}

	run.State = next
	if payload.ErrorKind != "" {
		run.ErrorKind = payload.ErrorKind
	}
	if payload.ErrorMessage != "" {
		run.ErrorMessage = payload.ErrorMessage
	}
	if payload.Output != nil {
		run.Output = payload.Output
	}
	if payload.Validation != nil {
		run.Validation = payload.Validation
	}
	if payload.FinishedAt != nil {
		t := payload.FinishedAt.UTC()
		run.FinishedAt = &t
	} else if run.Terminal() && run.FinishedAt == nil {
		t := s.now().UTC()
		run.FinishedAt = &t
	}
	return *run, nil
}

func (s *MemoryStore) ListRunsForBatch(ctx context.Context, batchID string) ([]domain.StepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batchID = strings.TrimSpace(batchID)
	out := make([]domain.StepRun, 0)
	for _, run := range s.byID {
		if run.BatchID == batchID {
			out = append(out, *run)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepName != out[j].StepName {
			return out[i].StepName < out[j].StepName
		}
		return out[i].Attempt < out[j].Attempt
	})
	return out, nil
}

func (s *MemoryStore) ListActiveRuns(ctx context.Context) ([]domain.StepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.StepRun, 0)
	for _, run := range s.byID {
		if run.Active() {
			out = append(out, *run)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BatchID != out[j].BatchID {
			return out[i].BatchID < out[j].BatchID
		}
		if out[i].StepName != out[j].StepName {
			return out[i].StepName < out[j].StepName
		}
		return out[i].Attempt < out[j].Attempt
	})
	return out, nil
}

func (s *MemoryStore) Watermark(ctx context.Context, pipeline string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermarks[strings.TrimSpace(pipeline)], nil
}

func (s *MemoryStore) AdvanceWatermark(ctx context.Context, pipeline, boundary string) error {
	pipeline = strings.TrimSpace(pipeline)
	boundary = strings.TrimSpace(boundary)
	if pipeline == "" {
		return fmt.Errorf("pipeline is required")
	}
	if boundary == "" {
		return fmt.Errorf("boundary is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[pipeline] = boundary
	return nil
}
