// Package postgres persists step runs in an append-only attempts table with
// compare-and-set transitions.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/salespipe-labs/salespipe-go/internal/domain"
	"github.com/salespipe-labs/salespipe-go/internal/state"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	stepRunColumns = `run_id, step_name, batch_id, attempt, state, started_at, finished_at, error_kind, error_message, output, validation, idempotency_key`

	// The partial unique index uq_step_runs_active on (step_name, batch_id)
	// where state in ('pending','running','validating') backs the
	// at-most-one-in-flight guarantee under concurrent dispatch.
	insertStepRunQuery = `INSERT INTO step_runs (
		run_id,
		step_name,
		batch_id,
		attempt,
		state,
		started_at,
		idempotency_key
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (step_name, batch_id) WHERE state IN ('pending','running','validating') DO NOTHING
	RETURNING ` + stepRunColumns

	selectLatestRunQuery = `SELECT ` + stepRunColumns + `
	 FROM step_runs
	 WHERE step_name = $1 AND batch_id = $2
	 ORDER BY attempt DESC
	 LIMIT 1`

	selectRunByIDQuery = `SELECT ` + stepRunColumns + `
	 FROM step_runs
	 WHERE run_id = $1`

	// Compare-and-set: the prior state is part of the predicate so a
	// concurrent writer loses cleanly instead of clobbering.
	transitionQuery = `UPDATE step_runs SET
		state = $2,
		error_kind = COALESCE(NULLIF($3, ''), error_kind),
		error_message = COALESCE(NULLIF($4, ''), error_message),
		output = COALESCE($5, output),
		validation = COALESCE($6, validation),
		finished_at = COALESCE($7, finished_at)
	 WHERE run_id = $1 AND state = $8`

	listRunsForBatchQuery = `SELECT ` + stepRunColumns + `
	 FROM step_runs
	 WHERE batch_id = $1
	 ORDER BY step_name ASC, attempt ASC`

	listActiveRunsQuery = `SELECT ` + stepRunColumns + `
	 FROM step_runs
	 WHERE state IN ('pending','running','validating')
	 ORDER BY batch_id ASC, step_name ASC, attempt ASC`

	selectWatermarkQuery = `SELECT boundary FROM watermarks WHERE pipeline = $1`

	upsertWatermarkQuery = `INSERT INTO watermarks (pipeline, boundary, updated_at)
	 VALUES ($1, $2, $3)
	 ON CONFLICT (pipeline) DO UPDATE SET boundary = EXCLUDED.boundary, updated_at = EXCLUDED.updated_at`
)

type Store struct {
	db  DB
	now func() time.Time
}

func NewStore(db DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db, now: time.Now}
}

func (s *Store) CreateRun(ctx context.Context, stepName string, batch domain.Batch, attempt int, idempotencyKey string) (domain.StepRun, error) {
	if s == nil || s.db == nil {
		return domain.StepRun{}, fmt.Errorf("step run store not initialized")
	}
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

	row := s.db.QueryRowContext(
		ctx,
		insertStepRunQuery,
		uuid.NewString(),
		stepName,
		batch.ID,
		attempt,
		string(domain.RunStatePending),
		s.now().UTC(),
		idempotencyKey,
	)
	run, err := scanStepRun(row)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return domain.StepRun{}, &state.DuplicateRunError{StepName: stepName, BatchID: batch.ID}
		}
		return domain.StepRun{}, fmt.Errorf("insert step run: %w", err)
	}
	return run, nil
}

func (s *Store) GetRun(ctx context.Context, stepName, batchID string) (domain.StepRun, error) {
	if s == nil || s.db == nil {
		return domain.StepRun{}, fmt.Errorf("step run store not initialized")
	}
	row := s.db.QueryRowContext(ctx, selectLatestRunQuery, strings.TrimSpace(stepName), strings.TrimSpace(batchID))
	return scanStepRun(row)
}

func (s *Store) Transition(ctx context.Context, runID string, next domain.RunState, payload state.TransitionPayload) (domain.StepRun, error) {
	if s == nil || s.db == nil {
		return domain.StepRun{}, fmt.Errorf("step run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.StepRun{}, fmt.Errorf("run id is required")
	}

	current, err := s.getByID(ctx, runID)
	if err != nil {
		return domain.StepRun{}, err
	}
	if !domain.CanTransitionRunState(current.State, next) {
		return domain.StepRun{}, &state.InvalidTransitionError{RunID: runID, From: current.State, To: next}
	}

	output, err := encodeOutput(payload.Output)
	if err != nil {
		return domain.StepRun{}, fmt.Errorf("encode output: %w", err)
	}
	validation, err := encodeValidation(payload.Validation)
	if err != nil {
		return domain.StepRun{}, fmt.Errorf("encode validation: %w", err)
	}

	var finishedAt sql.NullTime
	if payload.FinishedAt != nil {
		finishedAt = sql.NullTime{Time: payload.FinishedAt.UTC(), Valid: true}
	} else if isTerminal(next) {
		finishedAt = sql.NullTime{Time: s.now().UTC(), Valid: true}
	}

	result, err := s.db.ExecContext(
		ctx,
		transitionQuery,
		runID,
		string(next),
		payload.ErrorKind,
		payload.ErrorMessage,
		output,
		validation,
		finishedAt,
		string(current.State),
	)
	if err != nil {
		return domain.StepRun{}, fmt.Errorf("transition step run: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return domain.StepRun{}, fmt.Errorf("transition step run: %w", err)
	}
	if affected == 0 {
		// A concurrent writer moved the run first.
		return domain.StepRun{}, &state.InvalidTransitionError{RunID: runID, From: current.State, To: next}
	}
	return s.getByID(ctx, runID)
}

func (s *Store) ListRunsForBatch(ctx context.Context, batchID string) ([]domain.StepRun, error) {
	return s.listRuns(ctx, listRunsForBatchQuery, strings.TrimSpace(batchID))
}

func (s *Store) ListActiveRuns(ctx context.Context) ([]domain.StepRun, error) {
	return s.listRuns(ctx, listActiveRunsQuery)
}

func (s *Store) Watermark(ctx context.Context, pipeline string) (string, error) {
	if s == nil || s.db == nil {
		return "", fmt.Errorf("step run store not initialized")
	}
	var boundary string
	err := s.db.QueryRowContext(ctx, selectWatermarkQuery, strings.TrimSpace(pipeline)).Scan(&boundary)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select watermark: %w", err)
	}
	return boundary, nil
}

func (s *Store) AdvanceWatermark(ctx context.Context, pipeline, boundary string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step run store not initialized")
	}
	pipeline = strings.TrimSpace(pipeline)
	boundary = strings.TrimSpace(boundary)
	if pipeline == "" {
		return fmt.Errorf("pipeline is required")
	}
	if boundary == "" {
		return fmt.Errorf("boundary is required")
	}
	if _, err := s.db.ExecContext(ctx, upsertWatermarkQuery, pipeline, boundary, s.now().UTC()); err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}

func (s *Store) listRuns(ctx context.Context, query string, args ...any) ([]domain.StepRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step run store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.StepRun, 0)
	for rows.Next() {
		run, err := scanStepRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	return runs, nil
}

func (s *Store) getByID(ctx context.Context, runID string) (domain.StepRun, error) {
	return scanStepRun(s.db.QueryRowContext(ctx, selectRunByIDQuery, runID))
}

func isTerminal(st domain.RunState) bool {
	switch st {
	case domain.RunStateSucceeded, domain.RunStateFailed, domain.RunStateSkipped:
		return true
	default:
		return false
	}
}

func encodeOutput(ref *domain.OutputRef) ([]byte, error) {
	if ref == nil {
		return nil, nil
	}
	return json.Marshal(ref)
}

func encodeValidation(result *domain.ValidationResult) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	return json.Marshal(result)
}

type stepRunScanner interface {
	Scan(dest ...any) error
}

func scanStepRun(scanner stepRunScanner) (domain.StepRun, error) {
	var run domain.StepRun
	var stateValue string
	var finishedAt sql.NullTime
	var errorKind sql.NullString
	var errorMessage sql.NullString
	var idempotencyKey sql.NullString
	var output []byte
	var validation []byte

	if err := scanner.Scan(
		&run.ID,
		&run.StepName,
		&run.BatchID,
		&run.Attempt,
		&stateValue,
		&run.StartedAt,
		&finishedAt,
		&errorKind,
		&errorMessage,
		&output,
		&validation,
		&idempotencyKey,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.StepRun{}, state.ErrNotFound
		}
		return domain.StepRun{}, fmt.Errorf("scan step run: %w", err)
	}

	run.State = domain.NormalizeRunState(stateValue)
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		run.FinishedAt = &t
	}
	run.ErrorKind = strings.TrimSpace(errorKind.String)
	run.ErrorMessage = strings.TrimSpace(errorMessage.String)
	run.IdempotencyKey = strings.TrimSpace(idempotencyKey.String)

	if len(output) > 0 {
		var ref domain.OutputRef
		if err := json.Unmarshal(output, &ref); err != nil {
			return domain.StepRun{}, fmt.Errorf("decode output: %w", err)
		}
		run.Output = &ref
	}
	if len(validation) > 0 {
		var result domain.ValidationResult
		if err := json.Unmarshal(validation, &result); err != nil {
			return domain.StepRun{}, fmt.Errorf("decode validation: %w", err)
		}
		run.Validation = &result
	}
	return run, nil
}
