package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/salespipe-labs/salespipe-go/internal/action"
	"github.com/salespipe-labs/salespipe-go/internal/domain"
	"github.com/salespipe-labs/salespipe-go/internal/pipespec"
	"github.com/salespipe-labs/salespipe-go/internal/platform/env"
	"github.com/salespipe-labs/salespipe-go/internal/platform/httpserver"
	"github.com/salespipe-labs/salespipe-go/internal/platform/objectstore"
	"github.com/salespipe-labs/salespipe-go/internal/platform/postgres"
	"github.com/salespipe-labs/salespipe-go/internal/recovery"
	"github.com/salespipe-labs/salespipe-go/internal/registry"
	"github.com/salespipe-labs/salespipe-go/internal/report"
	"github.com/salespipe-labs/salespipe-go/internal/sched"
	statepg "github.com/salespipe-labs/salespipe-go/internal/state/postgres"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("SALESPIPE_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("SALESPIPE_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	specPath := env.String("SALESPIPE_PIPELINE_SPEC", "pipeline.yaml")
	batch, err := batchFromEnv()
	if err != nil {
		logger.Error("invalid batch env", "error", err)
		os.Exit(2)
	}
	concurrency, err := env.Int("SALESPIPE_CONCURRENCY", 2)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	stepTimeout, err := env.Duration("SALESPIPE_STEP_TIMEOUT", 5*time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	objects, err := objectstore.New(storeCfg)
	if err != nil {
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	if err := objects.EnsureBuckets(ctx); err != nil {
		logger.Error("object store buckets unavailable", "error", err)
		os.Exit(1)
	}

	specData, err := os.ReadFile(specPath)
	if err != nil {
		logger.Error("pipeline spec unreadable", "path", specPath, "error", err)
		os.Exit(2)
	}
	doc, err := pipespec.Parse(specData)
	if err != nil {
		logger.Error("pipeline spec invalid", "path", specPath, "error", err)
		os.Exit(2)
	}

	catalog := action.Catalog(objects, action.Buckets{
		Raw:     storeCfg.BucketRaw,
		Curated: storeCfg.BucketCurated,
	})
	defs, err := doc.Definitions(catalog)
	if err != nil {
		logger.Error("pipeline spec unresolvable", "error", err)
		os.Exit(2)
	}

	reg := registry.New()
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			logger.Error("register step", "step", def.Name, "error", err)
			os.Exit(2)
		}
	}
	if err := reg.Seal(); err != nil {
		logger.Error("pipeline graph invalid", "error", err)
		os.Exit(2)
	}
	logger.Info("pipeline loaded", "pipeline", doc.Pipeline, "steps", len(defs))

	store := statepg.NewStore(db)

	// Orphaned runs from a previous process are reconciled before any new
	// dispatch: a completion marker in the curated bucket proves the work
	// finished, anything else is failed as interrupted and retried.
	checker := recovery.CompletionCheckerFunc(func(ctx context.Context, idempotencyKey string) (domain.OutputRef, bool, error) {
		exists, err := objects.Exists(ctx, storeCfg.BucketCurated, idempotencyKey)
		if err != nil || !exists {
			return domain.OutputRef{}, false, err
		}
		return domain.OutputRef{ObjectKey: idempotencyKey}, true, nil
	})
	coord, err := recovery.New(logger, store, checker)
	if err != nil {
		logger.Error("recovery coordinator", "error", err)
		os.Exit(2)
	}
	if err := coord.Reconcile(ctx); err != nil {
		logger.Error("recovery failed", "error", err)
		os.Exit(1)
	}

	scheduler, err := sched.New(logger, reg, store, sched.Config{
		Pipeline:    doc.Pipeline,
		Concurrency: concurrency,
		StepTimeout: stepTimeout,
	})
	if err != nil {
		logger.Error("scheduler config", "error", err)
		os.Exit(2)
	}

	stepNames := make([]string, 0, len(defs))
	for _, def := range defs {
		stepNames = append(stepNames, def.Name)
	}
	reporter := &report.Writer{
		Store:  store,
		Sink:   objects,
		Bucket: storeCfg.BucketReports,
		Steps:  stepNames,
		Logger: logger,
	}

	go func() {
		outcome, _, err := scheduler.RunBatch(ctx, batch)
		if err != nil {
			logger.Error("batch run failed", "batch", batch.ID, "error", err)
			stop()
			return
		}
		if _, err := reporter.Emit(ctx, doc.Pipeline, batch.ID); err != nil {
			logger.Error("report emission failed", "batch", batch.ID, "error", err)
		}
		logger.Info("batch complete", "batch", batch.ID, "outcome", string(outcome))
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("pipelined"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"pipelined",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "objectstore",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
					defer cancel()
					return objects.CheckBuckets(checkCtx)
				},
			},
		),
	)
	mux.HandleFunc("GET /v1/batches/{batch}/report", func(w http.ResponseWriter, r *http.Request) {
		batch := r.PathValue("batch")
		rep, err := reporter.Build(r.Context(), doc.Pipeline, batch)
		if err != nil {
			logger.Error("report build failed", "batch", batch, "error", err)
			httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "report_unavailable"})
			return
		}
		if len(rep.Steps) == 0 {
			httpserver.WriteJSON(w, http.StatusNotFound, map[string]any{"error": "batch_not_found"})
			return
		}
		httpserver.WriteJSON(w, http.StatusOK, rep)
	})

	cfg := httpserver.Config{
		Service:         "pipelined",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "pipelined", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// batchFromEnv reads the batch handed over by the ingestion side. The window
// bounds what the batch covers; they default to the seven days ending at the
// given end date.
func batchFromEnv() (domain.Batch, error) {
	id := strings.TrimSpace(env.String("SALESPIPE_BATCH_ID", ""))
	if id == "" {
		return domain.Batch{}, errors.New("SALESPIPE_BATCH_ID is required")
	}

	endRaw := strings.TrimSpace(env.String("SALESPIPE_BATCH_WINDOW_END", ""))
	if endRaw == "" {
		return domain.Batch{}, errors.New("SALESPIPE_BATCH_WINDOW_END is required")
	}
	end, err := time.Parse(time.RFC3339, endRaw)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("parse SALESPIPE_BATCH_WINDOW_END: %w", err)
	}

	start := end.AddDate(0, 0, -7)
	if startRaw := strings.TrimSpace(env.String("SALESPIPE_BATCH_WINDOW_START", "")); startRaw != "" {
		start, err = time.Parse(time.RFC3339, startRaw)
		if err != nil {
			return domain.Batch{}, fmt.Errorf("parse SALESPIPE_BATCH_WINDOW_START: %w", err)
		}
	}

	batch := domain.Batch{ID: id, WindowStart: start, WindowEnd: end}
	if err := batch.Validate(); err != nil {
		return domain.Batch{}, err
	}
	return batch, nil
}
