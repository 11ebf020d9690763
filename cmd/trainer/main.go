// Command trainer runs the offline training pipeline once.
//
// A run ingests a student performance dataset, splits it into training and
// evaluation subsets, fits the feature transformer on the training subset,
// trains every candidate model family, and publishes the best model together
// with its transformer to the artifact store. Predictors polling the same
// store pick the new pair up without a restart.
//
// Usage:
//
//	trainer \
//	  -source=data/StudentsPerformance.csv \
//	  -artifact-dir=artifacts/models \
//	  -min-score=0.6 \
//	  -candidates=linear_regression,ridge,gradient_boosting
//
// Environment variables:
//
//	SOURCE             - Dataset location: CSV path or http(s) URL (required)
//	CONFIG_FILE        - YAML file with pipeline settings
//	STORAGE            - Artifact backend: file or redis (default: file)
//	ARTIFACT_DIR       - Artifact directory for the file backend
//	REDIS_ADDR         - Redis address for the redis backend
//	MIN_SCORE          - Minimum evaluation R² (default: 0.6)
//	WORKERS            - Candidates trained concurrently (default: GOMAXPROCS)
//	METRICS_LISTEN     - Serve /metrics while training
//	LOG_LEVEL          - Logging level: debug, info, warn, error (default: info)
//	LOG_FORMAT         - Logging format: text, json (default: text)
//
// Exit codes: 0 published, 1 infrastructure failure, 3 invalid dataset,
// 4 no candidate reached the minimum score.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HatiCode/gradecast/cmd/trainer/config"
	"github.com/HatiCode/gradecast/cmd/trainer/metrics"
	"github.com/HatiCode/gradecast/pkg/errs"
	"github.com/HatiCode/gradecast/pkg/features"
	"github.com/HatiCode/gradecast/pkg/httpx"
	"github.com/HatiCode/gradecast/pkg/ingest"
	"github.com/HatiCode/gradecast/pkg/logger"
	"github.com/HatiCode/gradecast/pkg/pipeline"
	"github.com/HatiCode/gradecast/pkg/storage"
	"github.com/HatiCode/gradecast/pkg/training"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	cfg := config.ParseFlags()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	log.Info("starting gradecast trainer",
		"version", version,
		"source", cfg.Source,
		"storage", cfg.Storage,
		"min_score", cfg.MinScore,
	)

	m := metrics.New(prometheus.DefaultRegisterer)

	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/healthz", httpx.HealthHandler(nil))
		metricsServer := httpx.NewServer(cfg.MetricsListen, mux, log)
		go func() {
			if err := metricsServer.Start(); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			if err := metricsServer.Stop(5 * time.Second); err != nil {
				log.Error("metrics server shutdown failed", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	res, err := run(ctx, cfg, log, m)
	m.RecordRun(res.EvalScore, err)
	if err != nil {
		log.Error("training run failed", "error", err, "kind", errs.Label(err))
		stop()
		os.Exit(exitCode(err))
	}

	log.Info("training complete",
		"run_id", res.RunID,
		"candidate", res.Candidate,
		"eval_r2", res.EvalScore,
		"duration", res.Duration,
	)
}

// run opens the artifact store and executes one pipeline run.
func run(ctx context.Context, cfg *config.Config, log *slog.Logger, observer pipeline.Observer) (pipeline.Result, error) {
	store, err := storage.Open(cfg.StorageConfig(), log)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("open artifact store: %w", err)
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				log.Error("failed to close store", "error", err)
			}
		}()
	}

	opts, err := pipelineOptions(cfg)
	if err != nil {
		return pipeline.Result{}, err
	}

	res, err := pipeline.New(store, opts, log, observer).RunTrainingPipeline(ctx, cfg.Source)
	if res.Report != nil {
		logReport(log, res.Report)
	}
	return res, err
}

func pipelineOptions(cfg *config.Config) (pipeline.Options, error) {
	roster, err := training.SelectRoster(training.DefaultRoster(), cfg.Candidates)
	if err != nil {
		return pipeline.Options{}, err
	}
	policy, err := features.ParseUnknownPolicy(cfg.UnknownCategories)
	if err != nil {
		return pipeline.Options{}, err
	}

	opts := pipeline.Options{
		Ingest: ingest.Options{
			DataDir:       cfg.DataDir,
			TrainRatio:    cfg.TrainRatio,
			Seed:          cfg.Seed,
			AdapterConfig: cfg.AdapterConfig,
		},
		Training: training.Options{
			Candidates:       roster,
			Folds:            cfg.Folds,
			Seed:             cfg.Seed,
			MinScore:         cfg.MinScore,
			Workers:          cfg.Workers,
			CandidateTimeout: cfg.CandidateTimeout,
		},
		UnknownPolicy: policy,
	}

	if cfg.TLS.Enabled {
		client, err := httpx.NewClient(cfg.TLS, 60*time.Second)
		if err != nil {
			return pipeline.Options{}, err
		}
		opts.Ingest.HTTPClient = client
	}
	return opts, nil
}

// logReport logs one line per candidate in priority order.
func logReport(log *slog.Logger, report *training.Report) {
	for i, r := range report.Results {
		attrs := []any{
			"candidate", r.Name,
			"status", r.Status,
			"params", r.Params.String(),
			"cv_r2", r.CVScore,
			"eval_r2", r.EvalScore,
			"duration_ms", r.Duration.Milliseconds(),
			"selected", i == report.Winner,
		}
		if r.Error != "" {
			attrs = append(attrs, "error", r.Error)
		}
		log.Info("candidate report", attrs...)
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, errs.ErrSchemaValidation), errors.Is(err, errs.ErrTransformation):
		return 3
	case errors.Is(err, errs.ErrTraining):
		return 4
	default:
		return 1
	}
}
