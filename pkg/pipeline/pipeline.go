// Package pipeline composes the training stages into one run:
//
//	acquire lock → ingest → fit transformer → apply → train candidates → encode → publish
//
// A run either publishes a complete, consistent artifact pair or publishes
// nothing. The store's training lock keeps concurrent runs from interleaving
// their outputs.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/HatiCode/gradecast/pkg/artifact"
	"github.com/HatiCode/gradecast/pkg/features"
	"github.com/HatiCode/gradecast/pkg/ingest"
	"github.com/HatiCode/gradecast/pkg/models"
	"github.com/HatiCode/gradecast/pkg/storage"
	"github.com/HatiCode/gradecast/pkg/training"
)

// Stage names reported to observers.
const (
	StageIngest    = "ingest"
	StageTransform = "transform"
	StageTrain     = "train"
	StagePublish   = "publish"
)

// Observer receives stage timings and candidate results.
type Observer interface {
	training.Observer
	StageCompleted(stage string, d time.Duration)
}

// Options configures a Pipeline.
type Options struct {
	Ingest        ingest.Options
	Training      training.Options
	UnknownPolicy features.UnknownPolicy
}

// Result summarises a published run.
type Result struct {
	RunID     string
	EvalScore float64
	CVScore   float64
	Candidate string
	Params    models.Params
	Locations ingest.Locations
	Report    *training.Report
	Duration  time.Duration
}

// Pipeline runs training end to end.
type Pipeline struct {
	store    storage.Store
	ingestor *ingest.Ingestor
	opts     Options
	logger   *slog.Logger
	observer Observer
	newRunID func() string
	now      func() time.Time
}

// New creates a Pipeline publishing into store. observer may be nil.
func New(store storage.Store, opts Options, logger *slog.Logger, observer Observer) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.UnknownPolicy == "" {
		opts.UnknownPolicy = features.UnknownIgnore
	}
	if observer != nil && opts.Training.Observer == nil {
		opts.Training.Observer = observer
	}
	return &Pipeline{
		store:    store,
		ingestor: ingest.New(opts.Ingest, logger),
		opts:     opts,
		logger:   logger,
		observer: observer,
		newRunID: newRunID,
		now:      time.Now,
	}
}

// newRunID returns a time-ordered UUID so run directories sort by age.
func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// RunTrainingPipeline ingests source, trains and selects a model and
// publishes the artifact pair. It returns the winner's evaluation R².
//
// Schema, transformation and training failures are errs-classified and
// nothing is published.
func (p *Pipeline) RunTrainingPipeline(ctx context.Context, source string) (Result, error) {
	start := time.Now()
	runID := p.newRunID()
	logger := p.logger.With("run_id", runID)

	lock, err := p.store.Acquire(ctx, runID)
	if err != nil {
		return Result{}, fmt.Errorf("acquire training lock: %w", err)
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lock.Release(rctx); err != nil {
			logger.Warn("releasing training lock failed", "error", err)
		}
	}()

	logger.Info("training run started", "source", source)

	stage := time.Now()
	loc, err := p.ingestor.Ingest(ctx, source)
	if err != nil {
		return Result{}, err
	}
	train, err := ingest.Load(ctx, loc.Train)
	if err != nil {
		return Result{}, fmt.Errorf("load train split: %w", err)
	}
	eval, err := ingest.Load(ctx, loc.Eval)
	if err != nil {
		return Result{}, fmt.Errorf("load eval split: %w", err)
	}
	p.stageDone(StageIngest, stage)

	stage = time.Now()
	pre, err := features.Fit(train.Rows, features.FitOptions{
		RunID:         runID,
		UnknownPolicy: p.opts.UnknownPolicy,
		Now:           p.now,
	})
	if err != nil {
		return Result{}, err
	}
	trainX, err := pre.Apply(train.Rows)
	if err != nil {
		return Result{}, err
	}
	evalX, err := pre.Apply(eval.Rows)
	if err != nil {
		return Result{}, err
	}
	trainY, err := features.Targets(train.Rows)
	if err != nil {
		return Result{}, err
	}
	evalY, err := features.Targets(eval.Rows)
	if err != nil {
		return Result{}, err
	}
	transformDuration := p.stageDone(StageTransform, stage)
	logger.Info("transformer fitted",
		"features", pre.Width(),
		"train_rows", len(trainX),
		"eval_rows", len(evalX),
		"unknown_policy", pre.UnknownPolicy,
		"duration_ms", transformDuration.Milliseconds(),
	)

	stage = time.Now()
	report, err := training.New(p.opts.Training, logger).Train(ctx, trainX, trainY, evalX, evalY)
	if err != nil {
		return Result{Report: report, Locations: loc}, err
	}
	trainDuration := p.stageDone(StageTrain, stage)
	winner := report.Selected()

	stage = time.Now()
	trainedAt := p.now().UTC()
	model, err := artifact.NewModel(winner.Model, artifact.Model{
		RunID:        runID,
		TrainedAt:    trainedAt,
		FeatureNames: pre.FeatureNames,
		CVScore:      nanToZero(winner.CVScore),
		EvalScore:    winner.EvalScore,
		EvalMAE:      winner.EvalMAE,
		EvalRMSE:     winner.EvalRMSE,
		TrainRows:    len(trainX),
		EvalRows:     len(evalX),
	})
	if err != nil {
		return Result{}, fmt.Errorf("capture model: %w", err)
	}
	preData, err := artifact.EncodePreprocessor(pre)
	if err != nil {
		return Result{}, err
	}
	modelData, err := artifact.EncodeModel(model)
	if err != nil {
		return Result{}, err
	}
	if err := p.store.Publish(ctx, storage.Set{
		RunID:        runID,
		Preprocessor: preData,
		Model:        modelData,
		PublishedAt:  trainedAt,
	}); err != nil {
		return Result{}, fmt.Errorf("publish artifacts: %w", err)
	}
	publishDuration := p.stageDone(StagePublish, stage)

	res := Result{
		RunID:     runID,
		EvalScore: winner.EvalScore,
		CVScore:   winner.CVScore,
		Candidate: winner.Name,
		Params:    winner.Params,
		Locations: loc,
		Report:    report,
		Duration:  time.Since(start),
	}
	logger.Info("training run published",
		"candidate", res.Candidate,
		"params", res.Params.String(),
		"eval_r2", res.EvalScore,
		"preprocessor_bytes", len(preData),
		"model_bytes", len(modelData),
		"train_ms", trainDuration.Milliseconds(),
		"publish_ms", publishDuration.Milliseconds(),
		"total_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

func (p *Pipeline) stageDone(stage string, start time.Time) time.Duration {
	d := time.Since(start)
	if p.observer != nil {
		p.observer.StageCompleted(stage, d)
	}
	return d
}

func nanToZero(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
