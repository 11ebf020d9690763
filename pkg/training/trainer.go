// Package training evaluates candidate model families and selects the one
// that generalises best to the held-out evaluation set.
//
// Each candidate searches its hyperparameter grid with seeded k-fold
// cross-validation on the training subset, refits the best grid point on the
// whole training subset and is scored by R² on the evaluation subset.
// Candidates run on a bounded worker pool, each under its own time budget.
// A candidate that fails or runs out of time is reported and excluded.
package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HatiCode/gradecast/pkg/errs"
	"github.com/HatiCode/gradecast/pkg/models"
)

// Defaults.
const (
	DefaultFolds    = 3
	DefaultMinScore = 0.6
)

// Status of an evaluated candidate.
type Status string

const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
)

// Factory constructs an unfitted estimator.
type Factory func(name string, params models.Params, seed uint64) (models.Regressor, error)

// Observer receives each candidate result as soon as it is known.
// Implementations must be safe for concurrent use.
type Observer interface {
	CandidateEvaluated(r Result)
}

// Options configures a Trainer.
type Options struct {
	// Candidates defaults to DefaultRoster().
	Candidates []Candidate
	// Folds is the number of cross-validation folds (default 3).
	Folds int
	// Seed drives fold assignment and every randomised estimator.
	Seed uint64
	// MinScore is the lowest evaluation R² an accepted model may have.
	MinScore float64
	// Workers bounds how many candidates train at once (default GOMAXPROCS).
	Workers int
	// CandidateTimeout bounds each candidate's search and refit. Zero means
	// no bound.
	CandidateTimeout time.Duration
	// Factory defaults to models.New.
	Factory  Factory
	Observer Observer
}

// Result is the outcome of one candidate.
type Result struct {
	Name       string
	Priority   int
	Status     Status
	Params     models.Params
	GridPoints int
	CVScore    float64
	EvalScore  float64
	EvalMAE    float64
	EvalRMSE   float64
	Duration   time.Duration
	Error      string

	// Model is the refitted estimator; nil unless Status is StatusOK.
	Model models.Regressor
}

// Report lists every candidate in priority order and the selected one.
type Report struct {
	Results []Result
	// Winner indexes Results.
	Winner int
}

// Selected returns the winning result.
func (r *Report) Selected() Result {
	return r.Results[r.Winner]
}

// Trainer runs candidate evaluation.
type Trainer struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Trainer, filling defaults for unset options.
func New(opts Options, logger *slog.Logger) *Trainer {
	if logger == nil {
		logger = slog.Default()
	}
	if len(opts.Candidates) == 0 {
		opts.Candidates = DefaultRoster()
	}
	if opts.Folds == 0 {
		opts.Folds = DefaultFolds
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Factory == nil {
		opts.Factory = models.New
	}
	return &Trainer{opts: opts, logger: logger}
}

// Train evaluates every candidate and selects the winner: the highest
// evaluation R², ties going to the lower priority. It returns an
// errs.ErrTraining error when no candidate succeeds or the winner scores
// below MinScore; the report is returned alongside for diagnostics.
func (t *Trainer) Train(ctx context.Context, trainX [][]float64, trainY []float64, evalX [][]float64, evalY []float64) (*Report, error) {
	const op = "train"
	if len(trainX) == 0 || len(trainX) != len(trainY) {
		return nil, errs.New(errs.ErrTraining, op, fmt.Sprintf("training set has %d rows and %d targets", len(trainX), len(trainY)))
	}
	if len(evalX) == 0 || len(evalX) != len(evalY) {
		return nil, errs.New(errs.ErrTraining, op, fmt.Sprintf("evaluation set has %d rows and %d targets", len(evalX), len(evalY)))
	}

	candidates := slices.Clone(t.opts.Candidates)
	slices.SortStableFunc(candidates, func(a, b Candidate) int { return a.Priority - b.Priority })

	folds := Folds(len(trainX), t.opts.Folds, t.opts.Seed)
	results := make([]Result, len(candidates))

	var g errgroup.Group
	g.SetLimit(t.opts.Workers)
	for i, c := range candidates {
		g.Go(func() error {
			results[i] = t.evaluate(ctx, c, folds, trainX, trainY, evalX, evalY)
			if t.opts.Observer != nil {
				t.opts.Observer.CandidateEvaluated(results[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("training interrupted: %w", err)
	}

	report := &Report{Results: results, Winner: -1}
	best := math.Inf(-1)
	for i, r := range results {
		if r.Status != StatusOK || math.IsNaN(r.EvalScore) {
			continue
		}
		if r.EvalScore > best {
			best = r.EvalScore
			report.Winner = i
		}
	}

	if report.Winner < 0 {
		return report, errs.New(errs.ErrTraining, op, "no acceptable model: every candidate failed")
	}
	winner := report.Selected()
	if winner.EvalScore < t.opts.MinScore {
		return report, errs.New(errs.ErrTraining, op, fmt.Sprintf(
			"no acceptable model: best candidate %s scored %.4f, minimum is %.4f",
			winner.Name, winner.EvalScore, t.opts.MinScore))
	}

	t.logger.Info("model selected",
		"candidate", winner.Name,
		"params", winner.Params.String(),
		"eval_r2", winner.EvalScore,
		"cv_r2", winner.CVScore,
	)
	return report, nil
}

// evaluate runs the grid search and refit for one candidate.
func (t *Trainer) evaluate(ctx context.Context, c Candidate, folds [][]int,
	trainX [][]float64, trainY []float64, evalX [][]float64, evalY []float64) Result {
	start := time.Now()
	res := Result{
		Name:      c.Name,
		Priority:  c.Priority,
		CVScore:   math.NaN(),
		EvalScore: math.NaN(),
		EvalMAE:   math.NaN(),
		EvalRMSE:  math.NaN(),
	}

	cctx := ctx
	if t.opts.CandidateTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, t.opts.CandidateTimeout)
		defer cancel()
	}

	err := t.search(cctx, c, folds, trainX, trainY, evalX, evalY, &res)
	res.Duration = time.Since(start)

	logger := t.logger.With("candidate", c.Name, "duration_ms", res.Duration.Milliseconds())
	switch {
	case err == nil:
		res.Status = StatusOK
		logger.Info("candidate evaluated",
			"params", res.Params.String(),
			"cv_r2", res.CVScore,
			"eval_r2", res.EvalScore,
		)
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		res.Status = StatusTimeout
		res.Error = err.Error()
		res.Model = nil
		logger.Warn("candidate timed out", "timeout", t.opts.CandidateTimeout)
	default:
		res.Status = StatusFailed
		res.Error = err.Error()
		res.Model = nil
		logger.Warn("candidate failed", "error", err)
	}
	return res
}

func (t *Trainer) search(ctx context.Context, c Candidate, folds [][]int,
	trainX [][]float64, trainY []float64, evalX [][]float64, evalY []float64, res *Result) error {
	grid := c.Grid
	if len(grid) == 0 {
		grid = []models.Params{nil}
	}
	res.GridPoints = len(grid)

	bestParams := grid[0]
	bestCV := math.Inf(-1)
	if len(folds) > 0 {
		for _, p := range grid {
			score, err := crossValidate(ctx, t.opts.Factory, c.Name, p, t.opts.Seed, trainX, trainY, folds)
			if err != nil {
				return err
			}
			t.logger.Debug("grid point scored", "candidate", c.Name, "params", p.String(), "cv_r2", score)
			if score > bestCV {
				bestCV = score
				bestParams = p
			}
		}
		if !math.IsInf(bestCV, -1) {
			res.CVScore = bestCV
		}
	}

	m, err := t.opts.Factory(c.Name, bestParams, t.opts.Seed)
	if err != nil {
		return err
	}
	if err := m.Fit(ctx, trainX, trainY); err != nil {
		return err
	}
	pred, err := m.Predict(evalX)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	res.Params = m.Params()
	res.EvalScore = models.R2(evalY, pred)
	res.EvalMAE = models.MAE(evalY, pred)
	res.EvalRMSE = models.RMSE(evalY, pred)
	res.Model = m
	return nil
}
