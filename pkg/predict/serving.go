// Package predict serves predictions from a published artifact pair.
//
// A ServingContext is built once from a preprocessor and a model of the same
// training run and is immutable afterwards, so any number of goroutines may
// call Predict on it without locking. Service holds the current context
// behind an atomic pointer and swaps in newly published runs as a whole.
package predict

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/HatiCode/gradecast/pkg/artifact"
	"github.com/HatiCode/gradecast/pkg/errs"
	"github.com/HatiCode/gradecast/pkg/features"
	"github.com/HatiCode/gradecast/pkg/models"
	"github.com/HatiCode/gradecast/pkg/record"
	"github.com/HatiCode/gradecast/pkg/schema"
	"github.com/HatiCode/gradecast/pkg/storage"
)

// Options configures how predictions are produced.
type Options struct {
	// Unclipped leaves raw model outputs. By default predictions are clamped
	// to the target range [0, 100].
	Unclipped bool
}

// Info describes the artifact pair a ServingContext was built from.
type Info struct {
	RunID        string        `json:"run_id"`
	Candidate    string        `json:"candidate"`
	Params       models.Params `json:"params"`
	EvalScore    float64       `json:"eval_score"`
	CVScore      float64       `json:"cv_score"`
	TrainedAt    time.Time     `json:"trained_at"`
	PublishedAt  time.Time     `json:"published_at"`
	LoadedAt     time.Time     `json:"loaded_at"`
	FeatureNames []string      `json:"feature_names"`
	Clipped      bool          `json:"clipped"`
}

// ServingContext pairs a preprocessing plan with the model trained on its
// output.
type ServingContext struct {
	pre   *features.Artifact
	model models.Regressor
	info  Info
	clip  bool
}

// Load builds a ServingContext from the store's current pair. Every failure,
// including an empty or unreachable store, is an errs.ErrArtifactLoad error.
func Load(ctx context.Context, store storage.Store, opts Options) (*ServingContext, error) {
	set, found, err := store.Latest(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.ErrArtifactLoad, "load artifacts", err)
	}
	if !found {
		return nil, errs.New(errs.ErrArtifactLoad, "load artifacts", "no artifacts have been published")
	}
	return FromSet(set, opts)
}

// FromSet decodes and cross-checks a published pair.
func FromSet(set storage.Set, opts Options) (*ServingContext, error) {
	const op = "load artifacts"

	pre, err := artifact.DecodePreprocessor(set.Preprocessor)
	if err != nil {
		return nil, err
	}
	meta, err := artifact.DecodeModel(set.Model)
	if err != nil {
		return nil, err
	}
	if err := artifact.CheckPair(pre, meta); err != nil {
		return nil, err
	}
	if set.RunID != "" && set.RunID != pre.RunID {
		return nil, errs.New(errs.ErrArtifactLoad, op,
			fmt.Sprintf("published as run %q but artifacts belong to run %q", set.RunID, pre.RunID))
	}

	model, err := meta.Regressor()
	if err != nil {
		return nil, err
	}
	// A model that cannot consume the plan's layout fails here instead of on
	// the first request.
	if err := tryPredict(model, pre.Width()); err != nil {
		return nil, errs.Wrap(errs.ErrArtifactLoad, op, err)
	}

	return &ServingContext{
		pre:   pre,
		model: model,
		clip:  !opts.Unclipped,
		info: Info{
			RunID:        meta.RunID,
			Candidate:    meta.Candidate,
			Params:       meta.Params,
			EvalScore:    meta.EvalScore,
			CVScore:      meta.CVScore,
			TrainedAt:    meta.TrainedAt,
			PublishedAt:  set.PublishedAt,
			LoadedAt:     time.Now(),
			FeatureNames: pre.FeatureNames,
			Clipped:      !opts.Unclipped,
		},
	}, nil
}

// tryPredict runs model on one zero row of the given width. A panic inside the
// estimator is returned as an error so a bad artifact cannot take down the
// process that is loading it.
func tryPredict(model models.Regressor, width int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked on a %d-feature row: %v", model.Name(), width, r)
		}
	}()
	_, err = model.Predict([][]float64{make([]float64, width)})
	return err
}

// Info returns metadata about the loaded pair.
func (s *ServingContext) Info() Info {
	return s.info
}

// Predict returns one prediction per record, in order. Each row is
// transformed and scored independently, so a batch yields exactly the values
// the same records would yield one at a time.
func (s *ServingContext) Predict(records []record.Record) ([]float64, error) {
	if len(records) == 0 {
		return []float64{}, nil
	}
	X, err := s.pre.Apply(record.Rows(records))
	if err != nil {
		return nil, err
	}
	out, err := s.model.Predict(X)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", s.info.Candidate, err)
	}
	for i, v := range out {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("model %s produced a non-finite prediction for row %d", s.info.Candidate, i)
		}
		if s.clip {
			out[i] = math.Max(schema.TargetMin, math.Min(schema.TargetMax, v))
		}
	}
	return out, nil
}

// PredictOne scores a single record.
func (s *ServingContext) PredictOne(r record.Record) (float64, error) {
	out, err := s.Predict([]record.Record{r})
	if err != nil {
		return 0, err
	}
	return out[0], nil
}
