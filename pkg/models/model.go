// Package models provides the regression estimators used by the trainer and
// the prediction service.
//
// Every estimator implements Regressor. Estimators are constructed by name
// from a hyperparameter set, fitted once, and serialised as JSON so that a
// loaded estimator predicts bit-for-bit what the trained one did.
//
// Available estimators:
//   - linear_regression: ordinary least squares solved with a thin SVD
//   - ridge:             L2-penalised least squares (alpha)
//   - decision_tree:     CART regression tree (max_depth, min_samples_leaf)
//   - random_forest:     bagged CART trees with feature subsampling
//   - gradient_boosting: squared-loss boosted shallow trees
//   - knn:               k nearest neighbours (k, distance_weighted)
package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Estimator names.
const (
	LinearRegression = "linear_regression"
	Ridge            = "ridge"
	DecisionTree     = "decision_tree"
	RandomForest     = "random_forest"
	GradientBoosting = "gradient_boosting"
	KNN              = "knn"
)

// ErrNotFitted is returned by Predict on an estimator that was never fitted.
var ErrNotFitted = errors.New("model is not fitted")

// Params is a hyperparameter assignment. Every value is numeric; boolean
// switches use 0 and 1.
type Params map[string]float64

// String renders params in sorted key order, e.g. "alpha=10,fit=1".
func (p Params) String() string {
	keys := slices.Sorted(maps.Keys(p))
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + strconv.FormatFloat(p[k], 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

// Int returns p[key] as an int, or def when absent.
func (p Params) Int(key string, def int) int {
	if v, ok := p[key]; ok {
		return int(v)
	}
	return def
}

// Float returns p[key], or def when absent.
func (p Params) Float(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Regressor is a supervised regression estimator.
type Regressor interface {
	// Name returns the estimator identifier.
	Name() string

	// Fit learns from X (rows of features) and y. It honours ctx cancellation
	// between units of work so a training budget can bound it.
	Fit(ctx context.Context, X [][]float64, y []float64) error

	// Predict returns one prediction per row of X, in order.
	Predict(X [][]float64) ([]float64, error)

	// Params returns the hyperparameters the estimator was built with.
	Params() Params
}

// New constructs an unfitted estimator. seed drives every random choice the
// estimator makes, so equal (name, params, seed) always fit the same model.
func New(name string, p Params, seed uint64) (Regressor, error) {
	switch name {
	case LinearRegression:
		return NewLinear(), nil
	case Ridge:
		alpha := p.Float("alpha", 1)
		if alpha < 0 {
			return nil, fmt.Errorf("ridge: alpha must be >= 0, got %v", alpha)
		}
		return NewRidge(alpha), nil
	case DecisionTree:
		return NewTree(TreeOptions{
			MaxDepth:       p.Int("max_depth", 6),
			MinSamplesLeaf: p.Int("min_samples_leaf", 1),
		}), nil
	case RandomForest:
		return NewForest(ForestOptions{
			Trees:          p.Int("n_estimators", 100),
			MaxDepth:       p.Int("max_depth", 8),
			MinSamplesLeaf: p.Int("min_samples_leaf", 2),
			MaxFeatures:    p.Float("max_features", 0.5),
			Seed:           seed,
		}), nil
	case GradientBoosting:
		return NewBoosting(BoostingOptions{
			Stages:         p.Int("n_estimators", 100),
			LearningRate:   p.Float("learning_rate", 0.1),
			MaxDepth:       p.Int("max_depth", 3),
			MinSamplesLeaf: p.Int("min_samples_leaf", 1),
		}), nil
	case KNN:
		k := p.Int("k", 5)
		if k < 1 {
			return nil, fmt.Errorf("knn: k must be >= 1, got %d", k)
		}
		return NewKNN(k, p.Float("distance_weighted", 0) != 0), nil
	default:
		return nil, fmt.Errorf("unknown estimator %q", name)
	}
}

// Names returns every estimator name New accepts.
func Names() []string {
	return []string{LinearRegression, Ridge, GradientBoosting, RandomForest, DecisionTree, KNN}
}

// Encode serialises a fitted estimator.
func Encode(r Regressor) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", r.Name(), err)
	}
	return data, nil
}

// Decode restores an estimator previously serialised with Encode.
func Decode(name string, data []byte) (Regressor, error) {
	var r Regressor
	switch name {
	case LinearRegression, Ridge:
		r = &Linear{}
	case DecisionTree:
		r = &Tree{}
	case RandomForest:
		r = &Forest{}
	case GradientBoosting:
		r = &Boosting{}
	case KNN:
		r = &KNNRegressor{}
	default:
		return nil, fmt.Errorf("unknown estimator %q", name)
	}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	if r.Name() != name {
		return nil, fmt.Errorf("decode %s: payload describes %s", name, r.Name())
	}
	if v, ok := r.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
	}
	return r, nil
}

// checkTraining validates the shape of a training set and returns its width.
func checkTraining(X [][]float64, y []float64) (int, error) {
	if len(X) == 0 {
		return 0, errors.New("no training rows")
	}
	if len(X) != len(y) {
		return 0, fmt.Errorf("%d rows but %d targets", len(X), len(y))
	}
	width := len(X[0])
	if width == 0 {
		return 0, errors.New("training rows have no features")
	}
	for i, row := range X {
		if len(row) != width {
			return 0, fmt.Errorf("row %d has %d features, want %d", i, len(row), width)
		}
	}
	return width, nil
}

// checkPredict validates query rows against the fitted width.
func checkPredict(X [][]float64, width int) error {
	if width == 0 {
		return ErrNotFitted
	}
	for i, row := range X {
		if len(row) != width {
			return fmt.Errorf("row %d has %d features, model expects %d", i, len(row), width)
		}
	}
	return nil
}
