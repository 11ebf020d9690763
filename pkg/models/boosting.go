package models

import (
	"context"
	"errors"
	"fmt"
)

// BoostingOptions configures gradient boosting.
type BoostingOptions struct {
	Stages         int
	LearningRate   float64
	MaxDepth       int
	MinSamplesLeaf int
}

// Boosting is gradient boosting with squared loss: each stage fits a shallow
// tree to the current residuals and adds a LearningRate-scaled copy of it to
// the ensemble, starting from the training mean.
type Boosting struct {
	Stages         int     `json:"n_estimators"`
	LearningRate   float64 `json:"learning_rate"`
	MaxDepth       int     `json:"max_depth"`
	MinSamplesLeaf int     `json:"min_samples_leaf"`
	Init           float64 `json:"init"`
	Width          int     `json:"width"`
	Trees          []*Tree `json:"trees"`
}

// NewBoosting returns an unfitted booster.
func NewBoosting(opts BoostingOptions) *Boosting {
	lr := opts.LearningRate
	if lr <= 0 {
		lr = 0.1
	}
	return &Boosting{
		Stages:         max(opts.Stages, 1),
		LearningRate:   lr,
		MaxDepth:       opts.MaxDepth,
		MinSamplesLeaf: max(opts.MinSamplesLeaf, 1),
	}
}

// Name returns the estimator identifier.
func (b *Boosting) Name() string {
	return GradientBoosting
}

// Params returns the hyperparameters.
func (b *Boosting) Params() Params {
	return Params{
		"n_estimators":     float64(b.Stages),
		"learning_rate":    b.LearningRate,
		"max_depth":        float64(b.MaxDepth),
		"min_samples_leaf": float64(b.MinSamplesLeaf),
	}
}

// Fit runs every boosting stage.
func (b *Boosting) Fit(ctx context.Context, X [][]float64, y []float64) error {
	width, err := checkTraining(X, y)
	if err != nil {
		return fmt.Errorf("%s: %w", GradientBoosting, err)
	}
	n := len(X)
	b.Width = width

	mean := 0.0
	for _, v := range y {
		mean += v
	}
	b.Init = mean / float64(n)

	pred := make([]float64, n)
	residual := make([]float64, n)
	for i := range pred {
		pred[i] = b.Init
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}

	b.Trees = make([]*Tree, 0, b.Stages)
	for range b.Stages {
		for i := range residual {
			residual[i] = y[i] - pred[i]
		}
		tree := &Tree{MaxDepth: b.MaxDepth, MinSamplesLeaf: b.MinSamplesLeaf}
		if err := tree.fitIndices(ctx, X, residual, idx, width); err != nil {
			return err
		}
		for i, row := range X {
			pred[i] += b.LearningRate * tree.predictRow(row)
		}
		b.Trees = append(b.Trees, tree)
	}
	return nil
}

// Predict sums the initial estimate and every stage's scaled contribution.
func (b *Boosting) Predict(X [][]float64) ([]float64, error) {
	if len(b.Trees) == 0 {
		return nil, ErrNotFitted
	}
	if err := checkPredict(X, b.Width); err != nil {
		return nil, err
	}
	out := make([]float64, len(X))
	for i, row := range X {
		v := b.Init
		for _, t := range b.Trees {
			v += b.LearningRate * t.predictRow(row)
		}
		out[i] = v
	}
	return out, nil
}

func (b *Boosting) validate() error {
	if len(b.Trees) == 0 {
		return errors.New("booster has no stages")
	}
	for i, t := range b.Trees {
		if t == nil {
			return fmt.Errorf("stage %d is empty", i)
		}
		if t.Width != b.Width {
			return fmt.Errorf("stage %d has width %d, booster has %d", i, t.Width, b.Width)
		}
		if err := t.validate(); err != nil {
			return fmt.Errorf("stage %d: %w", i, err)
		}
	}
	return nil
}
