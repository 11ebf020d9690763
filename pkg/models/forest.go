package models

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
)

// ForestOptions configures a random forest.
type ForestOptions struct {
	Trees          int
	MaxDepth       int
	MinSamplesLeaf int
	MaxFeatures    float64
	Seed           uint64
}

// Forest averages CART trees, each grown on a bootstrap sample of the
// training rows with a random subset of features considered at every split.
// Tree i draws from its own PCG stream (Seed, i), so the forest is
// reproducible for a given seed.
type Forest struct {
	NTrees         int     `json:"n_estimators"`
	MaxDepth       int     `json:"max_depth"`
	MinSamplesLeaf int     `json:"min_samples_leaf"`
	MaxFeatures    float64 `json:"max_features"`
	Seed           uint64  `json:"seed"`
	Width          int     `json:"width"`
	Trees          []*Tree `json:"trees"`
}

// NewForest returns an unfitted forest.
func NewForest(opts ForestOptions) *Forest {
	return &Forest{
		NTrees:         max(opts.Trees, 1),
		MaxDepth:       opts.MaxDepth,
		MinSamplesLeaf: max(opts.MinSamplesLeaf, 1),
		MaxFeatures:    opts.MaxFeatures,
		Seed:           opts.Seed,
	}
}

// Name returns the estimator identifier.
func (f *Forest) Name() string {
	return RandomForest
}

// Params returns the hyperparameters.
func (f *Forest) Params() Params {
	return Params{
		"n_estimators":     float64(f.NTrees),
		"max_depth":        float64(f.MaxDepth),
		"min_samples_leaf": float64(f.MinSamplesLeaf),
		"max_features":     f.MaxFeatures,
	}
}

// Fit grows every tree.
func (f *Forest) Fit(ctx context.Context, X [][]float64, y []float64) error {
	width, err := checkTraining(X, y)
	if err != nil {
		return fmt.Errorf("%s: %w", RandomForest, err)
	}
	n := len(X)
	f.Width = width
	f.Trees = make([]*Tree, 0, f.NTrees)
	for i := range f.NTrees {
		rng := rand.New(rand.NewPCG(f.Seed, uint64(i)))
		sample := make([]int, n)
		for j := range sample {
			sample[j] = rng.IntN(n)
		}
		tree := &Tree{
			MaxDepth:       f.MaxDepth,
			MinSamplesLeaf: f.MinSamplesLeaf,
			maxFeatures:    f.MaxFeatures,
		}
		if f.MaxFeatures > 0 && f.MaxFeatures < 1 {
			tree.rng = rng
		}
		if err := tree.fitIndices(ctx, X, y, sample, width); err != nil {
			return err
		}
		f.Trees = append(f.Trees, tree)
	}
	return nil
}

// Predict averages the trees' predictions.
func (f *Forest) Predict(X [][]float64) ([]float64, error) {
	if len(f.Trees) == 0 {
		return nil, ErrNotFitted
	}
	if err := checkPredict(X, f.Width); err != nil {
		return nil, err
	}
	out := make([]float64, len(X))
	for i, row := range X {
		sum := 0.0
		for _, t := range f.Trees {
			sum += t.predictRow(row)
		}
		out[i] = sum / float64(len(f.Trees))
	}
	return out, nil
}

func (f *Forest) validate() error {
	if len(f.Trees) == 0 {
		return errors.New("forest has no trees")
	}
	for i, t := range f.Trees {
		if t == nil {
			return fmt.Errorf("tree %d is empty", i)
		}
		if t.Width != f.Width {
			return fmt.Errorf("tree %d has width %d, forest has %d", i, t.Width, f.Width)
		}
		if err := t.validate(); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
	}
	return nil
}
