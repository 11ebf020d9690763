package models

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
)

// KNNRegressor predicts the mean target of the K nearest training rows by
// Euclidean distance. With DistanceWeighted each neighbour counts 1/d; an
// exact match short-circuits to the mean of the zero-distance neighbours.
// Distance ties are broken by training row order.
type KNNRegressor struct {
	K                int         `json:"k"`
	DistanceWeighted bool        `json:"distance_weighted"`
	X                [][]float64 `json:"x"`
	Y                []float64   `json:"y"`
}

// NewKNN returns an unfitted k-nearest-neighbours regressor.
func NewKNN(k int, distanceWeighted bool) *KNNRegressor {
	return &KNNRegressor{K: k, DistanceWeighted: distanceWeighted}
}

// Name returns the estimator identifier.
func (m *KNNRegressor) Name() string {
	return KNN
}

// Params returns the hyperparameters.
func (m *KNNRegressor) Params() Params {
	w := 0.0
	if m.DistanceWeighted {
		w = 1
	}
	return Params{"k": float64(m.K), "distance_weighted": w}
}

// Fit memorises a copy of the training set.
func (m *KNNRegressor) Fit(ctx context.Context, X [][]float64, y []float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := checkTraining(X, y); err != nil {
		return fmt.Errorf("%s: %w", KNN, err)
	}
	m.X = make([][]float64, len(X))
	for i, row := range X {
		m.X[i] = slices.Clone(row)
	}
	m.Y = slices.Clone(y)
	return nil
}

type neighbour struct {
	index int
	dist  float64
}

// Predict averages each row's nearest neighbours.
func (m *KNNRegressor) Predict(X [][]float64) ([]float64, error) {
	if len(m.X) == 0 {
		return nil, ErrNotFitted
	}
	if err := checkPredict(X, len(m.X[0])); err != nil {
		return nil, err
	}
	k := min(m.K, len(m.X))
	out := make([]float64, len(X))
	nb := make([]neighbour, len(m.X))
	for i, row := range X {
		for j, train := range m.X {
			d := 0.0
			for c, v := range row {
				diff := v - train[c]
				d += diff * diff
			}
			nb[j] = neighbour{index: j, dist: math.Sqrt(d)}
		}
		slices.SortFunc(nb, func(a, b neighbour) int {
			if c := cmp.Compare(a.dist, b.dist); c != 0 {
				return c
			}
			return cmp.Compare(a.index, b.index)
		})
		out[i] = m.combine(nb[:k])
	}
	return out, nil
}

func (m *KNNRegressor) combine(nearest []neighbour) float64 {
	if !m.DistanceWeighted {
		sum := 0.0
		for _, n := range nearest {
			sum += m.Y[n.index]
		}
		return sum / float64(len(nearest))
	}
	if nearest[0].dist == 0 {
		sum, count := 0.0, 0
		for _, n := range nearest {
			if n.dist != 0 {
				break
			}
			sum += m.Y[n.index]
			count++
		}
		return sum / float64(count)
	}
	sum, weights := 0.0, 0.0
	for _, n := range nearest {
		w := 1 / n.dist
		sum += w * m.Y[n.index]
		weights += w
	}
	return sum / weights
}

func (m *KNNRegressor) validate() error {
	if m.K < 1 {
		return errors.New("k must be >= 1")
	}
	if len(m.X) == 0 || len(m.X) != len(m.Y) {
		return errors.New("training set is empty or inconsistent")
	}
	width := len(m.X[0])
	if width == 0 {
		return errors.New("training rows have no features")
	}
	for i, row := range m.X {
		if len(row) != width {
			return fmt.Errorf("training row %d has %d features, want %d", i, len(row), width)
		}
	}
	return nil
}
