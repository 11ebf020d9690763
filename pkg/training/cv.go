package training

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/HatiCode/gradecast/pkg/models"
)

// Folds partitions row indices 0..n-1 into k validation folds using a seeded
// permutation. k is clamped to n. Fewer than two rows yields no folds.
func Folds(n, k int, seed uint64) [][]int {
	if n < 2 || k < 2 {
		return nil
	}
	k = min(k, n)
	perm := rand.New(rand.NewPCG(seed, seed^0x6b666f6c64)).Perm(n)
	folds := make([][]int, k)
	for i, row := range perm {
		folds[i%k] = append(folds[i%k], row)
	}
	return folds
}

// crossValidate returns the mean validation R² of params over folds.
func crossValidate(ctx context.Context, factory Factory, name string, params models.Params, seed uint64,
	X [][]float64, y []float64, folds [][]int) (float64, error) {
	if len(folds) == 0 {
		return math.NaN(), nil
	}

	n := len(X)
	inFold := make([]int, n)
	for f, rows := range folds {
		for _, r := range rows {
			inFold[r] = f
		}
	}

	total := 0.0
	for f, rows := range folds {
		trainX := make([][]float64, 0, n-len(rows))
		trainY := make([]float64, 0, n-len(rows))
		for i := range X {
			if inFold[i] != f {
				trainX = append(trainX, X[i])
				trainY = append(trainY, y[i])
			}
		}
		valX := make([][]float64, len(rows))
		valY := make([]float64, len(rows))
		for i, r := range rows {
			valX[i] = X[r]
			valY[i] = y[r]
		}

		m, err := factory(name, params, seed)
		if err != nil {
			return 0, err
		}
		if err := m.Fit(ctx, trainX, trainY); err != nil {
			return 0, err
		}
		pred, err := m.Predict(valX)
		if err != nil {
			return 0, err
		}
		total += models.R2(valY, pred)
	}
	return total / float64(len(folds)), nil
}
