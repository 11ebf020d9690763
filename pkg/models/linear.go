package models

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Linear is an ordinary least squares or ridge regressor with an unpenalised
// intercept. Both are solved from the thin SVD of the centred design matrix:
//
//	beta = V * diag(s / (s² + alpha)) * Uᵀ * yc
//
// With alpha = 0 singular values below the rank tolerance are dropped, which
// yields the minimum-norm solution when one-hot blocks make X collinear.
type Linear struct {
	Kind      string    `json:"kind"`
	Alpha     float64   `json:"alpha"`
	Coef      []float64 `json:"coef"`
	Intercept float64   `json:"intercept"`
}

// NewLinear returns an unregularised least squares regressor.
func NewLinear() *Linear {
	return &Linear{Kind: LinearRegression}
}

// NewRidge returns a ridge regressor with penalty alpha.
func NewRidge(alpha float64) *Linear {
	return &Linear{Kind: Ridge, Alpha: alpha}
}

// Name returns the estimator identifier.
func (m *Linear) Name() string {
	return m.Kind
}

// Params returns the hyperparameters.
func (m *Linear) Params() Params {
	if m.Kind == Ridge {
		return Params{"alpha": m.Alpha}
	}
	return Params{}
}

// Fit solves the least squares problem.
func (m *Linear) Fit(ctx context.Context, X [][]float64, y []float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := checkTraining(X, y)
	if err != nil {
		return fmt.Errorf("%s: %w", m.Kind, err)
	}
	n := len(X)

	xMean := make([]float64, p)
	yMean := 0.0
	for i, row := range X {
		for j, v := range row {
			xMean[j] += v
		}
		yMean += y[i]
	}
	for j := range xMean {
		xMean[j] /= float64(n)
	}
	yMean /= float64(n)

	xc := mat.NewDense(n, p, nil)
	yc := mat.NewVecDense(n, nil)
	for i, row := range X {
		for j, v := range row {
			xc.Set(i, j, v-xMean[j])
		}
		yc.SetVec(i, y[i]-yMean)
	}

	var svd mat.SVD
	if ok := svd.Factorize(xc, mat.SVDThin); !ok {
		return fmt.Errorf("%s: svd factorization failed", m.Kind)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)

	var uty mat.VecDense
	uty.MulVec(u.T(), yc)

	tol := 0.0
	if len(s) > 0 {
		tol = float64(max(n, p)) * s[0] * 1e-12
	}
	w := mat.NewVecDense(len(s), nil)
	for i, sv := range s {
		var f float64
		switch {
		case m.Alpha > 0:
			f = sv / (sv*sv + m.Alpha)
		case sv > tol:
			f = 1 / sv
		}
		w.SetVec(i, f*uty.AtVec(i))
	}

	var beta mat.VecDense
	beta.MulVec(&v, w)

	m.Coef = make([]float64, p)
	intercept := yMean
	for j := range m.Coef {
		m.Coef[j] = beta.AtVec(j)
		intercept -= m.Coef[j] * xMean[j]
	}
	m.Intercept = intercept

	if math.IsNaN(intercept) {
		return fmt.Errorf("%s: solution is not finite", m.Kind)
	}
	return nil
}

// Predict evaluates the linear function on each row.
func (m *Linear) Predict(X [][]float64) ([]float64, error) {
	if err := checkPredict(X, len(m.Coef)); err != nil {
		return nil, err
	}
	out := make([]float64, len(X))
	for i, row := range X {
		sum := m.Intercept
		for j, v := range row {
			sum += m.Coef[j] * v
		}
		out[i] = sum
	}
	return out, nil
}

func (m *Linear) validate() error {
	if len(m.Coef) == 0 {
		return errors.New("no coefficients")
	}
	return nil
}
