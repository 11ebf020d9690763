package training

import (
	"fmt"
	"maps"

	"github.com/HatiCode/gradecast/pkg/models"
)

// Candidate is a model family evaluated during training.
type Candidate struct {
	// Name is the estimator name passed to the factory.
	Name string
	// Priority orders candidates; on equal evaluation scores the lower
	// priority wins.
	Priority int
	// Grid lists the hyperparameter points searched by cross-validation, in
	// preference order. An empty grid is a single point with no parameters.
	Grid []models.Params
}

// DefaultRoster returns the candidate families in priority order.
func DefaultRoster() []Candidate {
	return []Candidate{
		{Name: models.LinearRegression, Priority: 1},
		{
			Name:     models.Ridge,
			Priority: 2,
			Grid:     product("alpha", []float64{0.1, 1, 10, 100}),
		},
		{
			Name:     models.GradientBoosting,
			Priority: 3,
			Grid: cross(
				product("n_estimators", []float64{100, 200}),
				product("learning_rate", []float64{0.05, 0.1}),
				product("max_depth", []float64{3}),
			),
		},
		{
			Name:     models.RandomForest,
			Priority: 4,
			Grid: cross(
				product("n_estimators", []float64{50, 100}),
				product("max_depth", []float64{6, 10}),
			),
		},
		{
			Name:     models.DecisionTree,
			Priority: 5,
			Grid: cross(
				product("max_depth", []float64{4, 6, 8}),
				product("min_samples_leaf", []float64{2, 5, 10}),
			),
		},
		{
			Name:     models.KNN,
			Priority: 6,
			Grid: cross(
				product("k", []float64{5, 9, 15}),
				product("distance_weighted", []float64{0, 1}),
			),
		},
	}
}

// SelectRoster filters roster down to the named candidates, keeping roster
// order. An empty names list keeps everything.
func SelectRoster(roster []Candidate, names []string) ([]Candidate, error) {
	if len(names) == 0 {
		return roster, nil
	}
	byName := make(map[string]Candidate, len(roster))
	for _, c := range roster {
		byName[c.Name] = c
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := byName[n]; !ok {
			return nil, fmt.Errorf("unknown candidate %q", n)
		}
		want[n] = true
	}
	var out []Candidate
	for _, c := range roster {
		if want[c.Name] {
			out = append(out, c)
		}
	}
	return out, nil
}

func product(key string, values []float64) []models.Params {
	out := make([]models.Params, len(values))
	for i, v := range values {
		out[i] = models.Params{key: v}
	}
	return out
}

// cross returns the cartesian product of grids; the first grid varies slowest.
func cross(grids ...[]models.Params) []models.Params {
	out := []models.Params{{}}
	for _, g := range grids {
		next := make([]models.Params, 0, len(out)*len(g))
		for _, base := range out {
			for _, p := range g {
				merged := make(models.Params, len(base)+len(p))
				maps.Copy(merged, base)
				maps.Copy(merged, p)
				next = append(next, merged)
			}
		}
		out = next
	}
	return out
}
