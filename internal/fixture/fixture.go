// Package fixture builds published artifact pairs and request records from
// generated student data.
package fixture

import (
	"context"
	"fmt"
	"time"

	"github.com/HatiCode/gradecast/internal/studentdata"
	"github.com/HatiCode/gradecast/pkg/artifact"
	"github.com/HatiCode/gradecast/pkg/features"
	"github.com/HatiCode/gradecast/pkg/models"
	"github.com/HatiCode/gradecast/pkg/record"
	"github.com/HatiCode/gradecast/pkg/storage"
)

// Set fits a plan and r on 200 generated rows and encodes both as the pair
// of run runID.
func Set(runID string, r models.Regressor) (storage.Set, error) {
	df := studentdata.Generate(200, 3)
	pre, err := features.Fit(df.Rows, features.FitOptions{RunID: runID})
	if err != nil {
		return storage.Set{}, err
	}
	X, err := pre.Apply(df.Rows)
	if err != nil {
		return storage.Set{}, err
	}
	y, err := features.Targets(df.Rows)
	if err != nil {
		return storage.Set{}, err
	}
	if err := r.Fit(context.Background(), X, y); err != nil {
		return storage.Set{}, fmt.Errorf("fit %s: %w", r.Name(), err)
	}
	m, err := artifact.NewModel(r, artifact.Model{
		RunID:        runID,
		TrainedAt:    time.Now().UTC(),
		FeatureNames: pre.FeatureNames,
		EvalScore:    0.9,
		TrainRows:    len(X),
	})
	if err != nil {
		return storage.Set{}, err
	}
	preData, err := artifact.EncodePreprocessor(pre)
	if err != nil {
		return storage.Set{}, err
	}
	modelData, err := artifact.EncodeModel(m)
	if err != nil {
		return storage.Set{}, err
	}
	return storage.Set{RunID: runID, Preprocessor: preData, Model: modelData, PublishedAt: time.Now()}, nil
}

// Publish stores a ridge pair for runID.
func Publish(ctx context.Context, store storage.Store, runID string) error {
	set, err := Set(runID, models.NewRidge(1))
	if err != nil {
		return err
	}
	return store.Publish(ctx, set)
}

// Fields returns n raw request field maps.
func Fields(n int, seed uint64) []map[string]string {
	return studentdata.Features(studentdata.Generate(n, seed))
}

// Records returns n validated request records.
func Records(n int, seed uint64) ([]record.Record, error) {
	fields := Fields(n, seed)
	out := make([]record.Record, len(fields))
	for i, f := range fields {
		r, err := record.FromRawFields(f)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}
