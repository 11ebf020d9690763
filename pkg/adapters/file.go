package adapters

import (
	"context"
	"fmt"
	"os"
)

// FileAdapter reads a CSV dataset from the local filesystem.
type FileAdapter struct {
	Path string
}

// Name returns the adapter identifier.
func (a *FileAdapter) Name() string {
	return "file"
}

// Collect opens and parses the CSV file.
func (a *FileAdapter) Collect(ctx context.Context) (*DataFrame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(a.Path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	df, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", a.Path, err)
	}
	return df, nil
}
