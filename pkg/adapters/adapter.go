// Package adapters provides dataset source connectors that retrieve raw
// tabular records from external locations and normalize them into a common
// DataFrame structure.
//
// Each adapter implements the Adapter interface and is selected by New from a
// source location string. Available adapters:
//   - FileAdapter: reads a CSV file from the local filesystem
//   - HTTPAdapter: fetches a CSV document, or a JSON document whose records
//     are located with a gjson path, from an HTTP(S) endpoint
//
// Adapters only shape raw data. Schema validation, splitting and feature
// building belong to the ingest and features packages.
package adapters

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Row is a single raw record keyed by column name.
// Example: {"gender": "female", "reading_score": "72", "math_score": "NA"}
type Row = map[string]string

// DataFrame is a lightweight table of raw string values.
// Columns preserves the header order of the source.
type DataFrame struct {
	Columns []string
	Rows    []Row
}

// Adapter is the interface that all dataset sources implement.
//
// Collect is synchronous and must respect context cancellation and deadlines.
type Adapter interface {
	// Collect fetches the whole dataset.
	Collect(ctx context.Context) (*DataFrame, error)

	// Name returns a short identifier for the adapter, e.g. "file" or "http".
	Name() string
}

// Len returns the number of rows.
func (df *DataFrame) Len() int {
	return len(df.Rows)
}

// RenameColumns rewrites every column name through fn, in the header and in each row.
func (df *DataFrame) RenameColumns(fn func(string) string) {
	for i, c := range df.Columns {
		df.Columns[i] = fn(c)
	}
	for i, row := range df.Rows {
		renamed := make(Row, len(row))
		for k, v := range row {
			renamed[fn(k)] = v
		}
		df.Rows[i] = renamed
	}
}

// WriteCSV writes the frame with its header in Columns order.
func (df *DataFrame) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(df.Columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	record := make([]string, len(df.Columns))
	for _, row := range df.Rows {
		for i, c := range df.Columns {
			record[i] = row[c]
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a CSV document with a header row into a DataFrame.
// Fields are trimmed; an empty document yields a frame with no columns.
func ReadCSV(r io.Reader) (*DataFrame, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return &DataFrame{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	df := &DataFrame{Columns: make([]string, len(header))}
	for i, h := range header {
		df.Columns[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}

	for line := 2; ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		if len(record) != len(df.Columns) {
			return nil, fmt.Errorf("line %d: got %d fields, header has %d", line, len(record), len(df.Columns))
		}
		row := make(Row, len(record))
		for i, v := range record {
			row[df.Columns[i]] = strings.TrimSpace(v)
		}
		df.Rows = append(df.Rows, row)
	}

	return df, nil
}
