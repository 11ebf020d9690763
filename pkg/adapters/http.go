package adapters

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// maxBodyBytes caps the size of a fetched dataset.
const maxBodyBytes = 64 << 20

// HTTPAdapter fetches a dataset from an HTTP(S) endpoint.
//
// A response is decoded as JSON when its Content-Type says so or when
// RecordsPath is set; otherwise it is parsed as CSV. For JSON, RecordsPath is
// a gjson path selecting an array of flat objects:
//
//	adapter := &HTTPAdapter{
//	    URL:         "https://data.example.com/students",
//	    RecordsPath: "data.records",
//	    Headers:     map[string]string{"Authorization": "Bearer ..."},
//	}
//
// An empty RecordsPath on a JSON body treats the document root as the array.
type HTTPAdapter struct {
	// URL is the endpoint to call (required).
	URL string

	// Headers are sent with the request.
	Headers map[string]string

	// RecordsPath is the gjson path to the records array in a JSON response.
	RecordsPath string

	// HTTPClient is optional; if nil a default client with timeout is used.
	HTTPClient *http.Client
}

// Name returns the adapter identifier.
func (a *HTTPAdapter) Name() string {
	return "http"
}

// Collect fetches the dataset and shapes it into a DataFrame.
func (a *HTTPAdapter) Collect(ctx context.Context) (*DataFrame, error) {
	client := a.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch dataset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch dataset: http %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if a.RecordsPath != "" || strings.Contains(resp.Header.Get("Content-Type"), "json") {
		return parseJSONRecords(body, a.RecordsPath)
	}
	return ReadCSV(strings.NewReader(string(body)))
}

// parseJSONRecords extracts an array of flat objects located at path.
// Column order follows the keys of the first record; keys first seen in later
// records are appended.
func parseJSONRecords(body []byte, path string) (*DataFrame, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("response is not valid JSON")
	}

	var records gjson.Result
	if path == "" {
		records = gjson.ParseBytes(body)
	} else {
		records = gjson.GetBytes(body, path)
	}
	if !records.Exists() {
		return nil, fmt.Errorf("records path %q not found", path)
	}
	if !records.IsArray() {
		return nil, fmt.Errorf("records path %q is not an array", path)
	}

	df := &DataFrame{}
	seen := make(map[string]bool)
	var parseErr error

	n := 0
	records.ForEach(func(_, rec gjson.Result) bool {
		if !rec.IsObject() {
			parseErr = fmt.Errorf("record %d is not an object", n)
			return false
		}
		n++
		row := make(Row)
		rec.ForEach(func(key, value gjson.Result) bool {
			name := key.String()
			if !seen[name] {
				seen[name] = true
				df.Columns = append(df.Columns, name)
			}
			if value.Type == gjson.Null {
				row[name] = ""
			} else {
				row[name] = strings.TrimSpace(value.String())
			}
			return true
		})
		df.Rows = append(df.Rows, row)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	return df, nil
}
