package adapters

import (
	"encoding/json"
	"fmt"
	"strings"
)

// New creates an adapter for a source location.
//
// Locations starting with http:// or https:// use the HTTPAdapter; anything
// else is treated as a local file path. config carries optional
// adapter-specific settings:
//   - "recordsPath": gjson path to the records array (http)
//   - "headers":     JSON object of request headers (http)
func New(source string, config map[string]string) (Adapter, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, fmt.Errorf("source location cannot be empty")
	}

	lower := strings.ToLower(source)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return newHTTP(source, config)
	}

	return &FileAdapter{Path: strings.TrimPrefix(source, "file://")}, nil
}

func newHTTP(url string, config map[string]string) (Adapter, error) {
	var headers map[string]string
	if headersJSON := config["headers"]; headersJSON != "" {
		if err := json.Unmarshal([]byte(headersJSON), &headers); err != nil {
			return nil, fmt.Errorf("invalid 'headers' JSON: %w", err)
		}
	}

	return &HTTPAdapter{
		URL:         url,
		Headers:     headers,
		RecordsPath: config["recordsPath"],
	}, nil
}
