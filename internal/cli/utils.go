// Package cli provides output formatting for the akidb-embed command.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"github.com/akidb/akidb-embed/pkg/utils"
)

// OutputFormat is the format for listing output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat validates an -output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch s {
	case "", "text":
		return OutputText, nil
	case "json":
		return OutputJSON, nil
	}
	return "", fmt.Errorf("unknown output format %q (text or json)", s)
}

// ModelRow is one line of the models listing.
type ModelRow struct {
	Name        string `json:"name"`
	Dimension   int    `json:"dimension"`
	MaxTokens   int    `json:"max_tokens"`
	Size        string `json:"size"`
	Cached      bool   `json:"cached"`
	Description string `json:"description"`
}

// WriteModels writes the model table to w in the given format.
// Use OutputJSON for parseable output consumable by other apps.
func WriteModels(w io.Writer, rows []ModelRow, format OutputFormat) error {
	switch format {
	case OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	default:
		writeModelsText(w, rows)
		return nil
	}
}

func writeModelsText(w io.Writer, rows []ModelRow) {
	fmt.Fprintf(w, "%-24s %10s %8s %9s %7s  %s\n",
		"NAME", "DIMENSION", "TOKENS", "SIZE", "CACHED", "DESCRIPTION")
	for _, r := range rows {
		cached := "no"
		if r.Cached {
			cached = "yes"
		}
		fmt.Fprintf(w, "%-24s %10d %8d %9s %7s  %s\n",
			r.Name, r.Dimension, r.MaxTokens, r.Size, cached, utils.Truncate(r.Description, 60))
	}
}

// FormatSize renders an on-disk byte count for humans.
func FormatSize(bytes int64) string {
	if bytes < 0 {
		return "?"
	}
	return humanize.Bytes(uint64(bytes))
}

// FormatSizeMB renders a registry's approximate megabyte figure.
func FormatSizeMB(mb int) string {
	if mb <= 0 {
		return "?"
	}
	return humanize.Bytes(uint64(mb) * 1000 * 1000)
}
