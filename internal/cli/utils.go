// Package cli formats kagami results for the terminal.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/hyperjump/kagami/internal/journal"
	"github.com/hyperjump/kagami/internal/models"
	"github.com/hyperjump/kagami/internal/search"
	"github.com/hyperjump/kagami/internal/store"
	"github.com/hyperjump/kagami/pkg/utils"
)

// SearchOutputFormat is the format for command output.
type SearchOutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText SearchOutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON SearchOutputFormat = "json"
	// OutputCompact is one tab-separated line per result.
	OutputCompact SearchOutputFormat = "compact"
)

// StatusInfo is what `kagami status` reports. It matches GET /api/v1/status.
type StatusInfo struct {
	Index          search.Status  `json:"index"`
	IngestState    string         `json:"ingest_state,omitempty"`
	Ingest         *journal.Stats `json:"ingest,omitempty"`
	DiskUsageBytes int64          `json:"disk_usage_bytes,omitempty"`
	Config         *StatusConfig  `json:"config,omitempty"`
}

// StatusConfig is the configuration echoed by status.
type StatusConfig struct {
	EmbeddingBackend    string `json:"embedding_backend"`
	EmbeddingDimensions int    `json:"embedding_dimensions"`
	DefaultK            int    `json:"default_k"`
	MaxK                int    `json:"max_k"`
	DropDir             string `json:"drop_dir"`
	VideoDir            string `json:"video_dir"`
	IndexPath           string `json:"index_path"`
	MetadataPath        string `json:"metadata_path"`
}

// WriteSearchResults writes search results to w in the given format.
// Use OutputJSON for parseable output consumable by other apps.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format SearchOutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, response)
	case OutputCompact:
		for _, hit := range response.Results {
			fmt.Fprintf(w, "%d\t%.2f\t%s\t%s\n", hit.Rank, hit.Similarity, hit.Identity, hit.Path)
		}
		return nil
	default:
		writeSearchResultsText(w, response)
		return nil
	}
}

func writeSearchResultsText(w io.Writer, response *models.SearchResponse) {
	if response.NoMatch {
		fmt.Fprintf(w, "\nNo features could be extracted from %s\n\n", response.Query)
		return
	}
	fmt.Fprintf(w, "\nFound %d results in %dms (index size %d)\n\n",
		len(response.Results), response.QueryTime, response.IndexSize)
	for _, hit := range response.Results {
		writeOneResult(w, hit)
	}
}

func writeOneResult(w io.Writer, hit models.SearchHit) {
	fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Rank: %d | Similarity: %.2f%%\n", hit.Rank, hit.Similarity)
	fmt.Fprintf(w, "Video: %s\n", hit.DisplayName)
	if hit.Path != "" {
		fmt.Fprintf(w, "Path: %s\n", hit.Path)
	}
	fmt.Fprintln(w)
}

// PrintSearchResults prints search results to stdout in text format.
func PrintSearchResults(response *models.SearchResponse) {
	_ = WriteSearchResults(os.Stdout, response, OutputText)
}

// WriteVerifyResult writes a verify result to w.
func WriteVerifyResult(w io.Writer, res *models.VerifyResult, format SearchOutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, res)
	case OutputCompact:
		if res.Match == nil {
			fmt.Fprintf(w, "-\t0.00\t-\t-\n")
			return nil
		}
		fmt.Fprintf(w, "1\t%.2f\t%s\t%s\n", res.Similarity, res.Match.Identity, res.Match.Path)
		return nil
	default:
		if res.Match == nil {
			fmt.Fprintf(w, "No match for %s\n", res.VideoPath)
			return nil
		}
		fmt.Fprintf(w, "Best match for %s\n", res.VideoPath)
		fmt.Fprintf(w, "Video: %s\n", res.Match.DisplayName)
		fmt.Fprintf(w, "Path: %s\n", res.Match.Path)
		fmt.Fprintf(w, "Similarity: %.2f%%\n", res.Similarity)
		return nil
	}
}

// WriteCycleReport writes an ingestion cycle report to w.
func WriteCycleReport(w io.Writer, report *models.CycleReport, format SearchOutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, report)
	}
	fmt.Fprintf(w, "cycle:      %s\n", report.ID)
	fmt.Fprintf(w, "moved_in:   %d\n", report.MovedIn)
	fmt.Fprintf(w, "extracted:  %d   # %d failed\n", report.Extracted, report.Failed)
	fmt.Fprintf(w, "committed:  %d   # %d already indexed\n", report.Committed, report.Dropped)
	fmt.Fprintf(w, "moved_out:  %d\n", report.MovedOut)
	fmt.Fprintf(w, "elapsed:    %s\n", report.Duration())
	if report.Rebuilt {
		fmt.Fprintln(w, "rebuilt:    true   # stored index was discarded")
	}
	if report.Error != "" {
		fmt.Fprintf(w, "error:      %s\n", utils.Truncate(report.Error, 200))
	}
	for _, f := range report.Files {
		if f.Error != "" {
			fmt.Fprintf(w, "  %-18s %s (%s)\n", f.Outcome, f.Name, utils.Truncate(f.Error, 120))
			continue
		}
		fmt.Fprintf(w, "  %-18s %s\n", f.Outcome, f.Name)
	}
	return nil
}

// WriteAppendResult writes the outcome of an index request to w.
func WriteAppendResult(w io.Writer, res *store.AppendResult, format SearchOutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, res)
	}
	fmt.Fprintf(w, "mode:       %s\n", res.Mode)
	fmt.Fprintf(w, "appended:   %d\n", res.Appended)
	fmt.Fprintf(w, "dropped:    %d   # already indexed or repeated in the batch\n", res.Dropped)
	fmt.Fprintf(w, "total:      %d\n", res.Total)
	if res.Rebuilt {
		fmt.Fprintln(w, "rebuilt:    true   # stored index was discarded")
	}
	if res.Generation != "" {
		fmt.Fprintf(w, "generation: %s\n", res.Generation)
	}
	return nil
}

// WriteHistory writes recent cycle reports to w, newest first.
func WriteHistory(w io.Writer, cycles []*models.CycleReport, format SearchOutputFormat) error {
	if format == OutputJSON {
		if cycles == nil {
			cycles = []*models.CycleReport{}
		}
		return writeJSON(w, cycles)
	}
	if len(cycles) == 0 {
		fmt.Fprintln(w, "No ingestion cycles recorded")
		return nil
	}
	for i, c := range cycles {
		if i > 0 {
			fmt.Fprintln(w)
		}
		if err := WriteCycleReport(w, c, format); err != nil {
			return err
		}
	}
	return nil
}

// WriteStatus writes index and ingestion status to w.
func WriteStatus(w io.Writer, status *StatusInfo, format SearchOutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, status)
	}
	fmt.Fprintf(w, "index_loaded:       %t\n", status.Index.Loaded)
	fmt.Fprintf(w, "index_size:         %d   # count of indexed videos\n", status.Index.Size)
	if status.Index.Dimensions > 0 {
		fmt.Fprintf(w, "dimensions:         %d\n", status.Index.Dimensions)
	}
	if status.Index.Generation != "" {
		fmt.Fprintf(w, "generation:         %s   # id of the last commit\n", status.Index.Generation)
	}
	if status.IngestState != "" {
		fmt.Fprintf(w, "ingest_state:       %s\n", status.IngestState)
	}
	if status.Ingest != nil {
		fmt.Fprintf(w, "ingest_cycles:      %d\n", status.Ingest.Cycles)
		fmt.Fprintf(w, "files_committed:    %d\n", status.Ingest.Committed)
		fmt.Fprintf(w, "files_duplicate:    %d   # already indexed when extracted\n", status.Ingest.Duplicate)
		fmt.Fprintf(w, "files_failed:       %d   # extraction or move failures\n", status.Ingest.Failed)
	}
	if status.DiskUsageBytes > 0 {
		fmt.Fprintf(w, "disk_usage_bytes:   %d   # index + metadata + journal\n", status.DiskUsageBytes)
	}
	if c := status.Config; c != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "# config")
		fmt.Fprintf(w, "embedding_backend:  %s\n", c.EmbeddingBackend)
		fmt.Fprintf(w, "embedding_dims:     %d\n", c.EmbeddingDimensions)
		fmt.Fprintf(w, "default_k:          %d\n", c.DefaultK)
		fmt.Fprintf(w, "drop_dir:           %s\n", c.DropDir)
		fmt.Fprintf(w, "video_dir:          %s\n", c.VideoDir)
		fmt.Fprintf(w, "index_path:         %s\n", c.IndexPath)
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
