// Package models defines core data structures for videos, queries, and ingestion reports.
package models

// VideoRecord describes one indexed video. Row i of the metadata log
// describes vector i of the feature index.
type VideoRecord struct {
	Identity    string `json:"identity" msgpack:"id"`
	DisplayName string `json:"display_name" msgpack:"name"`
	Path        string `json:"video_path" msgpack:"path"`
}

// AppendMode selects how a batch is written to the feature store.
type AppendMode string

const (
	// ModeCreate discards the existing store and rebuilds it from the batch.
	ModeCreate AppendMode = "create"
	// ModeUpdate deduplicates against the existing store and appends.
	ModeUpdate AppendMode = "update"
)

// ParseAppendMode returns the mode named by s. Empty defaults to update.
func ParseAppendMode(s string) (AppendMode, bool) {
	switch AppendMode(s) {
	case ModeUpdate, "":
		return ModeUpdate, true
	case ModeCreate:
		return ModeCreate, true
	default:
		return "", false
	}
}
