package models

import "time"

// SearchHit is one ranked match. Similarity is the inner product scaled to 0-100.
type SearchHit struct {
	Rank        int     `json:"rank"`
	Identity    string  `json:"identity"`
	DisplayName string  `json:"video_name"`
	Path        string  `json:"video_path"`
	Similarity  float64 `json:"similarity"`
}

// SearchResponse is the response for a similarity search.
// NoMatch is set when the query video produced no feature vector.
type SearchResponse struct {
	Results    []SearchHit `json:"results"`
	NoMatch    bool        `json:"no_match,omitempty"`
	QueryTime  int64       `json:"query_time_ms"`
	Query      string      `json:"query"`
	IndexSize  int         `json:"index_size"`
	Generation string      `json:"generation,omitempty"`
}

// VerifyResult is the best match for a query video at the finer verify sample rate.
type VerifyResult struct {
	VideoPath  string     `json:"video_path"`
	Similarity float64    `json:"similarity"`
	Match      *SearchHit `json:"match,omitempty"`
}

// FileOutcome is what happened to one file during an ingestion cycle.
type FileOutcome string

const (
	OutcomeCommitted   FileOutcome = "committed"
	OutcomeDuplicate   FileOutcome = "duplicate"
	OutcomeFailed      FileOutcome = "extraction_failed"
	OutcomeMoveFailed  FileOutcome = "move_failed"
	OutcomeQuarantined FileOutcome = "quarantined"
)

// FileResult records the outcome for one file in a cycle.
type FileResult struct {
	Name    string      `json:"name"`
	Path    string      `json:"path"`
	Outcome FileOutcome `json:"outcome"`
	Error   string      `json:"error,omitempty"`
}

// CycleReport summarizes one ingestion cycle.
type CycleReport struct {
	ID        string       `json:"id"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at"`
	MovedIn   int          `json:"moved_in"`
	Extracted int          `json:"extracted"`
	Failed    int          `json:"failed"`
	Committed int          `json:"committed"`
	Dropped   int          `json:"dropped"`
	MovedOut  int          `json:"moved_out"`
	Rebuilt   bool         `json:"rebuilt,omitempty"`
	Error     string       `json:"error,omitempty"`
	Files     []FileResult `json:"files,omitempty"`
}

// Duration returns how long the cycle ran.
func (r *CycleReport) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}
