package models

import (
	"errors"
	"fmt"
)

// ErrInvalidQuery marks a request the caller must fix before retrying.
var ErrInvalidQuery = errors.New("invalid query")

// SearchQuery is a similarity search request for a query video.
type SearchQuery struct {
	VideoPath string `json:"video_path"`
	K         int    `json:"k,omitempty"`
}

// Validate ensures the query names a video and clamps K into [1, maxK].
// A non-positive K is replaced with defaultK.
func (q *SearchQuery) Validate(defaultK, maxK int) error {
	if q.VideoPath == "" {
		return fmt.Errorf("%w: video_path cannot be empty", ErrInvalidQuery)
	}
	if q.K <= 0 {
		q.K = defaultK
	}
	if maxK > 0 && q.K > maxK {
		q.K = maxK
	}
	return nil
}

// IndexRequest asks for every video in Folder to be extracted and written in Mode.
type IndexRequest struct {
	Folder string `json:"folder"`
	Mode   string `json:"mode,omitempty"`
}
