// Package fileid derives the canonical identity used to deduplicate videos.
package fileid

import (
	"path/filepath"
	"strings"
)

// Identity returns the dedup key for a video: its cleaned base name.
// The same file name always yields the same identity, regardless of which
// stage directory or data root the file currently lives under.
func Identity(path string) string {
	return filepath.Base(filepath.Clean(path))
}

// DisplayName returns the name shown to users for path.
func DisplayName(path string) string {
	return filepath.Base(path)
}

// SplitName splits a file name into stem and extension (with leading dot).
func SplitName(name string) (stem, ext string) {
	ext = filepath.Ext(name)
	return strings.TrimSuffix(name, ext), ext
}

// MatchExtension reports whether path has one of extensions, ignoring case and
// the leading dot. An empty list matches everything.
func MatchExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}
