// Package dedup filters incoming feature batches by video identity.
package dedup

import "github.com/hyperjump/kagami/internal/models"

// IdentitySet returns the set of identities present in records.
func IdentitySet(records []models.VideoRecord) map[string]struct{} {
	set := make(map[string]struct{}, len(records))
	for _, r := range records {
		set[r.Identity] = struct{}{}
	}
	return set
}

// Dedup drops every (vector, record) pair whose identity is already in existing,
// and collapses duplicates within the batch so the first occurrence wins.
// Surviving pairs keep their relative order. existing may be nil and is not modified.
// vectors and records must have equal length.
func Dedup(vectors [][]float32, records []models.VideoRecord, existing map[string]struct{}) ([][]float32, []models.VideoRecord, int) {
	seen := make(map[string]struct{}, len(records))
	keptVectors := make([][]float32, 0, len(vectors))
	keptRecords := make([]models.VideoRecord, 0, len(records))
	dropped := 0
	for i, rec := range records {
		if _, ok := existing[rec.Identity]; ok {
			dropped++
			continue
		}
		if _, ok := seen[rec.Identity]; ok {
			dropped++
			continue
		}
		seen[rec.Identity] = struct{}{}
		keptVectors = append(keptVectors, vectors[i])
		keptRecords = append(keptRecords, rec)
	}
	return keptVectors, keptRecords, dropped
}
