// Package catalog provides lookup of indexed videos by name, backed by an
// in-memory Bleve index built from a snapshot's metadata log.
package catalog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/kagami/internal/models"
)

// Hit is a catalog match.
type Hit struct {
	models.VideoRecord
	Position int     `json:"position"`
	Score    float64 `json:"score"`
}

// Catalog is an immutable name index over one snapshot.
type Catalog struct {
	index   bleve.Index
	records []models.VideoRecord
}

type entry struct {
	Identity string `json:"identity"`
	Name     string `json:"name"`
	Terms    string `json:"terms"`
}

func newMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()

	terms := bleve.NewTextFieldMapping()
	terms.Analyzer = standard.Name
	doc.AddFieldMappingsAt("terms", terms)

	exact := bleve.NewTextFieldMapping()
	exact.Analyzer = keyword.Name
	doc.AddFieldMappingsAt("identity", exact)

	name := bleve.NewTextFieldMapping()
	name.Index = false
	doc.AddFieldMappingsAt("name", name)

	im.DefaultMapping = doc
	return im
}

// Build indexes records. The document ID of each record is its position.
func Build(records []models.VideoRecord) (*Catalog, error) {
	index, err := bleve.NewMemOnly(newMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog index: %w", err)
	}
	batch := index.NewBatch()
	for i, r := range records {
		e := entry{Identity: r.Identity, Name: r.DisplayName, Terms: strings.Join(splitTerms(r.DisplayName), " ")}
		if err := batch.Index(strconv.Itoa(i), e); err != nil {
			_ = index.Close()
			return nil, fmt.Errorf("failed to index %s: %w", r.Identity, err)
		}
	}
	if err := index.Batch(batch); err != nil {
		_ = index.Close()
		return nil, fmt.Errorf("failed to build catalog: %w", err)
	}
	return &Catalog{index: index, records: records}, nil
}

// Size returns the number of indexed records.
func (c *Catalog) Size() int { return len(c.records) }

// Find returns records whose name matches every term of q, by exact term,
// prefix, or a one-edit typo. An exact identity match ranks first.
// An empty query lists records in index order.
func (c *Catalog) Find(ctx context.Context, q string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 20
	}
	terms := splitTerms(q)
	if len(terms) == 0 {
		n := min(limit, len(c.records))
		out := make([]Hit, n)
		for i := 0; i < n; i++ {
			out[i] = Hit{VideoRecord: c.records[i], Position: i}
		}
		return out, nil
	}

	conj := bleve.NewConjunctionQuery()
	for _, t := range terms {
		conj.AddQuery(termQuery(t))
	}
	exact := bleve.NewTermQuery(strings.TrimSpace(q))
	exact.SetField("identity")
	exact.SetBoost(10)
	root := bleve.NewDisjunctionQuery(conj, exact)

	req := bleve.NewSearchRequest(root)
	req.Size = limit
	results, err := c.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("catalog search failed: %w", err)
	}
	out := make([]Hit, 0, len(results.Hits))
	for _, h := range results.Hits {
		pos, err := strconv.Atoi(h.ID)
		if err != nil || pos < 0 || pos >= len(c.records) {
			continue
		}
		out = append(out, Hit{VideoRecord: c.records[pos], Position: pos, Score: h.Score})
	}
	return out, nil
}

// Close releases the index.
func (c *Catalog) Close() error {
	return c.index.Close()
}

func termQuery(term string) blevequery.Query {
	match := bleve.NewMatchQuery(term)
	match.SetField("terms")
	prefix := bleve.NewPrefixQuery(term)
	prefix.SetField("terms")
	qs := []blevequery.Query{match, prefix}
	if len([]rune(term)) > 3 {
		fuzzy := bleve.NewFuzzyQuery(term)
		fuzzy.SetField("terms")
		fuzzy.Fuzziness = 1
		qs = append(qs, fuzzy)
	}
	return bleve.NewDisjunctionQuery(qs...)
}

// splitTerms lowercases s and splits it on anything that is not a letter or digit,
// so "Summer_Trip-2023.mp4" yields summer, trip, 2023, mp4.
func splitTerms(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
