package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hyperjump/kagami/internal/journal"
	"github.com/hyperjump/kagami/internal/models"
	"github.com/hyperjump/kagami/internal/search"
	"github.com/hyperjump/kagami/internal/store"
)

func sampleResponse() *models.SearchResponse {
	return &models.SearchResponse{
		Query:     "/tmp/query.mp4",
		QueryTime: 42,
		IndexSize: 10,
		Results: []models.SearchHit{
			{Rank: 1, Identity: "beach.mp4", DisplayName: "beach.mp4", Path: "/data/videos/beach.mp4", Similarity: 97.5},
			{Rank: 2, Identity: "city.mov", DisplayName: "city.mov", Path: "/data/videos/city.mov", Similarity: 61.25},
		},
	}
}

func TestWriteSearchResults_JSON(t *testing.T) {
	response := sampleResponse()
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, response, OutputJSON); err != nil {
		t.Fatalf("WriteSearchResults(json): %v", err)
	}
	var decoded models.SearchResponse
	if err := json.NewDecoder(&buf).Decode(&decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.Query != response.Query || decoded.QueryTime != response.QueryTime {
		t.Errorf("decoded query=%q query_time=%d", decoded.Query, decoded.QueryTime)
	}
	if len(decoded.Results) != 2 || decoded.Results[0].Path != "/data/videos/beach.mp4" {
		t.Errorf("decoded results: %+v", decoded.Results)
	}
}

func TestWriteSearchResults_text(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, sampleResponse(), OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"Found 2 results in 42ms", "Rank: 1 | Similarity: 97.50%", "Video: city.mov", "Path: /data/videos/beach.mp4"} {
		if !strings.Contains(out, want) {
			t.Errorf("text output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteSearchResults_noMatch(t *testing.T) {
	var buf bytes.Buffer
	resp := &models.SearchResponse{Query: "/tmp/blank.mp4", NoMatch: true}
	if err := WriteSearchResults(&buf, resp, OutputText); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No features could be extracted from /tmp/blank.mp4") {
		t.Errorf("unexpected no-match output: %q", buf.String())
	}
}

func TestWriteSearchResults_compact(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, sampleResponse(), OutputCompact); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("want 2 lines, got %d: %q", len(lines), buf.String())
	}
	if lines[0] != "1\t97.50\tbeach.mp4\t/data/videos/beach.mp4" {
		t.Errorf("line 1 = %q", lines[0])
	}
}

func TestWriteSearchResults_unknownFormatTreatedAsText(t *testing.T) {
	response := &models.SearchResponse{Query: "x"}
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, response, SearchOutputFormat("unknown")); err != nil {
		t.Fatalf("WriteSearchResults(unknown): %v", err)
	}
	if !strings.Contains(buf.String(), "Found") {
		t.Errorf("unknown format should fall back to text; got %q", buf.String())
	}
}

func TestWriteVerifyResult(t *testing.T) {
	res := &models.VerifyResult{
		VideoPath:  "/tmp/q.mp4",
		Similarity: 88.12,
		Match:      &models.SearchHit{Rank: 1, Identity: "a.mp4", DisplayName: "a.mp4", Path: "/data/videos/a.mp4"},
	}
	var buf bytes.Buffer
	if err := WriteVerifyResult(&buf, res, OutputText); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "Similarity: 88.12%") || !strings.Contains(buf.String(), "Video: a.mp4") {
		t.Errorf("unexpected verify output:\n%s", buf.String())
	}

	buf.Reset()
	if err := WriteVerifyResult(&buf, &models.VerifyResult{VideoPath: "/tmp/q.mp4"}, OutputText); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No match for /tmp/q.mp4") {
		t.Errorf("unexpected no-match output: %q", buf.String())
	}
}

func TestWriteCycleReport(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	report := &models.CycleReport{
		ID:        "cycle-1",
		StartedAt: start,
		EndedAt:   start.Add(1500 * time.Millisecond),
		MovedIn:   2,
		Extracted: 1,
		Failed:    1,
		Committed: 1,
		MovedOut:  2,
		Files: []models.FileResult{
			{Name: "a.mp4", Outcome: models.OutcomeCommitted},
			{Name: "b.mp4", Outcome: models.OutcomeFailed, Error: "no frames"},
		},
	}
	var buf bytes.Buffer
	if err := WriteCycleReport(&buf, report, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"cycle:      cycle-1", "extracted:  1   # 1 failed", "elapsed:    1.5s", "extraction_failed", "b.mp4 (no frames)"} {
		if !strings.Contains(out, want) {
			t.Errorf("report output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteAppendResult(t *testing.T) {
	res := &store.AppendResult{Mode: models.ModeUpdate, Appended: 3, Dropped: 1, Total: 9, Generation: "gen-2"}
	var buf bytes.Buffer
	if err := WriteAppendResult(&buf, res, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"mode:       update", "appended:   3", "dropped:    1", "total:      9", "generation: gen-2"} {
		if !strings.Contains(out, want) {
			t.Errorf("append output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "rebuilt") {
		t.Errorf("rebuilt line should only appear after a rebuild:\n%s", out)
	}
}

func TestWriteHistory(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHistory(&buf, nil, OutputText); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No ingestion cycles recorded") {
		t.Errorf("unexpected empty history output: %q", buf.String())
	}

	buf.Reset()
	if err := WriteHistory(&buf, nil, OutputJSON); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("empty JSON history = %q, want []", buf.String())
	}

	buf.Reset()
	cycles := []*models.CycleReport{{ID: "c2", Committed: 1}, {ID: "c1"}}
	if err := WriteHistory(&buf, cycles, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if strings.Index(out, "cycle:      c2") > strings.Index(out, "cycle:      c1") {
		t.Errorf("history should keep the given order:\n%s", out)
	}
}

func TestWriteStatus(t *testing.T) {
	status := &StatusInfo{
		Index:          search.Status{Loaded: true, Size: 12, Dimensions: 512, Generation: "gen-1"},
		IngestState:    "idle",
		Ingest:         &journal.Stats{Cycles: 3, Committed: 12, Duplicate: 1, Failed: 2},
		DiskUsageBytes: 4096,
		Config:         &StatusConfig{EmbeddingBackend: "onnx", EmbeddingDimensions: 512, DefaultK: 5},
	}
	var buf bytes.Buffer
	if err := WriteStatus(&buf, status, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"index_size:         12", "generation:         gen-1", "files_failed:       2", "embedding_backend:  onnx"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := WriteStatus(&buf, status, OutputJSON); err != nil {
		t.Fatal(err)
	}
	var decoded StatusInfo
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Index.Size != 12 || decoded.Ingest == nil || decoded.Ingest.Cycles != 3 {
		t.Errorf("decoded status: %+v", decoded)
	}
}

func TestPrintSearchResults(t *testing.T) {
	response := &models.SearchResponse{Query: "print test", QueryTime: 1}
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w
	defer func() {
		os.Stdout = oldStdout
		_ = w.Close()
	}()
	PrintSearchResults(response)
	_ = w.Close()
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	out := buf.String()
	if !strings.Contains(out, "Found 0 results") {
		t.Errorf("PrintSearchResults should write to stdout; got %q", out)
	}
}
