package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperjump/kagami/internal/cli"
	"github.com/hyperjump/kagami/internal/models"
	"github.com/hyperjump/kagami/internal/store"
)

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    cli.SearchOutputFormat
		wantErr bool
	}{
		{"", cli.OutputText, false},
		{"text", cli.OutputText, false},
		{"json", cli.OutputJSON, false},
		{"compact", cli.OutputCompact, false},
		{"yaml", "", true},
	}
	for _, tt := range tests {
		got, err := parseOutputFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseOutputFormat(%q) = %q, %v; want %q, err=%v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestLoadConfig_prefersCwdConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server:\n  port: 9191\nstorage:\n  root_dir: ./data\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	cfg, path, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if path != filepath.Join(dir, "config.yaml") {
		t.Errorf("loaded path = %q", path)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("port = %d, want 9191", cfg.Server.Port)
	}
	if cfg.Storage.DropDir != filepath.Join(dir, "data", "drop") {
		t.Errorf("drop dir = %q, want it under the config dir", cfg.Storage.DropDir)
	}
}

func TestLoadConfig_missingDefaultUsesBuiltins(t *testing.T) {
	if _, err := os.Stat(defaultConfigPath); err == nil {
		t.Skip("a system config is installed")
	}
	t.Chdir(t.TempDir())
	cfg, path, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if path != "" {
		t.Errorf("path = %q, want empty for built-in defaults", path)
	}
	if cfg.Search.DefaultK != 5 {
		t.Errorf("default_k = %d, want 5", cfg.Search.DefaultK)
	}
}

func TestLoadConfig_explicitPathMustExist(t *testing.T) {
	if _, _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for a missing explicit config")
	}
}

func TestAPIClient_Search(t *testing.T) {
	var got models.SearchQuery
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/search" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(&models.SearchResponse{
			Query:   got.VideoPath,
			Results: []models.SearchHit{{Rank: 1, Identity: "a.mp4", Similarity: 99}},
		})
	}))
	defer srv.Close()

	resp, err := newAPIClient(srv.URL+"/").Search(&models.SearchQuery{VideoPath: "/q.mp4", K: 3})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got.VideoPath != "/q.mp4" || got.K != 3 {
		t.Errorf("server received %+v", got)
	}
	if len(resp.Results) != 1 || resp.Results[0].Identity != "a.mp4" {
		t.Errorf("results = %+v", resp.Results)
	}
}

func TestAPIClient_errorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"index not available"}`))
	}))
	defer srv.Close()

	_, err := newAPIClient(srv.URL).Status()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "index not available") {
		t.Errorf("error = %v", err)
	}
}

func TestAPIClient_unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	if _, err := newAPIClient(url).History(5); err == nil || !strings.Contains(err.Error(), "request failed") {
		t.Errorf("expected request failure, got %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCommand("1.2.3")
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "kagami version 1.2.3") {
		t.Errorf("version output = %q", buf.String())
	}
}

func TestRootCommand_rejectsUnknownOutput(t *testing.T) {
	root := newRootCommand("test")
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"-o", "xml", "status", "--server=http://127.0.0.1:1"})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "unknown output format") {
		t.Errorf("expected output format error, got %v", err)
	}
}

// writeTestConfig writes a config using the mock embedder under a temp data root.
func writeTestConfig(t *testing.T) (cfgPath, root string) {
	t.Helper()
	root = t.TempDir()
	cfgPath = filepath.Join(root, "kagami.yaml")
	data := "storage:\n  root_dir: " + root + "\nembedding:\n  backend: mock\n  dimensions: 8\n  cache_size: -1\n"
	if err := os.WriteFile(cfgPath, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return cfgPath, root
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	root := newRootCommand("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		t.Fatalf("kagami %s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func TestDirectIndexThenSearch(t *testing.T) {
	cfgPath, root := writeTestConfig(t)
	folder := filepath.Join(root, "library")
	if err := os.MkdirAll(folder, 0755); err != nil {
		t.Fatal(err)
	}
	for name, body := range map[string]string{"beach.mp4": "waves", "city.mkv": "traffic"} {
		if err := os.WriteFile(filepath.Join(folder, name), []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}

	out := execute(t, "-c", cfgPath, "-o", "json", "index", folder, "--server=")
	var res store.AppendResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("index output is not JSON: %v\n%s", err, out)
	}
	if res.Appended != 2 || res.Total != 2 {
		t.Errorf("append result = %+v", res)
	}

	out = execute(t, "-c", cfgPath, "-o", "json", "search", filepath.Join(folder, "beach.mp4"), "--server=", "--k", "1")
	var resp models.SearchResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("search output is not JSON: %v\n%s", err, out)
	}
	if len(resp.Results) != 1 || resp.Results[0].Identity != "beach.mp4" {
		t.Fatalf("results = %+v", resp.Results)
	}
	if resp.Results[0].Similarity != 100 {
		t.Errorf("self similarity = %v, want 100", resp.Results[0].Similarity)
	}
}

func TestDirectIngestOnceAndStatus(t *testing.T) {
	cfgPath, root := writeTestConfig(t)
	drop := filepath.Join(root, "drop")
	if err := os.MkdirAll(drop, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(drop, "arrival.mp4"), []byte("fresh footage"), 0644); err != nil {
		t.Fatal(err)
	}

	out := execute(t, "-c", cfgPath, "-o", "json", "ingest", "--once")
	var report models.CycleReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("ingest output is not JSON: %v\n%s", err, out)
	}
	if report.Committed != 1 || report.MovedOut != 1 {
		t.Errorf("report = %+v", report)
	}
	if _, err := os.Stat(filepath.Join(root, "videos", "arrival.mp4")); err != nil {
		t.Errorf("video not moved to permanent storage: %v", err)
	}

	out = execute(t, "-c", cfgPath, "-o", "json", "status", "--server=")
	var status cli.StatusInfo
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("status output is not JSON: %v\n%s", err, out)
	}
	if status.Index.Size != 1 || status.Ingest == nil || status.Ingest.Committed != 1 {
		t.Errorf("status = %+v ingest=%+v", status.Index, status.Ingest)
	}

	out = execute(t, "-c", cfgPath, "history", "--server=")
	if !strings.Contains(out, "arrival.mp4") {
		t.Errorf("history output missing the ingested file:\n%s", out)
	}
}
