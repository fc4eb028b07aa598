package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hyperjump/kagami/internal/cli"
	"github.com/hyperjump/kagami/internal/models"
	"github.com/hyperjump/kagami/internal/store"
)

// apiClient talks to a running kagami server.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Minute},
	}
}

func (c *apiClient) Search(query *models.SearchQuery) (*models.SearchResponse, error) {
	var out models.SearchResponse
	if err := c.post("/api/v1/search", query, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Verify(videoPath string) (*models.VerifyResult, error) {
	var out models.VerifyResult
	if err := c.post("/api/v1/verify", map[string]string{"video_path": videoPath}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Index(req *models.IndexRequest) (*store.AppendResult, error) {
	var out store.AppendResult
	if err := c.post("/api/v1/index", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) RunIngest() (*models.CycleReport, error) {
	var out models.CycleReport
	if err := c.post("/api/v1/ingest/run", struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) History(limit int) ([]*models.CycleReport, error) {
	var out struct {
		Cycles []*models.CycleReport `json:"cycles"`
	}
	if err := c.get(fmt.Sprintf("/api/v1/ingest/history?limit=%d", limit), &out); err != nil {
		return nil, err
	}
	return out.Cycles, nil
}

func (c *apiClient) Status() (*cli.StatusInfo, error) {
	var out cli.StatusInfo
	if err := c.get("/api/v1/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) get(path string, out interface{}) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *apiClient) post(path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
