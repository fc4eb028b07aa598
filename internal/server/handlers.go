package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/hyperjump/kagami/internal/models"
	"github.com/hyperjump/kagami/internal/search"
	"github.com/hyperjump/kagami/internal/store"
	"github.com/hyperjump/kagami/pkg/utils"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

type verifyRequest struct {
	VideoPath string `json:"video_path"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var query models.SearchQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.checkVideo(w, query.VideoPath) {
		return
	}
	s.logger.Debug("search request", zap.String("video_path", query.VideoPath), zap.Int("k", query.K))
	response, err := s.search.Search(r.Context(), query.VideoPath, query.K)
	if errors.Is(err, search.ErrNoMatch) {
		s.respondJSON(w, http.StatusOK, &models.SearchResponse{
			Results: []models.SearchHit{},
			NoMatch: true,
			Query:   query.VideoPath,
		})
		return
	}
	if err != nil {
		s.respondSearchError(w, "search", err)
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.checkVideo(w, req.VideoPath) {
		return
	}
	s.logger.Debug("verify request", zap.String("video_path", req.VideoPath))
	res, err := s.search.Verify(r.Context(), req.VideoPath)
	if errors.Is(err, search.ErrNoMatch) {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"video_path": req.VideoPath,
			"no_match":   true,
		})
		return
	}
	if err != nil {
		s.respondSearchError(w, "verify", err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		s.respondError(w, http.StatusNotImplemented, "ingestion not enabled")
		return
	}
	var req models.IndexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Folder == "" {
		s.respondError(w, http.StatusBadRequest, "folder is required")
		return
	}
	mode, ok := models.ParseAppendMode(req.Mode)
	if !ok {
		s.respondError(w, http.StatusBadRequest, "mode must be create or update")
		return
	}
	abs, err := filepath.Abs(req.Folder)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "folder not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "folder is not a directory")
		return
	}
	s.logger.Debug("index request", zap.String("folder", abs), zap.String("mode", string(mode)))
	res, err := s.pipeline.AppendFolder(r.Context(), abs, mode)
	if err != nil {
		if errors.Is(err, store.ErrEmptyInput) {
			s.respondError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.logger.Error("index failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.search.ForceReload(r.Context()); err != nil {
		s.respondSearchError(w, "reload", err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.search.Status())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"index": s.search.Status(),
	}
	if s.pipeline != nil {
		resp["ingest_state"] = s.pipeline.State()
	}
	if s.journal != nil {
		stats, err := s.journal.Stats(r.Context())
		if err != nil {
			s.logger.Error("status: journal stats failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp["ingest"] = stats
	}

	if cfg := s.config; cfg != nil {
		resp["config"] = map[string]interface{}{
			"embedding_backend":    cfg.Embedding.Backend,
			"embedding_dimensions": cfg.Embedding.Dimensions,
			"default_k":            cfg.Search.DefaultK,
			"max_k":                cfg.Search.MaxK,
			"drop_dir":             cfg.Storage.DropDir,
			"video_dir":            cfg.Storage.VideoDir,
			"index_path":           cfg.Storage.IndexPath,
			"metadata_path":        cfg.Storage.MetadataPath,
		}
		diskBytes, err := utils.DiskUsageBytes(
			cfg.Storage.IndexPath,
			cfg.Storage.MetadataPath,
			cfg.Storage.JournalPath,
		)
		if err == nil {
			resp["disk_usage_bytes"] = diskBytes
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVideos(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	hits, err := s.search.FindByName(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		s.respondSearchError(w, "videos", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"videos": hits, "count": len(hits)})
}

func (s *Server) handleIngestHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.respondError(w, http.StatusNotImplemented, "journal not enabled")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	cycles, err := s.journal.RecentCycles(r.Context(), limit)
	if err != nil {
		s.logger.Error("ingest history failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"cycles": cycles})
}

func (s *Server) handleIngestRun(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		s.respondError(w, http.StatusNotImplemented, "ingestion not enabled")
		return
	}
	report, err := s.pipeline.RunOnce(r.Context())
	if err != nil {
		s.logger.Warn("ingest run finished with errors", zap.Error(err))
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.search.Status()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"index_loaded": st.Loaded,
	})
}

// checkVideo rejects an empty or missing query video before any work is done.
func (s *Server) checkVideo(w http.ResponseWriter, path string) bool {
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "video_path is required")
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "video not found")
			return false
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return false
	}
	if info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "video_path is a directory")
		return false
	}
	return true
}

func (s *Server) respondSearchError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidQuery):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrStoreNotFound), errors.Is(err, store.ErrTornWrite):
		s.respondError(w, http.StatusServiceUnavailable, "index not available: "+err.Error())
	case errors.Is(err, store.ErrDimensionMismatch):
		s.respondError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error(op+" failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
