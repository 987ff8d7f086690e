// Package server exposes the connector actions over HTTP. Each action is
// a POST per integration; results are returned as the action's JSON shape.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/PADAS/gundi-integration-ats-v2/internal/ats"
	"github.com/PADAS/gundi-integration-ats-v2/internal/config"
	"github.com/PADAS/gundi-integration-ats-v2/internal/pipeline"
	"github.com/PADAS/gundi-integration-ats-v2/internal/staging"
)

type Server struct {
	pipeline *pipeline.Pipeline
	tracker  *staging.Tracker
	log      *slog.Logger
}

func New(p *pipeline.Pipeline, tracker *staging.Tracker, log *slog.Logger) *Server {
	return &Server{pipeline: p, tracker: tracker, log: log}
}

// actionRequest is the common body for file-level actions.
type actionRequest struct {
	Filename string `json:"filename"`
	Status   string `json:"status"`
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/integrations/{id}/actions/pull-observations", s.handlePull)
	mux.HandleFunc("POST /v1/integrations/{id}/actions/process-observations", s.handleProcess)
	mux.HandleFunc("POST /v1/integrations/{id}/actions/get-file-status", s.handleGetFileStatus)
	mux.HandleFunc("POST /v1/integrations/{id}/actions/set-file-status", s.handleSetFileStatus)
	mux.HandleFunc("POST /v1/integrations/{id}/actions/reprocess-file", s.handleReprocess)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func Start(addr string, handler http.Handler) error {
	return http.ListenAndServe(addr, handler)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	integrationID := r.PathValue("id")
	result, err := s.pipeline.PullObservations(r.Context(), integrationID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	integrationID := r.PathValue("id")
	req, ok := s.decodeFileRequest(w, r)
	if !ok {
		return
	}
	result, err := s.pipeline.ProcessObservations(r.Context(), integrationID, req.Filename)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetFileStatus(w http.ResponseWriter, r *http.Request) {
	integrationID := r.PathValue("id")
	req, ok := s.decodeFileRequest(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.tracker.GetStatus(r.Context(), integrationID, req.Filename))
}

func (s *Server) handleSetFileStatus(w http.ResponseWriter, r *http.Request) {
	integrationID := r.PathValue("id")
	req, ok := s.decodeFileRequest(w, r)
	if !ok {
		return
	}
	target, err := parseStatus(req.Status)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, s.tracker.SetStatus(r.Context(), integrationID, req.Filename, target))
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	integrationID := r.PathValue("id")
	req, ok := s.decodeFileRequest(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.pipeline.ReprocessFile(r.Context(), integrationID, req.Filename))
}

func (s *Server) decodeFileRequest(w http.ResponseWriter, r *http.Request) (actionRequest, bool) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return req, false
	}
	if req.Filename == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "filename is required"})
		return req, false
	}
	return req, true
}

func parseStatus(raw string) (staging.FileStatus, error) {
	switch staging.FileStatus(raw) {
	case staging.StatusPending, staging.StatusInProgress, staging.StatusProcessed:
		return staging.FileStatus(raw), nil
	default:
		return "", fmt.Errorf("unknown status %q", raw)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var bad *ats.BadResponseError
	switch {
	case errors.Is(err, config.ErrConfigurationNotFound):
		status = http.StatusNotFound
	case errors.As(err, &bad):
		status = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("error encoding response", slog.Any("error", err))
	}
}
