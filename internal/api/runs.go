package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/anvil/internal/engine"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
	cancelTimeout    = 5 * time.Second
)

var requestModes = []string{model.ModeBatch, model.ModeStream, model.ModeAuto}

// createRunRequest is the JSON body for POST /v1/runs and /v1/runs/async.
// Input is taken as raw bytes of the string; InputBase64 carries arbitrary
// bytes and wins when both are set.
type createRunRequest struct {
	Source        string  `json:"source"`
	Input         string  `json:"input"`
	InputBase64   []byte  `json:"input_base64"`
	Mode          string  `json:"mode"`
	Interactive   bool    `json:"interactive"`
	Optimize      *bool   `json:"optimize"`
	MaxIterations *uint64 `json:"max_iterations"`
	TimeoutS      *int    `json:"timeout_s"`
}

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []*model.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// decodeRunRequest reads and validates a run request and builds the pending
// run record. defaultMode is used when the request names no mode.
func (s *Server) decodeRunRequest(w http.ResponseWriter, r *http.Request, defaultMode string) (*model.Run, error) {
	var req createRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	if req.Source == "" {
		return nil, errors.New("source is required")
	}
	if req.Mode == "" {
		req.Mode = defaultMode
	}
	if !slices.Contains(requestModes, req.Mode) {
		return nil, fmt.Errorf("mode must be one of %v", requestModes)
	}
	if req.Interactive && req.Mode == model.ModeBatch {
		return nil, errors.New("interactive runs need stream or auto mode")
	}
	if req.TimeoutS != nil && *req.TimeoutS <= 0 {
		return nil, errors.New("timeout_s must be positive")
	}

	run := &model.Run{
		ID:            model.NewID(),
		Status:        model.StatusPending,
		Mode:          req.Mode,
		Source:        req.Source,
		Input:         []byte(req.Input),
		Interactive:   req.Interactive,
		Optimize:      s.defaults.Optimize,
		MaxIterations: s.defaults.MaxIterations,
		TimeoutS:      req.TimeoutS,
		CreatedAt:     time.Now().UTC(),
	}
	if req.InputBase64 != nil {
		run.Input = req.InputBase64
	}
	if req.Optimize != nil {
		run.Optimize = *req.Optimize
	}
	if req.MaxIterations != nil {
		run.MaxIterations = *req.MaxIterations
	}
	if run.TimeoutS == nil && s.defaults.TimeoutS > 0 {
		timeout := s.defaults.TimeoutS
		run.TimeoutS = &timeout
	}

	return run, nil
}

// handleCreateRun executes a run synchronously and responds with its outcome.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.decodeRunRequest(w, r, model.ModeBatch)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if run.Interactive {
		s.writeError(w, http.StatusBadRequest, "interactive runs must be submitted to /v1/runs/async")
		return
	}

	// The response waits for the run, which may outlast writeTimeout.
	timeoutS := engine.DefaultTimeoutS
	if run.TimeoutS != nil {
		timeoutS = *run.TimeoutS
	}
	deadline := time.Now().Add(time.Duration(timeoutS)*time.Second + writeTimeout)
	if err := http.NewResponseController(w).SetWriteDeadline(deadline); err != nil {
		s.logger.Debug("set write deadline for run", "error", err)
	}

	done, err := s.engine.Run(r.Context(), run)
	if err != nil {
		s.logger.Error("run program", "run_id", run.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to run program")
		return
	}

	s.writeJSON(w, http.StatusCreated, done)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleDeleteRun kills an in-flight run and responds with its final record.
func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), cancelTimeout)
	defer cancel()

	if err := s.engine.Cancel(ctx, id); err != nil {
		s.writeEngineError(w, "kill run", err)
		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.logger.Error("get killed run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve run")
		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

// runID extracts the run ID from the URL, responding 404 for values that
// cannot be run IDs.
func (s *Server) runID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if !model.ValidID(id) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return "", false
	}
	return id, true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
