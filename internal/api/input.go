package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/seantiz/anvil/internal/engine"
	"github.com/seantiz/anvil/internal/store"
)

// inputResponse acknowledges bytes queued for an interactive run.
type inputResponse struct {
	RunID  string `json:"run_id"`
	Bytes  int    `json:"bytes"`
	Closed bool   `json:"closed"`
}

// handleWriteInput queues the raw request body on the run's input conduit.
func (s *Server) handleWriteInput(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if err := s.engine.WriteInput(r.Context(), id, data); err != nil {
		s.writeEngineError(w, "write input", err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, inputResponse{RunID: id, Bytes: len(data)})
}

// handleCloseInput closes the run's input conduit.
func (s *Server) handleCloseInput(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}

	if err := s.engine.CloseInput(r.Context(), id); err != nil {
		s.writeEngineError(w, "close input", err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, inputResponse{RunID: id, Closed: true})
}

// writeEngineError maps engine and store errors on in-flight operations to
// HTTP responses.
func (s *Server) writeEngineError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, engine.ErrNotRunning),
		errors.Is(err, engine.ErrNotInteractive),
		errors.Is(err, engine.ErrInputClosed),
		errors.Is(err, store.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}
