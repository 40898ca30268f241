package api

import (
	"net/http"

	"github.com/seantiz/anvil/internal/model"
)

// handleAsyncRun stores a pending run, starts it in the background and
// responds immediately. Progress is observed through the run record, the
// output stream and the output history.
func (s *Server) handleAsyncRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.decodeRunRequest(w, r, model.ModeAuto)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.Submit(r.Context(), run); err != nil {
		s.logger.Error("submit async run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit run")
		return
	}

	s.writeJSON(w, http.StatusAccepted, run)
}
