package api

import (
	"net/http"
)

type healthResponse struct {
	Status string   `json:"status"`
	Modes  []string `json:"modes"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Modes: s.registry.Modes()})
}
