package api

import "net/http"

func (s *Server) handleListModes(w http.ResponseWriter, _ *http.Request) {
	modes := s.registry.List()
	s.writeJSON(w, http.StatusOK, modes)
}
