package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats. InFlight counts runs
// this process is executing right now; the rest is read from the store.
type statsResponse struct {
	Total         int            `json:"total"`
	InFlight      int            `json:"in_flight"`
	ByStatus      map[string]int `json:"by_status"`
	ByMode        map[string]int `json:"by_mode"`
	ByFault       map[string]int `json:"by_fault"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetRunStats(r.Context())
	if err != nil {
		s.logger.Error("get run stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		InFlight:      s.engine.InFlight(),
		ByStatus:      stats.CountByStatus,
		ByMode:        stats.CountByMode,
		ByFault:       stats.CountByFault,
		AvgDurationMS: stats.AvgDurationMS,
	})
}
