package api

import (
	"net/http"
)

type healthResponse struct {
	Status       string `json:"status"`
	Environments int    `json:"environments"`
}

// handleHealthz reports ok while the engine holds at least its default
// environment. A closed engine holds none.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	n := len(s.engine.ListEnvs())
	if n == 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "closing"})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Environments: n})
}
