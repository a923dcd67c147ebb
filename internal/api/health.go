package api

import "net/http"

// healthResponse reports liveness together with the execution interface's
// occupancy. A master that has been cleaned up answers 503.
type healthResponse struct {
	Status        string `json:"status"`
	Backend       string `json:"backend"`
	TotalWorkers  int    `json:"total_workers"`
	ActiveWorkers int    `json:"active_workers"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	st := s.master.Status()
	resp := healthResponse{
		Status:        "ok",
		Backend:       s.master.Backend().Capabilities().Name,
		TotalWorkers:  st.TotalWorkers,
		ActiveWorkers: st.ActiveWorkers,
	}
	code := http.StatusOK
	if s.master.ShutDown() {
		resp.Status = "shutdown"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}
