package handlers

import (
	"net/http"
)

func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if s.DB != nil {
		sqlDB, err := s.DB.DB()
		if err == nil {
			if err := sqlDB.PingContext(r.Context()); err == nil {
				dbStatus = "connected"
			}
		}
	}

	entries, connected := 0, 0
	if s.Pool != nil {
		for _, st := range s.Pool.GetStatus() {
			entries++
			if st.Connected {
				connected++
			}
		}
	}

	status := "healthy"
	code := http.StatusOK
	if dbStatus != "connected" {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":            status,
		"database":          dbStatus,
		"routers":           entries,
		"routers_connected": connected,
	})
}
