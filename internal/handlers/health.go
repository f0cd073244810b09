package handlers

import (
	"net/http"

	"github.com/RubenOsiris073/ssh-manager/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	resp := map[string]interface{}{
		"status":   status,
		"database": dbStatus,
	}
	if Relay != nil {
		resp["sessions"] = Relay.Registry().Len()
	}
	if Reaper != nil {
		resp["reaped"] = Reaper.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}
