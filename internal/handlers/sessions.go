package handlers

import (
	"errors"
	"net/http"

	"github.com/RubenOsiris073/ssh-manager/internal/middleware"
	"github.com/RubenOsiris073/ssh-manager/internal/relay"
	"github.com/go-chi/chi/v5"
)

// Relay and Reaper are set from main.go during init.
var (
	Relay  *relay.Relay
	Reaper *relay.Reaper
)

// ListSessions returns the caller's live shells, attached or not.
// GET /api/ssh/sessions
func ListSessions(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	sessions := Relay.Registry().ListByOwner(user.ID)
	if sessions == nil {
		sessions = []relay.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// CloseSession ends one of the caller's shells. A channel bound to it gets
// the usual close event.
// DELETE /api/ssh/sessions/{id}
func CloseSession(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	err := Relay.Close(user.ID, chi.URLParam(r, "id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, relay.ErrForbidden):
		writeError(w, http.StatusForbidden, "Session belongs to another user")
	default:
		writeError(w, http.StatusNotFound, "Session not found")
	}
}
