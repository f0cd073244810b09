package handlers

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/RubenOsiris073/ssh-manager/internal/activity"
	"github.com/RubenOsiris073/ssh-manager/internal/database"
	"github.com/RubenOsiris073/ssh-manager/internal/directory"
	"github.com/RubenOsiris073/ssh-manager/internal/middleware"
	"github.com/go-chi/chi/v5"
)

// Connections is set from main.go during init.
var Connections *directory.GormDirectory

// connectionView never carries secrets, only whether they are set.
type connectionView struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Host          string     `json:"host"`
	Port          int        `json:"port"`
	Username      string     `json:"username"`
	AuthMethod    string     `json:"auth_method"`
	HasPassword   bool       `json:"has_password"`
	HasPrivateKey bool       `json:"has_private_key"`
	Notes         string     `json:"notes,omitempty"`
	LastConnected *time.Time `json:"last_connected,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func toConnectionView(c *database.Connection) connectionView {
	return connectionView{
		ID:            c.ID,
		Name:          c.Name,
		Host:          c.Host,
		Port:          c.Port,
		Username:      c.Username,
		AuthMethod:    c.AuthMethod,
		HasPassword:   c.Password != "",
		HasPrivateKey: c.PrivateKey != "",
		Notes:         c.Notes,
		LastConnected: c.LastConnected,
		CreatedAt:     c.CreatedAt,
	}
}

// GET /api/ssh/connections
func ListConnections(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	conns, err := Connections.List(r.Context(), user.ID)
	if err != nil {
		log.Printf("[connections] list for %s: %v", user.ID, err)
		writeError(w, http.StatusInternalServerError, "Failed to list connections")
		return
	}
	views := make([]connectionView, 0, len(conns))
	for i := range conns {
		views = append(views, toConnectionView(&conns[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"connections": views})
}

// POST /api/ssh/connections
func CreateConnection(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	var body directory.NewConnection
	if !decodeBody(w, r, &body) {
		return
	}

	c, err := Connections.Create(r.Context(), user.ID, body)
	if err != nil {
		var ve *directory.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Error())
			return
		}
		log.Printf("[connections] create for %s: %v", user.ID, err)
		writeError(w, http.StatusInternalServerError, "Failed to create connection")
		return
	}

	activity.LogConnectionChange(user.ID, c.ID, activity.ActionConnectionCreated, c.Name)
	writeJSON(w, http.StatusCreated, toConnectionView(c))
}

// GET /api/ssh/connections/{id}
func GetConnection(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	id := chi.URLParam(r, "id")

	c, err := Connections.Get(r.Context(), user.ID, id)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Connection not found")
			return
		}
		log.Printf("[connections] get %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch connection")
		return
	}
	writeJSON(w, http.StatusOK, toConnectionView(c))
}

// PUT /api/ssh/connections/{id}
func UpdateConnection(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	id := chi.URLParam(r, "id")
	var body directory.ConnectionUpdate
	if !decodeBody(w, r, &body) {
		return
	}

	c, err := Connections.Update(r.Context(), user.ID, id, body)
	if err != nil {
		var ve *directory.ValidationError
		switch {
		case errors.As(err, &ve):
			writeError(w, http.StatusBadRequest, ve.Error())
		case errors.Is(err, directory.ErrNotFound):
			writeError(w, http.StatusNotFound, "Connection not found")
		default:
			log.Printf("[connections] update %s: %v", id, err)
			writeError(w, http.StatusInternalServerError, "Failed to update connection")
		}
		return
	}

	activity.LogConnectionChange(user.ID, c.ID, activity.ActionConnectionUpdated, c.Name)
	writeJSON(w, http.StatusOK, toConnectionView(c))
}

// DELETE /api/ssh/connections/{id}
func DeleteConnection(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	id := chi.URLParam(r, "id")

	if err := Connections.Delete(r.Context(), user.ID, id); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Connection not found")
			return
		}
		log.Printf("[connections] delete %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to delete connection")
		return
	}

	activity.LogConnectionChange(user.ID, id, activity.ActionConnectionDeleted, "")
	w.WriteHeader(http.StatusNoContent)
}
