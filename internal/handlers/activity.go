package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/RubenOsiris073/ssh-manager/internal/activity"
	"github.com/RubenOsiris073/ssh-manager/internal/middleware"
)

// ListActivity returns the caller's activity log, newest first.
// GET /api/activity?action=&since=&limit=&offset=
func ListActivity(w http.ResponseWriter, r *http.Request) {
	a := activity.GetAuditor()
	if a == nil {
		writeError(w, http.StatusServiceUnavailable, "Activity log not initialized")
		return
	}

	q := r.URL.Query()
	opts := activity.QueryOptions{
		UserID: middleware.GetUser(r).ID,
		Action: q.Get("action"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since, expected RFC3339")
			return
		}
		opts.Since = &t
	}

	res, err := a.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query activity")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
