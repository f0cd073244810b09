package handlers

import (
	"log"
	"net/http"
	"time"

	"github.com/RubenOsiris073/ssh-manager/internal/activity"
	"github.com/RubenOsiris073/ssh-manager/internal/auth"
	"github.com/RubenOsiris073/ssh-manager/internal/database"
	"github.com/RubenOsiris073/ssh-manager/internal/logging"
	"github.com/RubenOsiris073/ssh-manager/internal/middleware"
)

// Tokens is set from main.go during init.
var Tokens *auth.Issuer

func setTokenCookie(w http.ResponseWriter, r *http.Request, token string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.TokenCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(ttl.Seconds()),
	})
}

func clearTokenCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.TokenCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

type userView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

func toUserView(u *database.User) userView {
	return userView{ID: u.ID, Username: u.Username, Email: u.Email}
}

// Login checks a username and password and returns a bearer token, also set
// as the auth-token cookie.
// POST /api/auth/login
func Login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	ip := activity.SourceIP(r)
	user, err := database.GetUserByUsername(body.Username)
	if err != nil || !user.IsActive || !auth.CheckPassword(body.Password, user.PasswordHash) {
		log.Printf("[auth] failed login for %s from %s", logging.Sanitize(body.Username), ip)
		activity.LogLogin("", body.Username, ip, false)
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	token, err := Tokens.Issue(user.ID, user.Username)
	if err != nil {
		log.Printf("[auth] issue token for %s: %v", user.Username, err)
		writeError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}

	activity.LogLogin(user.ID, user.Username, ip, true)
	setTokenCookie(w, r, token, Tokens.TTL())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token": token,
		"user":  toUserView(user),
	})
}

// Logout revokes the presented token. Sessions it opened keep running.
// POST /api/auth/logout
func Logout(w http.ResponseWriter, r *http.Request) {
	if tok := middleware.TokenFromRequest(r); tok != "" {
		if err := Tokens.Revoke(r.Context(), tok); err != nil {
			log.Printf("[auth] revoke token: %v", err)
		}
	}
	if user := middleware.GetUser(r); user != nil {
		activity.LogLogout(user.ID, activity.SourceIP(r))
	}
	clearTokenCookie(w, r)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

// GET /api/auth/me
func GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, toUserView(user))
}
