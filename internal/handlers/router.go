package handlers

import (
	"github.com/RubenOsiris073/ssh-manager/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the HTTP surface. The package-level collaborators must
// be set first.
func NewRouter(tokens middleware.TokenParser) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", HealthCheck)
	r.Get("/ws", RelayWS)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", Login)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(tokens))

			r.Post("/auth/logout", Logout)
			r.Get("/auth/me", GetCurrentUser)

			r.Get("/ssh/connections", ListConnections)
			r.Post("/ssh/connections", CreateConnection)
			r.Get("/ssh/connections/{id}", GetConnection)
			r.Put("/ssh/connections/{id}", UpdateConnection)
			r.Delete("/ssh/connections/{id}", DeleteConnection)

			r.Post("/ssh/test", CheckCredentials)

			r.Get("/ssh/sessions", ListSessions)
			r.Delete("/ssh/sessions/{id}", CloseSession)

			r.Get("/activity", ListActivity)
		})
	})
	return r
}
