package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the channel, callback and sync endpoints.
func (a *App) Routes() http.Handler {
	origins := a.Config.AllowedOrigins(a.Credentials.FrontendURL())

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(origins))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware)
	}

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/ws", NewChannel(a.Sync, a.Logger, origins, a.Config.Server.DevMode))
	r.Get(CallbackPath, a.handleOAuthCallback)

	r.Route("/api", func(r chi.Router) {
		r.Get("/sync/status", a.handleSyncStatus)
		r.Post("/changes", a.handleChange)
	})

	return r
}
