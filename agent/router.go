package agent

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Router builds the agent's HTTP surface.
func (a *App) Router(logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(RecoveryMiddleware(logger))
	if len(a.cfg.Agent.CORSOrigins) > 0 {
		r.Use(CORSMiddleware(a.cfg.Agent.CORSOrigins))
	}
	if !a.cfg.Agent.DevMode {
		r.Use(SecurityHeadersMiddleware(a.cfg.Agent.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealthz)
	r.Get(a.cfg.Agent.CallbackPath, a.handleCallback)

	r.Route("/session", func(r chi.Router) {
		r.Get("/", a.handleSession)
		r.Post("/sign-in", a.handleSignIn)
		r.Post("/sign-in/popup", a.handleSignInPopup)
		r.Post("/sign-out", a.handleSignOut)
		r.Post("/refresh", a.handleRefresh)
	})

	r.Get("/notifications", a.handleNotifications)
	r.Put("/notifications/{id}/read", a.handleNotificationRead)
	r.Post("/permissions/check", a.handlePermissionsCheck)

	if a.devIdP != nil {
		r.Mount("/devidp", a.devIdP.Routes())
	}

	return r
}
