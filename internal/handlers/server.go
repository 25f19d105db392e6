// Package handlers exposes the router pool over HTTP.
package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"github.com/ispbill/routerd/internal/devicepool"
	"github.com/ispbill/routerd/internal/middleware"
	"github.com/ispbill/routerd/internal/routeraudit"
	"github.com/ispbill/routerd/internal/routerstore"
	"github.com/ispbill/routerd/internal/terminal"
)

// Server holds the dependencies shared by the HTTP handlers.
type Server struct {
	DB      *gorm.DB
	Pool    *devicepool.Pool
	Store   *routerstore.Store
	Auditor *routeraudit.Auditor

	// Policy gates the operator terminal. Zero value uses terminal.DefaultPolicy.
	Policy          *terminal.Policy
	TerminalLimiter *middleware.TenantLimiter

	// Metrics serves /metrics when set.
	Metrics http.Handler
	// APITokenHash is the bcrypt hash of the API token.
	APITokenHash string
}

func (s *Server) policy() terminal.Policy {
	if s.Policy != nil {
		return *s.Policy
	}
	return terminal.DefaultPolicy
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", s.HealthCheck)
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireAPIKey(s.APITokenHash))

		r.Route("/routers", func(r chi.Router) {
			r.Use(middleware.RequireTenant)

			r.Get("/", s.ListRouters)
			r.Post("/", s.UpsertRouter)
			r.Delete("/{id}", s.DeleteRouter)
			r.Post("/exec", s.ExecCommand)
			r.Post("/reconnect", s.Reconnect)
			r.Get("/status", s.TenantStatus)
			r.Get("/audit", s.GetAudit)
			r.Get("/events/stream", s.EventStream)

			r.Group(func(r chi.Router) {
				limiter := s.TerminalLimiter
				if limiter == nil {
					limiter = middleware.NewTenantLimiter(20, 10*time.Second)
				}
				r.Use(limiter.Middleware)
				r.Post("/terminal/exec", s.TerminalExec)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/pool", s.PoolStatus)
			r.Get("/logs", GetServerLogs)
			r.Delete("/logs", ClearServerLogs)
			r.Post("/audit/purge", s.PurgeAudit)
		})
	})

	return r
}
