// Package httpapi exposes the read-only HTTP surface of the compliance
// engine: recent activity, audit entry queries, chain verification and
// compliance reports. There is deliberately no write endpoint; audit
// entries enter the chain only through the engine.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	phivault "github.com/careport/phivault"
)

// Server holds the router and its handlers.
type Server struct {
	router   chi.Router
	handlers *Handlers
}

// NewServer builds the HTTP server over the audit store and reporter.
func NewServer(store phivault.AuditStore, reporter *phivault.Reporter) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		handlers: NewHandlers(store, reporter),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/health", s.handlers.HealthCheck)

	s.router.Route("/audit", func(r chi.Router) {
		r.Get("/activities", s.handlers.ListActivities)
		r.Get("/entries", s.handlers.ListEntries)
		r.Get("/verify", s.handlers.VerifyChain)
	})

	s.router.Get("/compliance/report", s.handlers.ComplianceReport)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
