package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler builds the router with its middleware chain.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/network", func(r chi.Router) {
		r.Get("/scan", s.handleScan)
		r.Get("/devices", s.handleListDevices)
	})

	if s.deps.Rollups != nil {
		r.Route("/temperature/{devAddr}", func(r chi.Router) {
			r.Get("/hourly", s.handleHourly)
			r.Get("/daily", s.handleDaily)
		})
	}

	return r
}
