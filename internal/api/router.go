package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type RouterConfig struct {
	Service     AppointmentService
	Checks      []Check
	Metrics     http.Handler
	JWTSecret   []byte
	RateLimiter *RateLimiter
	Logger      zerolog.Logger
	Env         string
	Version     string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)

	health := NewHealthHandler(cfg.Checks, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	h := &handlers{svc: cfg.Service, log: cfg.Logger}

	r.Route("/api/appointments", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWTSecret))
		if cfg.RateLimiter != nil {
			r.Use(cfg.RateLimiter.Middleware)
		}

		r.Get("/", h.listAppointments)
		r.Post("/", h.createAppointment)
		r.Get("/availability", h.availability)
		r.Get("/{id}", h.getAppointment)
		r.Patch("/{id}", h.updateAppointment)
	})

	return r
}
