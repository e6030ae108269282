package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/podushkina/jobrelay/internal/auth"
	"github.com/podushkina/jobrelay/internal/gateway"
)

// Routes carries what the router needs beyond the handler.
type Routes struct {
	Gateway      *gateway.Gateway
	Verifier     *auth.Verifier
	ServiceToken string
}

func NewRouter(h *Handler, rt Routes) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)

	r.Group(func(r chi.Router) {
		r.Use(auth.ServiceOnly(rt.ServiceToken))

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", h.CreateTask)
			r.Get("/", h.ListTasks)
			r.Get("/{id}", h.GetTask)
			r.Delete("/{id}", h.DeleteTask)
		})

		r.Post("/agents/{subject}/pause", h.PauseAgent)
		r.Post("/agents/{subject}/resume", h.ResumeAgent)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/dlq", h.ListDeadLetters)
			r.Delete("/dlq/{queue}", h.PurgeDeadLetters)
			r.Get("/stats", h.Stats)
		})
	})

	if rt.Gateway != nil {
		// The live socket authenticates on its own so it can answer with
		// websocket close codes.
		r.Get("/events/live", rt.Gateway.Live)
		r.With(auth.Middleware(rt.Verifier)).Get("/events", rt.Gateway.Replay)
	}

	return r
}
