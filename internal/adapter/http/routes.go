package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.HealthCheck)
	if h.Hub != nil {
		r.Get("/ws", h.Hub.HandleWS)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		r.Post("/roots", h.RegisterRoot)

		r.Post("/tasks", h.CreateTask)
		r.Get("/tasks", h.ListTasks)
		r.Get("/tasks/{id}", h.GetTask)
		r.Post("/tasks/{id}/wait", h.WaitForTask)
		r.Delete("/tasks/{id}", h.TerminateTask)

		r.Post("/workspaces/{id}/report", h.SubmitReport)
		r.Post("/workspaces/{id}/turn-end", h.TurnEnded)

		r.Get("/scheduler", h.SchedulerStats)
		r.Post("/scheduler/dequeue", h.Dequeue)
	})
}
