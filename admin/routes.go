package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *Handlers) {
	r := chi.NewRouter()
	r.Use(AuthMiddleware)

	r.Get("/topology", handlers.handleTopology)

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", handlers.handleQueueSnapshot)
		r.Get("/pending", handlers.handlePendingJobs)
		r.Get("/{nodeID}", handlers.handleQueueSnapshotFor)
		r.Post("/drain", handlers.handleDrain)
	})

	r.Post("/recover/{nodeID}", handlers.handleRecover)

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}
