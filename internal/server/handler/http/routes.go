package http

import (
	"net/http"

	"github.com/atinyakov/fieldkeeper/internal/middleware"
	"go.uber.org/zap"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter constructs the HTTP handler serving the field management API.
//
// Routes:
//
//	GET  /healthz      → liveness probe, no client certificate required
//	POST /api/fields   → fieldsHandler.Handle (protected by CertAuth)
//
// Every request gets a request id and is logged. Requests under /api must
// carry a JSON body and a client certificate.
func NewRouter(fieldsHandler *FieldsHandler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(middleware.WithRequestLogging(logger))
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(chiMiddleware.AllowContentType("application/json"))
		r.Use(middleware.CertAuth)

		r.Post("/fields", fieldsHandler.Handle)
	})

	return r
}
