package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fieldline/audittrail/query"
	"github.com/fieldline/audittrail/server/health"
	"github.com/fieldline/audittrail/server/middleware"
	"github.com/fieldline/audittrail/stream"
	"github.com/fieldline/audittrail/undo"
)

// RouterDeps collects everything the HTTP surface needs. The ingest
// middleware wraps the whole tree so that CRM routes proxied through us
// are observed; the audit API itself is on its exclude list.
type RouterDeps struct {
	Query  *query.Handler
	Undo   *undo.Handler
	WS     *stream.WSHandler
	Health *health.Checker

	Auth   *middleware.AuthMiddleware
	Ingest *middleware.Ingest

	ServiceName string
	Logger      *slog.Logger
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.PanicRecovery)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.TraceIDMiddleware)
	r.Use(middleware.OTelMiddleware(deps.ServiceName))
	r.Use(middleware.MetricsMiddleware)
	r.Use(middleware.LoggerMiddleware)
	if deps.Auth != nil {
		r.Use(deps.Auth.HTTPMiddleware)
	}
	if deps.Ingest != nil {
		r.Use(deps.Ingest.Middleware)
	}

	deps.Health.RegisterRoutes(r)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/audit", func(r chi.Router) {
		r.Get("/events", deps.Query.List)
		r.Get("/events/{id}", deps.Query.Get)
		r.Get("/events/{id}/undoable", deps.Undo.CanUndo)
		r.Post("/events/{id}/undo", deps.Undo.Undo)

		r.Get("/entities/{collection}/{id}/trail", deps.Query.Trail)
		r.Get("/entities/{collection}/{id}/fields/{field}", deps.Query.FieldHistory)
		r.Get("/entities/{collection}/{id}/undoable", deps.Undo.ListUndoable)

		r.Get("/stats", deps.Query.Stats)
		r.Get("/recent", deps.Query.Recent)
		r.Get("/export", deps.Query.Export)
		r.Post("/purge", deps.Query.Purge)

		if deps.WS != nil {
			r.Get("/stream", deps.WS.ServeHTTP)
		}
	})

	return r
}
