// Package api serves the event store over HTTP: event browsing,
// subscriptions, recommendations, the admin import transition, health and
// Prometheus metrics.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hemant07j07/eventstore"
	"github.com/hemant07j07/eventstore/internal/logging"
	"github.com/hemant07j07/eventstore/internal/metrics"
)

// DefaultPageSize is the page size of the events listing.
const DefaultPageSize = 12

// MaxPageSize caps the page_size query parameter.
const MaxPageSize = 100

// Server holds the collaborators shared by the handlers.
type Server struct {
	store      eventstore.Store
	resolver   *eventstore.Resolver
	adminToken string
	now        func() time.Time
	logger     zerolog.Logger
}

// Options configures a Server.
type Options struct {
	// AdminToken must match the X-Admin-Token header on admin routes. An
	// empty token disables the admin routes.
	AdminToken string
	Logger     zerolog.Logger
	// Now overrides the clock used for import and subscription timestamps.
	Now func() time.Time
}

// NewServer returns a Server. resolver may be nil, in which case the
// recommendations route answers 503.
func NewServer(store eventstore.Store, resolver *eventstore.Resolver, opts Options) *Server {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		store:      store,
		resolver:   resolver,
		adminToken: opts.AdminToken,
		now:        now,
		logger:     opts.Logger,
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogging)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(instrument)

		r.Get("/events", s.listEvents)
		r.Get("/events/{id}", s.getEvent)
		r.Post("/subscriptions", s.subscribe)
		r.Post("/recommendations", s.recommend)

		r.With(s.requireAdmin).Post("/admin/import/{id}", s.adminImport)
	})

	return r
}

// requestLogging attaches a correlation id and a request-scoped logger to
// the context.
func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.ContextWithNewCorrelationID(r.Context())
		logger := s.logger.With().
			Str("request_id", chimiddleware.GetReqID(ctx)).
			Str("correlation_id", logging.CorrelationIDFromContext(ctx)).
			Logger()
		ctx = logging.ContextWithLogger(ctx, logger)

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))

		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// instrument records request counts and latency by route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordAPIRequest(r.Method, route, status, time.Since(start))
	})
}
