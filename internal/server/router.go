package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// Routes is the HTTP surface the router dispatches to.
type Routes interface {
	Optimize(http.ResponseWriter, *http.Request)
	Optimized(http.ResponseWriter, *http.Request)
	Upload(http.ResponseWriter, *http.Request)
	Purge(http.ResponseWriter, *http.Request)
	Health(http.ResponseWriter, *http.Request)
	Responsive(http.ResponseWriter, *http.Request)
	Analytics(http.ResponseWriter, *http.Request)
	Performance(http.ResponseWriter, *http.Request)
	RegionalCaching(http.ResponseWriter, *http.Request)
	NotFound(http.ResponseWriter, *http.Request)
	MethodNotAllowed(http.ResponseWriter, *http.Request)
}

// RouterOptions carries the cross-cutting pieces of the router.
type RouterOptions struct {
	Metrics           http.Handler
	Logger            *slog.Logger
	CorrelationHeader string
}

// NewRouter mounts the routes on chi. The same surface is also served under
// /api/images for clients built against the original paths.
func NewRouter(routes Routes, opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	header := opts.CorrelationHeader
	if header == "" {
		header = "X-Request-ID"
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RealIP)
	r.Use(correlation(header))
	r.Use(accessLog(logger.With(slog.String("agent", "httpapi"))))
	r.Use(chiMiddleware.Recoverer)
	r.NotFound(routes.NotFound)
	r.MethodNotAllowed(routes.MethodNotAllowed)

	mount := func(r chi.Router) {
		r.Get("/optimize", routes.Optimize)
		r.Get("/optimized/{cacheKey}", routes.Optimized)
		r.Head("/optimized/{cacheKey}", routes.Optimized)
		r.Post("/upload", routes.Upload)
		r.Post("/purge", routes.Purge)
		r.Get("/responsive", routes.Responsive)
		r.Get("/analytics", routes.Analytics)
		r.Get("/performance", routes.Performance)
		r.Post("/edge/regional-caching", routes.RegionalCaching)
	}
	mount(r)
	r.Route("/api/images", mount)

	r.Get("/health", routes.Health)
	r.Get("/healthz", routes.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	return r
}

type correlationKey struct{}

// CorrelationID returns the request's correlation id, if any.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// correlation echoes the inbound id or mints one, and stores it in the
// request context.
func correlation(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(header)
			if id == "" || len(id) > 128 {
				id = uuid.NewString()
			}
			w.Header().Set(header, id)
			ctx := context.WithValue(r.Context(), correlationKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if !logger.Enabled(r.Context(), slog.LevelDebug) {
				return
			}
			logger.LogAttrs(r.Context(), slog.LevelDebug, "request served",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("latency", time.Since(start)),
				slog.String("correlation_id", CorrelationID(r.Context())),
			)
		})
	}
}
