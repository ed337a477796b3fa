// Package httpapi translates HTTP requests into calls on the image pipeline
// and renders its results with the right caching headers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/l0p7/edgepix/internal/bandwidth"
	"github.com/l0p7/edgepix/internal/edge"
	"github.com/l0p7/edgepix/internal/imgerr"
	"github.com/l0p7/edgepix/internal/metrics"
	"github.com/l0p7/edgepix/internal/monitor"
	"github.com/l0p7/edgepix/internal/responsive"
	"github.com/l0p7/edgepix/internal/transform"
	"github.com/l0p7/edgepix/internal/variant"
)

// DefaultMaxUploadBytes caps multipart uploads when no limit is configured.
const DefaultMaxUploadBytes = 10 << 20

// DefaultRegionHeaders are consulted in order to find the caller's country.
var DefaultRegionHeaders = []string{"CF-IPCountry", "X-Country-Code"}

// Generator is the variant surface the handlers use.
type Generator interface {
	Generate(ctx context.Context, src *transform.Source, req transform.Request, network bandwidth.Network) (*variant.Variant, error)
	Lookup(ctx context.Context, key string) (*variant.Variant, bool)
	Stats(ctx context.Context) (variant.Stats, error)
	Policy() bandwidth.Policy
}

// Fetcher downloads remote sources.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*transform.Source, error)
}

// SetBuilder assembles responsive families.
type SetBuilder interface {
	Build(ctx context.Context, src *transform.Source, base transform.Request, alt string, network bandwidth.Network) (*responsive.Set, error)
}

// EdgeController is the edge CDN integration.
type EdgeController interface {
	State() edge.State
	Purge(ctx context.Context, urls []string) edge.PurgeResult
	ConfigureRegionalCaching(ctx context.Context, regions []string, policy edge.RegionalPolicy) (edge.RegionalResult, error)
	Analytics(ctx context.Context, start, end time.Time, local *metrics.Counters) edge.Sample
}

// Reporter exposes the performance series and alert log.
type Reporter interface {
	Report() monitor.Report
}

// Config wires a Handler. Generator, Fetcher and Edge are required.
type Config struct {
	Generator  Generator
	Fetcher    Fetcher
	Responsive SetBuilder
	Edge       EdgeController
	Monitor    Reporter
	// Prober runs the synthetic encode behind /health.
	Prober         variant.Encoder
	Metrics        *metrics.Recorder
	Logger         *slog.Logger
	BaseURL        string
	Production     bool
	MaxUploadBytes int64
	RegionHeaders  []string
}

// Handler implements server.Routes.
type Handler struct {
	gen           Generator
	fetcher       Fetcher
	builder       SetBuilder
	edge          EdgeController
	monitor       Reporter
	prober        variant.Encoder
	metrics       *metrics.Recorder
	logger        *slog.Logger
	baseURL       string
	production    bool
	maxUpload     int64
	regionHeaders []string
	probeImage    []byte
	now           func() time.Time
}

// New validates cfg and returns a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Generator == nil {
		return nil, errors.New("httpapi: generator required")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("httpapi: fetcher required")
	}
	if cfg.Edge == nil {
		return nil, errors.New("httpapi: edge controller required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	headers := cfg.RegionHeaders
	if len(headers) == 0 {
		headers = DefaultRegionHeaders
	}
	probe, err := probeImage()
	if err != nil {
		return nil, err
	}
	return &Handler{
		gen:           cfg.Generator,
		fetcher:       cfg.Fetcher,
		builder:       cfg.Responsive,
		edge:          cfg.Edge,
		monitor:       cfg.Monitor,
		prober:        cfg.Prober,
		metrics:       cfg.Metrics,
		logger:        logger.With(slog.String("agent", "httpapi")),
		baseURL:       strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/"),
		production:    cfg.Production,
		maxUpload:     maxUpload,
		regionHeaders: headers,
		probeImage:    probe,
		now:           time.Now,
	}, nil
}

// handlerFunc is a route body; it reports whether the response came from
// the cache.
type handlerFunc func(w http.ResponseWriter, r *http.Request) bool

// track records the route's status, latency and cache outcome.
func (h *Handler) track(route string, w http.ResponseWriter, r *http.Request, fn handlerFunc) {
	start := time.Now()
	ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
	fromCache := fn(ww, r)
	status := ww.Status()
	if status == 0 {
		status = http.StatusOK
	}
	h.metrics.ObserveHTTP(route, status, fromCache, time.Since(start))
}

// region returns the caller's country code from the first populated header.
func (h *Handler) region(r *http.Request) string {
	for _, name := range h.regionHeaders {
		if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
			return strings.ToUpper(v)
		}
	}
	return ""
}

func (h *Handler) network(r *http.Request) bandwidth.Network {
	return h.gen.Policy().Classify(h.region(r))
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// writeError renders the error envelope. Server-side failures carry a
// generic message; the underlying error is only echoed outside production.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := imgerr.KindOf(err)
	status := kind.HTTPStatus()
	body := errorBody{Code: kind.Code(), Message: kind.String(), Retryable: kind.Retryable()}
	if status < http.StatusInternalServerError {
		var e *imgerr.Error
		if errors.As(err, &e) && e.Err != nil {
			body.Message = e.Err.Error()
		}
	}
	if !h.production {
		body.Detail = err.Error()
	}

	attrs := []any{
		slog.String("path", r.URL.Path),
		slog.String("code", body.Code),
		slog.Int("status", status),
		slog.Any("error", err),
	}
	switch {
	case kind == imgerr.KindEncodingFailure:
		h.logger.Error("request failed", attrs...)
	case status >= http.StatusInternalServerError:
		h.logger.Warn("request failed", attrs...)
	default:
		h.logger.Debug("request rejected", attrs...)
	}

	h.writeJSON(w, status, map[string]any{"error": body})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	setCacheControl(w.Header(), contentTypeJSON)
	if status >= http.StatusBadRequest {
		w.Header().Set("Cache-Control", CacheNoStore)
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("response encode failed", slog.Any("error", err))
	}
}

// NotFound renders the error envelope for unknown paths.
func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	h.track("not_found", w, r, func(w http.ResponseWriter, r *http.Request) bool {
		h.writeError(w, r, imgerr.Newf(imgerr.KindNotFound, "httpapi.route", "no route for %s", r.URL.Path))
		return false
	})
}

// MethodNotAllowed renders the error envelope for known paths hit with the
// wrong verb.
func (h *Handler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.track("method_not_allowed", w, r, func(w http.ResponseWriter, r *http.Request) bool {
		body := errorBody{Code: "METHOD_NOT_ALLOWED", Message: r.Method + " not allowed on " + r.URL.Path}
		h.writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": body})
		return false
	})
}
