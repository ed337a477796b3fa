package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/l0p7/edgepix/internal/edge"
	"github.com/l0p7/edgepix/internal/imgerr"
	"github.com/l0p7/edgepix/internal/transform"
	"github.com/l0p7/edgepix/internal/variant"
)

// Health thresholds.
const (
	HealthyEncodeBudget = time.Second
	HealthyHitRatio     = 0.7
)

const (
	defaultAnalyticsWindow = 24 * time.Hour
	maxJSONBody            = 1 << 20
)

// decodeJSON reads a bounded JSON body into out.
func decodeJSON(w http.ResponseWriter, r *http.Request, op string, out any) error {
	body := http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return imgerr.Newf(imgerr.KindInvalidRequest, op, "request body required")
		}
		return imgerr.New(imgerr.KindInvalidRequest, op, err)
	}
	return nil
}

type purgeRequest struct {
	URLs     []string `json:"urls"`
	PurgeAll bool     `json:"purgeAll"`
}

// Purge evicts variants derived from the listed URLs, or everything when
// purgeAll is set, locally and at the edge.
func (h *Handler) Purge(w http.ResponseWriter, r *http.Request) {
	h.track("purge", w, r, func(w http.ResponseWriter, r *http.Request) bool {
		const op = "httpapi.purge"
		var body purgeRequest
		if err := decodeJSON(w, r, op, &body); err != nil {
			h.writeError(w, r, err)
			return false
		}
		urls := make([]string, 0, len(body.URLs))
		for _, u := range body.URLs {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		switch {
		case len(urls) > 0:
		case body.PurgeAll:
			urls = nil
		default:
			h.writeError(w, r, imgerr.Newf(imgerr.KindInvalidRequest, op, "either urls or purgeAll is required"))
			return false
		}
		result := h.edge.Purge(r.Context(), urls)
		h.logger.Info("purge completed",
			slog.String("scope", result.Scope),
			slog.Int("removed", result.Removed),
			slog.String("edge", result.Edge),
		)
		h.writeJSON(w, http.StatusOK, result)
		return false
	})
}

type encodeCheck struct {
	OK         bool    `json:"ok"`
	DurationMs float64 `json:"durationMs"`
	Error      string  `json:"error,omitempty"`
}

type healthReport struct {
	Status        string         `json:"status"`
	ObservedAt    time.Time      `json:"observedAt"`
	Encode        encodeCheck    `json:"encode"`
	CacheHitRatio float64        `json:"cacheHitRatio"`
	Cache         *variant.Stats `json:"cache,omitempty"`
	CacheError    string         `json:"cacheError,omitempty"`
	Edge          string         `json:"edge"`
	BandwidthMode bool           `json:"bandwidthMode"`
}

// Health runs a synthetic encode and reports "healthy" when it completes
// inside the budget and the hit ratio is above the threshold, else
// "degraded". Both answer 200 so the instance keeps serving.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.track("health", w, r, func(w http.ResponseWriter, r *http.Request) bool {
		report := healthReport{
			Status:        "healthy",
			ObservedAt:    h.now().UTC(),
			CacheHitRatio: h.metrics.Local().Snapshot().HitRatio(),
			Edge:          h.edge.State().String(),
			BandwidthMode: h.gen.Policy().Enabled,
		}

		report.Encode = h.probe()
		stats, err := h.gen.Stats(r.Context())
		if err != nil {
			h.logger.Warn("cache stats unavailable", slog.Any("error", err))
			report.CacheError = imgerr.KindOf(err).String()
		} else {
			report.Cache = &stats
		}

		if !report.Encode.OK ||
			report.Encode.DurationMs >= float64(HealthyEncodeBudget/time.Millisecond) ||
			report.CacheHitRatio <= HealthyHitRatio {
			report.Status = "degraded"
		}
		h.writeJSON(w, http.StatusOK, report)
		return false
	})
}

func (h *Handler) probe() encodeCheck {
	if h.prober == nil {
		return encodeCheck{OK: true}
	}
	start := time.Now()
	_, err := h.prober.Encode(h.probeImage, transform.Request{Width: 32, Quality: 60, Format: transform.FormatJPEG}, nil)
	check := encodeCheck{OK: err == nil, DurationMs: float64(time.Since(start)) / float64(time.Millisecond)}
	if err != nil {
		check.Error = imgerr.KindOf(err).String()
		h.logger.Error("synthetic encode failed", slog.Any("error", err))
	}
	return check
}

// probeImage renders the fixed gradient the health probe encodes.
func probeImage() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := range 64 {
		for x := range 64 {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type analyticsResponse struct {
	edge.Sample
	EdgeState string `json:"edgeState"`
}

// Analytics returns the performance sample for [start, end). Both bounds
// are RFC3339; end defaults to now and start to a day before end.
func (h *Handler) Analytics(w http.ResponseWriter, r *http.Request) {
	h.track("analytics", w, r, func(w http.ResponseWriter, r *http.Request) bool {
		const op = "httpapi.analytics"
		query := r.URL.Query()
		end := h.now().UTC()
		if raw := strings.TrimSpace(query.Get("end")); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				h.writeError(w, r, imgerr.Newf(imgerr.KindInvalidRequest, op, "end must be RFC3339: %q", raw))
				return false
			}
			end = t.UTC()
		}
		start := end.Add(-defaultAnalyticsWindow)
		if raw := strings.TrimSpace(query.Get("start")); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				h.writeError(w, r, imgerr.Newf(imgerr.KindInvalidRequest, op, "start must be RFC3339: %q", raw))
				return false
			}
			start = t.UTC()
		}
		if !start.Before(end) {
			h.writeError(w, r, imgerr.Newf(imgerr.KindInvalidRequest, op, "start must be before end"))
			return false
		}
		sample := h.edge.Analytics(r.Context(), start, end, h.metrics.Local())
		h.writeJSON(w, http.StatusOK, analyticsResponse{Sample: sample, EdgeState: h.edge.State().String()})
		return false
	})
}

// Performance returns the rolling series and the alert log.
func (h *Handler) Performance(w http.ResponseWriter, r *http.Request) {
	h.track("performance", w, r, func(w http.ResponseWriter, r *http.Request) bool {
		if h.monitor == nil {
			h.writeError(w, r, imgerr.Newf(imgerr.KindNotFound, "httpapi.performance", "performance monitor is not running"))
			return false
		}
		h.writeJSON(w, http.StatusOK, h.monitor.Report())
		return false
	})
}

type regionalRequest struct {
	Regions []string             `json:"regions"`
	Policy  *edge.RegionalPolicy `json:"policy"`
}

// RegionalCaching upserts the edge cache rule for the listed regions. An
// omitted policy takes the default.
func (h *Handler) RegionalCaching(w http.ResponseWriter, r *http.Request) {
	h.track("regional_caching", w, r, func(w http.ResponseWriter, r *http.Request) bool {
		const op = "httpapi.regional_caching"
		var body regionalRequest
		if err := decodeJSON(w, r, op, &body); err != nil {
			h.writeError(w, r, err)
			return false
		}
		policy := edge.DefaultRegionalPolicy()
		if body.Policy != nil {
			policy = *body.Policy
		}
		result, err := h.edge.ConfigureRegionalCaching(r.Context(), body.Regions, policy)
		if err != nil {
			h.writeError(w, r, err)
			return false
		}
		h.writeJSON(w, http.StatusOK, result)
		return false
	})
}
