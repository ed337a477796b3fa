package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/l0p7/edgepix/internal/imgerr"
	"github.com/l0p7/edgepix/internal/transform"
	"github.com/l0p7/edgepix/internal/variant"
)

// multipartOverhead is allowed on top of the image limit for form framing.
const multipartOverhead = 64 << 10

// Optimize fetches ?url=, encodes it per the query options and streams the
// variant bytes. Fetch and codec failures answer 500 with their own codes.
func (h *Handler) Optimize(w http.ResponseWriter, r *http.Request) {
	h.track("optimize", w, r, func(w http.ResponseWriter, r *http.Request) bool {
		start := time.Now()
		query := r.URL.Query()
		sourceURL := strings.TrimSpace(query.Get("url"))
		if sourceURL == "" {
			h.writeError(w, r, imgerr.Newf(imgerr.KindInvalidRequest, "httpapi.optimize", "url parameter required"))
			return false
		}
		req, err := parseRequest(query)
		if err != nil {
			h.writeError(w, r, err)
			return false
		}
		src, err := h.fetcher.Fetch(r.Context(), sourceURL)
		if err != nil {
			h.writeError(w, r, err)
			return false
		}
		network := h.network(r)
		v, err := h.gen.Generate(r.Context(), src, req, network)
		if err != nil {
			h.writeError(w, r, err)
			return false
		}
		if h.logger.Enabled(r.Context(), slog.LevelDebug) {
			h.logger.LogAttrs(r.Context(), slog.LevelDebug, "variant served",
				slog.String("source", sourceURL),
				slog.String("cache_key", v.Key),
				slog.String("network", string(network.Class)),
				slog.String("region", network.Region),
				slog.Bool("cached", v.Cached),
			)
		}
		h.writeImage(w, r, v, network.Region, start)
		return v.Cached
	})
}

// Optimized serves a previously cached variant by key.
func (h *Handler) Optimized(w http.ResponseWriter, r *http.Request) {
	h.track("optimized", w, r, func(w http.ResponseWriter, r *http.Request) bool {
		start := time.Now()
		key := strings.ToLower(chi.URLParam(r, "cacheKey"))
		v, ok := h.gen.Lookup(r.Context(), key)
		if !ok {
			h.writeError(w, r, imgerr.Newf(imgerr.KindNotFound, "httpapi.optimized", "no cached variant %q", key))
			return false
		}
		h.writeImage(w, r, v, h.region(r), start)
		return true
	})
}

// writeImage renders variant bytes with the immutable policy, validators
// and cache status. A matching conditional request gets 304 and no body.
func (h *Handler) writeImage(w http.ResponseWriter, r *http.Request, v *variant.Variant, region string, start time.Time) {
	header := w.Header()
	etag := quoteETag(v.Key)
	setCacheControl(header, v.MIMEType())
	setValidators(header, etag, v.CreatedAt)
	header.Set("X-Cache", cacheStatus(v.Cached))
	header.Set("X-Image-Width", strconv.Itoa(v.Width))
	header.Set("X-Image-Height", strconv.Itoa(v.Height))
	header.Set("X-Processing-Time", processingTime(time.Since(start)))

	if notModified(r, etag, v.CreatedAt) {
		header.Del("Content-Type")
		w.WriteHeader(http.StatusNotModified)
		h.metrics.ObserveDelivery(region, 0, time.Since(start))
		return
	}

	header.Set("Content-Length", strconv.Itoa(len(v.Data)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		if _, err := w.Write(v.Data); err != nil {
			h.logger.Debug("image write failed", slog.String("cache_key", v.Key), slog.Any("error", err))
		}
	}
	h.metrics.ObserveDelivery(region, len(v.Data), time.Since(start))
}

func cacheStatus(hit bool) string {
	if hit {
		return "HIT"
	}
	return "MISS"
}

func processingTime(d time.Duration) string {
	return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', 2, 64) + "ms"
}

// VariantMetadata describes an uploaded variant.
type VariantMetadata struct {
	Format      transform.Format `json:"format"`
	Width       int              `json:"width"`
	Height      int              `json:"height"`
	Size        int              `json:"size"`
	Quality     int              `json:"quality"`
	Progressive bool             `json:"progressive"`
	Cached      bool             `json:"cached"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// UploadResult is one computed upload variant.
type UploadResult struct {
	CacheKey string          `json:"cacheKey"`
	URL      string          `json:"url"`
	Metadata VariantMetadata `json:"metadata"`
}

// Upload accepts a multipart "image" field and computes one variant per
// supplied option set. A single options object yields a single result; a
// list yields a list.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	h.track("upload", w, r, func(w http.ResponseWriter, r *http.Request) bool {
		const op = "httpapi.upload"
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+multipartOverhead)
		if err := r.ParseMultipartForm(h.maxUpload); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				h.writeError(w, r, imgerr.Newf(imgerr.KindPayloadTooLarge, op, "upload exceeds %d bytes", h.maxUpload))
				return false
			}
			h.writeError(w, r, imgerr.New(imgerr.KindInvalidRequest, op, err))
			return false
		}
		defer func() {
			if r.MultipartForm != nil {
				_ = r.MultipartForm.RemoveAll()
			}
		}()

		file, fh, err := r.FormFile("image")
		if err != nil {
			h.writeError(w, r, imgerr.Newf(imgerr.KindInvalidRequest, op, "multipart field %q required", "image"))
			return false
		}
		defer file.Close()
		if fh.Size > h.maxUpload {
			h.writeError(w, r, imgerr.Newf(imgerr.KindPayloadTooLarge, op, "upload exceeds %d bytes", h.maxUpload))
			return false
		}
		data, err := io.ReadAll(io.LimitReader(file, h.maxUpload+1))
		if err != nil {
			h.writeError(w, r, imgerr.New(imgerr.KindInvalidRequest, op, err))
			return false
		}
		if int64(len(data)) > h.maxUpload {
			h.writeError(w, r, imgerr.Newf(imgerr.KindPayloadTooLarge, op, "upload exceeds %d bytes", h.maxUpload))
			return false
		}
		src := transform.NewSource(data, fh.Header.Get("Content-Type"), "")
		if !src.IsImage() {
			h.writeError(w, r, imgerr.Newf(imgerr.KindUnsupportedFormat, op, "content type %q is not an image", src.MIMEType))
			return false
		}

		reqs, list, err := parseUploadOptions(r.FormValue("options"), r.Form)
		if err != nil {
			h.writeError(w, r, err)
			return false
		}

		network := h.network(r)
		results := make([]UploadResult, 0, len(reqs))
		allCached := true
		for _, req := range reqs {
			v, err := h.gen.Generate(r.Context(), src, req, network)
			if err != nil {
				h.writeError(w, r, err)
				return false
			}
			allCached = allCached && v.Cached
			results = append(results, h.uploadResult(v))
		}
		h.logger.Info("upload processed",
			slog.String("mime_type", src.MIMEType),
			slog.Int("bytes", len(data)),
			slog.Int("variants", len(results)),
		)
		if list {
			h.writeJSON(w, http.StatusCreated, results)
		} else {
			h.writeJSON(w, http.StatusCreated, results[0])
		}
		return allCached
	})
}

func (h *Handler) uploadResult(v *variant.Variant) UploadResult {
	return UploadResult{
		CacheKey: v.Key,
		URL:      h.baseURL + "/optimized/" + v.Key,
		Metadata: VariantMetadata{
			Format:      v.Format,
			Width:       v.Width,
			Height:      v.Height,
			Size:        v.Size,
			Quality:     v.Quality,
			Progressive: v.Progressive,
			Cached:      v.Cached,
			CreatedAt:   v.CreatedAt,
		},
	}
}

// Responsive builds the responsive family for ?url= and returns it as
// JSON, markup included.
func (h *Handler) Responsive(w http.ResponseWriter, r *http.Request) {
	h.track("responsive", w, r, func(w http.ResponseWriter, r *http.Request) bool {
		const op = "httpapi.responsive"
		if h.builder == nil {
			h.writeError(w, r, imgerr.Newf(imgerr.KindNotFound, op, "responsive sets are not enabled"))
			return false
		}
		query := r.URL.Query()
		sourceURL := strings.TrimSpace(query.Get("url"))
		if sourceURL == "" {
			h.writeError(w, r, imgerr.Newf(imgerr.KindInvalidRequest, op, "url parameter required"))
			return false
		}
		base, err := parseRequest(query)
		if err != nil {
			h.writeError(w, r, err)
			return false
		}
		src, err := h.fetcher.Fetch(r.Context(), sourceURL)
		if err != nil {
			h.writeError(w, r, err)
			return false
		}
		set, err := h.builder.Build(r.Context(), src, base, query.Get("alt"), h.network(r))
		if err != nil {
			h.writeError(w, r, err)
			return false
		}
		if strings.Contains(r.Header.Get("Accept"), "text/html") && !strings.Contains(r.Header.Get("Accept"), contentTypeJSON) {
			setCacheControl(w.Header(), contentTypeHTML)
			w.WriteHeader(http.StatusOK)
			if _, err := io.WriteString(w, set.Markup); err != nil {
				h.logger.Debug("markup write failed", slog.Any("error", err))
			}
			return false
		}
		h.writeJSON(w, http.StatusOK, set)
		return false
	})
}
