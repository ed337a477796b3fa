package httpapi

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/edgepix/internal/bandwidth"
	"github.com/l0p7/edgepix/internal/codec"
	"github.com/l0p7/edgepix/internal/edge"
	"github.com/l0p7/edgepix/internal/fetch"
	"github.com/l0p7/edgepix/internal/metrics"
	"github.com/l0p7/edgepix/internal/monitor"
	"github.com/l0p7/edgepix/internal/responsive"
	"github.com/l0p7/edgepix/internal/server"
	"github.com/l0p7/edgepix/internal/store"
	"github.com/l0p7/edgepix/internal/variant"
)

type harness struct {
	expect  *httpexpect.Expect
	gen     *variant.Generator
	metrics *metrics.Recorder
	source  string
	photo   []byte
}

type options struct {
	production bool
	maxUpload  int64
	policy     bandwidth.Policy
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func photoJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: uint8((x ^ y) & 0xff), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 92}))
	return buf.Bytes()
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()
	photo := photoJPEG(t, 2000, 1500)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/photo.jpg":
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write(photo)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(origin.Close)

	logger := discardLogger()
	rec := metrics.NewRecorder(nil)
	st := store.NewMemory(1000, time.Hour)
	enc := codec.New(codec.Options{WebPMethod: 2, AVIFSpeed: 10})
	policy := opts.policy
	if policy.DefaultQuality == 0 {
		policy = bandwidth.DefaultPolicy()
	}
	gen, err := variant.New(variant.Config{
		Store:   st,
		Encoder: enc,
		Policy:  bandwidth.NewHolder(policy),
		Metrics: rec,
		Logger:  logger,
		Workers: 2,
	})
	require.NoError(t, err)

	builder, err := responsive.New(gen, nil, responsive.Options{
		Widths:    []int{320, 640},
		URLPrefix: "http://img.test/optimized/",
	}, logger)
	require.NoError(t, err)

	ctrl := edge.New(edge.Config{}, nil, gen, rec, logger)
	ctrl.Init(context.Background())
	t.Cleanup(ctrl.Close)

	mon, err := monitor.New(monitor.Config{Metrics: rec, Logger: logger})
	require.NoError(t, err)

	h, err := New(Config{
		Generator:      gen,
		Fetcher:        fetch.New(origin.Client(), 5*time.Second, 0),
		Responsive:     builder,
		Edge:           ctrl,
		Monitor:        mon,
		Prober:         enc,
		Metrics:        rec,
		Logger:         logger,
		BaseURL:        "http://img.test/",
		Production:     opts.production,
		MaxUploadBytes: opts.maxUpload,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(server.NewRouter(h, server.RouterOptions{Metrics: rec.Handler(), Logger: logger}))
	t.Cleanup(srv.Close)

	return &harness{
		expect: httpexpect.WithConfig(httpexpect.Config{
			BaseURL:  srv.URL,
			Reporter: httpexpect.NewRequireReporter(t),
			Client:   srv.Client(),
		}),
		gen:     gen,
		metrics: rec,
		source:  origin.URL + "/photo.jpg",
		photo:   photo,
	}
}

func TestOptimizeResizesAndCaches(t *testing.T) {
	h := newHarness(t, options{})

	first := h.expect.GET("/optimize").
		WithQuery("url", h.source).
		WithQuery("w", 800).
		WithQuery("f", "webp").
		Expect()
	first.Status(http.StatusOK)
	first.Header("Content-Type").IsEqual("image/webp")
	first.Header("Cache-Control").IsEqual(CacheImmutable)
	first.Header("X-Cache").IsEqual("MISS")
	first.Header("X-Processing-Time").NotEmpty()
	first.Header("Last-Modified").NotEmpty()
	width, err := strconv.Atoi(first.Header("X-Image-Width").Raw())
	require.NoError(t, err)
	require.LessOrEqual(t, width, 800)
	body := first.Body().Raw()
	require.Less(t, len(body), len(h.photo))

	etag := first.Header("ETag").Raw()
	require.Len(t, etag, 66)

	second := h.expect.GET("/optimize").
		WithQuery("url", h.source).
		WithQuery("w", 800).
		WithQuery("f", "webp").
		Expect()
	second.Status(http.StatusOK)
	second.Header("X-Cache").IsEqual("HIT")
	second.Header("ETag").IsEqual(etag)
	require.Equal(t, body, second.Body().Raw())

	snap := h.metrics.Local().Snapshot()
	require.Equal(t, int64(2), snap.Requests)
	require.Equal(t, int64(1), snap.Hits)
}

func TestOptimizeRejectsBadInput(t *testing.T) {
	h := newHarness(t, options{})

	missing := h.expect.GET("/optimize").Expect()
	missing.Status(http.StatusBadRequest)
	missing.Header("Cache-Control").IsEqual(CacheNoStore)
	errObj := missing.JSON().Object().Value("error").Object()
	errObj.Value("code").String().IsEqual("INVALID_REQUEST")
	errObj.Value("message").String().Contains("url parameter required")

	garbage := h.expect.GET("/optimize").
		WithQuery("url", h.source).
		WithQuery("f", "unknown-garbage").
		Expect()
	garbage.Status(http.StatusBadRequest)
	garbage.JSON().Object().Value("error").Object().Value("code").String().IsEqual("INVALID_REQUEST")

	h.expect.GET("/optimize").
		WithQuery("url", h.source).
		WithQuery("w", "wide").
		Expect().
		Status(http.StatusBadRequest)

	stats, err := h.gen.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Entries)
}

func TestOptimizeUpstreamFailureHidesDetailInProduction(t *testing.T) {
	h := newHarness(t, options{production: true})

	resp := h.expect.GET("/optimize").
		WithQuery("url", strings.Replace(h.source, "photo.jpg", "missing.jpg", 1)).
		Expect()
	resp.Status(http.StatusInternalServerError)
	errObj := resp.JSON().Object().Value("error").Object()
	errObj.Value("code").String().IsEqual("UPSTREAM_FETCH_FAILURE")
	errObj.Value("message").String().IsEqual("upstream fetch failure")
	errObj.Value("retryable").Boolean().IsTrue()
	errObj.NotContainsKey("detail")
}

func TestOptimizeExposesDetailOutsideProduction(t *testing.T) {
	h := newHarness(t, options{})

	resp := h.expect.GET("/optimize").
		WithQuery("url", strings.Replace(h.source, "photo.jpg", "missing.jpg", 1)).
		Expect()
	resp.Status(http.StatusInternalServerError)
	resp.JSON().Object().Value("error").Object().Value("detail").String().Contains("fetch.source")
}

func TestOptimizeConstrainedRegionIsClamped(t *testing.T) {
	policy := bandwidth.DefaultPolicy()
	policy.Enabled = true
	h := newHarness(t, options{policy: policy})

	resp := h.expect.GET("/optimize").
		WithQuery("url", h.source).
		WithQuery("q", 95).
		WithQuery("f", "jpeg").
		WithHeader("CF-IPCountry", "ng").
		Expect()
	resp.Status(http.StatusOK)
	width, err := strconv.Atoi(resp.Header("X-Image-Width").Raw())
	require.NoError(t, err)
	height, err := strconv.Atoi(resp.Header("X-Image-Height").Raw())
	require.NoError(t, err)
	require.LessOrEqual(t, width, 1600)
	require.LessOrEqual(t, height, 1200)

	snap := h.metrics.Local().Snapshot()
	require.Equal(t, int64(1), snap.Regions["NG"])
}

func TestOptimizedServesByKey(t *testing.T) {
	h := newHarness(t, options{})

	etag := h.expect.GET("/optimize").
		WithQuery("url", h.source).
		WithQuery("w", 320).
		WithQuery("f", "png").
		Expect().
		Status(http.StatusOK).
		Header("ETag").Raw()
	key := strings.Trim(etag, `"`)

	hit := h.expect.GET("/optimized/" + key).Expect()
	hit.Status(http.StatusOK)
	hit.Header("X-Cache").IsEqual("HIT")
	hit.Header("Cache-Control").IsEqual(CacheImmutable)
	hit.Header("Content-Type").IsEqual("image/png")

	h.expect.GET("/api/images/optimized/"+key).
		WithHeader("If-None-Match", etag).
		Expect().
		Status(http.StatusNotModified).
		Body().IsEmpty()

	head := h.expect.HEAD("/optimized/" + key).Expect()
	head.Status(http.StatusOK)
	head.Body().IsEmpty()

	h.expect.GET("/optimized/" + strings.Repeat("a", 64)).
		Expect().
		Status(http.StatusNotFound).
		JSON().Object().Value("error").Object().Value("code").String().IsEqual("NOT_FOUND")
}

func TestUploadComputesVariants(t *testing.T) {
	h := newHarness(t, options{})
	small := photoJPEG(t, 400, 300)

	single := h.expect.POST("/upload").
		WithMultipart().
		WithFileBytes("image", "photo.jpg", small).
		WithFormField("options", `{"width":200,"format":"jpeg","quality":70}`).
		Expect()
	single.Status(http.StatusCreated)
	obj := single.JSON().Object()
	key := obj.Value("cacheKey").String().Raw()
	obj.Value("url").String().IsEqual("http://img.test/optimized/" + key)
	meta := obj.Value("metadata").Object()
	meta.Value("format").String().IsEqual("jpeg")
	meta.Value("width").Number().IsEqual(200)
	meta.Value("quality").Number().IsEqual(70)

	h.expect.GET("/optimized/" + key).Expect().Status(http.StatusOK)

	list := h.expect.POST("/api/images/upload").
		WithMultipart().
		WithFileBytes("image", "photo.jpg", small).
		WithFormField("options", `[{"width":100,"format":"png"},{"width":150,"format":"jpeg"}]`).
		Expect()
	list.Status(http.StatusCreated)
	list.JSON().Array().Length().IsEqual(2)

	fallback := h.expect.POST("/upload").
		WithMultipart().
		WithFileBytes("image", "photo.jpg", small).
		WithFormField("w", "120").
		WithFormField("f", "jpeg").
		Expect()
	fallback.Status(http.StatusCreated)
	fallback.JSON().Object().Value("metadata").Object().Value("width").Number().IsEqual(120)
}

func TestUploadRejections(t *testing.T) {
	h := newHarness(t, options{maxUpload: 1024})

	h.expect.POST("/upload").
		WithMultipart().
		WithFileBytes("image", "notes.txt", []byte("plain text, not an image")).
		Expect().
		Status(http.StatusUnsupportedMediaType).
		JSON().Object().Value("error").Object().Value("code").String().IsEqual("UNSUPPORTED_FORMAT")

	h.expect.POST("/upload").
		WithMultipart().
		WithFileBytes("image", "photo.jpg", h.photo).
		Expect().
		Status(http.StatusRequestEntityTooLarge).
		JSON().Object().Value("error").Object().Value("code").String().IsEqual("PAYLOAD_TOO_LARGE")

	h.expect.POST("/upload").
		WithMultipart().
		WithFormField("options", `{}`).
		Expect().
		Status(http.StatusBadRequest)
}

func TestPurge(t *testing.T) {
	h := newHarness(t, options{})

	h.expect.POST("/purge").WithJSON(map[string]any{}).
		Expect().
		Status(http.StatusBadRequest)
	h.expect.POST("/purge").
		Expect().
		Status(http.StatusBadRequest)

	h.expect.GET("/optimize").WithQuery("url", h.source).WithQuery("w", 100).WithQuery("f", "jpeg").
		Expect().Status(http.StatusOK)

	first := h.expect.POST("/purge").WithJSON(map[string]any{"urls": []string{h.source}}).Expect()
	first.Status(http.StatusOK)
	obj := first.JSON().Object()
	obj.Value("scope").String().IsEqual("urls")
	obj.Value("removed").Number().IsEqual(1)
	obj.Value("edge").String().IsEqual(edge.OutcomeSkipped)

	h.expect.POST("/purge").WithJSON(map[string]any{"urls": []string{h.source}}).
		Expect().
		Status(http.StatusOK).
		JSON().Object().Value("removed").Number().IsEqual(0)

	h.expect.POST("/api/images/purge").WithJSON(map[string]any{"purgeAll": true}).
		Expect().
		Status(http.StatusOK).
		JSON().Object().Value("scope").String().IsEqual("all")
}

func TestHealth(t *testing.T) {
	h := newHarness(t, options{})

	resp := h.expect.GET("/health").Expect()
	resp.Status(http.StatusOK)
	resp.Header("Cache-Control").IsEqual(CacheAPI)
	obj := resp.JSON().Object()
	obj.Value("status").String().IsEqual("healthy")
	obj.Value("encode").Object().Value("ok").Boolean().IsTrue()
	obj.Value("cacheHitRatio").Number().IsEqual(1)
	obj.Value("cache").Object().Value("entries").Number().IsEqual(0)
	obj.Value("edge").String().IsEqual("degraded")

	// a single cold miss drops the ratio to zero
	h.expect.GET("/optimize").WithQuery("url", h.source).WithQuery("w", 64).WithQuery("f", "jpeg").
		Expect().Status(http.StatusOK)
	h.expect.GET("/healthz").Expect().
		Status(http.StatusOK).
		JSON().Object().Value("status").String().IsEqual("degraded")
}

func TestAnalyticsAndPerformance(t *testing.T) {
	h := newHarness(t, options{})

	h.expect.GET("/analytics").WithQuery("start", "yesterday").
		Expect().
		Status(http.StatusBadRequest)
	h.expect.GET("/analytics").
		WithQuery("start", "2026-01-02T00:00:00Z").
		WithQuery("end", "2026-01-01T00:00:00Z").
		Expect().
		Status(http.StatusBadRequest)

	sample := h.expect.GET("/analytics").
		WithQuery("start", "2026-01-01T00:00:00Z").
		WithQuery("end", "2026-01-02T00:00:00Z").
		Expect()
	sample.Status(http.StatusOK)
	obj := sample.JSON().Object()
	obj.Value("source").String().IsEqual(edge.SourceLocal)
	obj.Value("edgeState").String().IsEqual("degraded")
	obj.ContainsKey("cacheHitRatio")

	perf := h.expect.GET("/performance").Expect()
	perf.Status(http.StatusOK)
	perfObj := perf.JSON().Object()
	perfObj.Value("series").Array().IsEmpty()
	perfObj.Value("alerts").Array().IsEmpty()
	perfObj.Value("rules").Object().Value("trigger").String().IsEqual(monitor.DefaultTriggerRule)
}

func TestRegionalCaching(t *testing.T) {
	h := newHarness(t, options{})

	resp := h.expect.POST("/edge/regional-caching").
		WithJSON(map[string]any{"regions": []string{"ng", "ke"}}).
		Expect()
	resp.Status(http.StatusOK)
	obj := resp.JSON().Object()
	obj.Value("regions").Array().IsEqual([]string{"KE", "NG"})
	obj.Value("edge").String().IsEqual(edge.OutcomeSkipped)
	obj.Value("policy").Object().Value("cacheLevel").String().IsEqual("aggressive")

	h.expect.POST("/edge/regional-caching").
		WithJSON(map[string]any{"regions": []string{"Kenya"}}).
		Expect().
		Status(http.StatusBadRequest)
}

func TestUnknownRouteAndMetrics(t *testing.T) {
	h := newHarness(t, options{})

	h.expect.GET("/nope").Expect().
		Status(http.StatusNotFound).
		JSON().Object().Value("error").Object().Value("code").String().IsEqual("NOT_FOUND")
	h.expect.DELETE("/upload").Expect().
		Status(http.StatusMethodNotAllowed)

	h.expect.GET("/metrics").Expect().
		Status(http.StatusOK).
		Body().Contains("edgepix_http_requests_total")
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
