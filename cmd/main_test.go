package main

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
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/edgepix/internal/bandwidth"
	"github.com/l0p7/edgepix/internal/config"
	"github.com/l0p7/edgepix/internal/edge"
	"github.com/l0p7/edgepix/internal/monitor"
	"github.com/l0p7/edgepix/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestBuildStore(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(t *testing.T) config.CacheConfig
	}{
		{
			name: "defaults to memory",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{TTLSeconds: 60, MaxEntries: 10}
			},
		},
		{
			name: "constructs redis store",
			cfg: func(t *testing.T) config.CacheConfig {
				server, err := miniredis.Run()
				if err != nil {
					if strings.Contains(err.Error(), "operation not permitted") {
						t.Skip("miniredis unavailable in sandbox")
					}
					require.NoError(t, err)
				}
				t.Cleanup(server.Close)
				return config.CacheConfig{
					Backend:    "redis",
					TTLSeconds: 60,
					Redis:      config.RedisCacheConfig{Address: server.Addr()},
				}
			},
		},
		{
			name: "constructs disk store",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{Backend: "disk", TTLSeconds: 60, Disk: config.DiskCacheConfig{Path: t.TempDir()}}
			},
		},
		{
			name: "falls back to memory when redis is unreachable",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{
					Backend:    "redis",
					TTLSeconds: 60,
					Redis:      config.RedisCacheConfig{Address: "127.0.0.1:1"},
				}
			},
		},
		{
			name: "unknown backend uses memory",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{Backend: "memcached", TTLSeconds: 60}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := buildStore(newTestLogger(), tc.cfg(t))
			require.NotNil(t, st)
			t.Cleanup(func() {
				require.NoError(t, st.Close(context.Background()))
			})

			ctx := context.Background()
			entry := store.Entry{Data: []byte("variant"), Meta: map[string]string{"format": "webp"}, StoredAt: time.Now().UTC()}
			require.NoError(t, st.Put(ctx, "img:v:test", entry, time.Minute))
			got, ok, err := st.Get(ctx, "img:v:test")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, entry.Data, got.Data)
		})
	}
}

func TestBandwidthPolicyFromConfig(t *testing.T) {
	cfg := config.DefaultConfig().Images
	cfg.DefaultQuality = 70
	cfg.ConstrainedRegions = []string{"KE"}
	cfg.RegionQuality = map[string]int{"KE": 60}

	p := bandwidthPolicy(cfg)
	require.True(t, p.Enabled)
	require.Equal(t, 70, p.DefaultQuality)
	require.Equal(t, bandwidth.ClassConstrained, p.Classify("ke").Class)
	require.Equal(t, bandwidth.ClassDefault, p.Classify("NG").Class)

	cfg.RegionQuality["KE"] = 10
	require.Equal(t, 60, p.RegionQuality["KE"], "policy must not alias the config map")
}

func photoJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func testConfig(t *testing.T) config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Environment = "development"
	cfg.Server.Templates.Folder = ""
	cfg.Images.WatermarkFolder = ""
	cfg.Images.BaseURL = "http://img.test"
	cfg.Images.Workers = 2
	cfg.Cache.MaxEntries = 100
	return cfg
}

func TestAppServesWithoutEdgeCredentials(t *testing.T) {
	photo := photoJPEG(t, 640, 480)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(photo)
	}))
	t.Cleanup(origin.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, testConfig(t), newTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { a.close(context.Background()) })
	stop := a.start(ctx)
	t.Cleanup(stop)

	require.Equal(t, edge.StateDegraded, a.edge.State())

	srv := httptest.NewServer(a.handler)
	t.Cleanup(srv.Close)
	e := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  srv.URL,
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   srv.Client(),
	})

	resp := e.GET("/optimize").
		WithQuery("url", origin.URL+"/photo.jpg").
		WithQuery("w", 320).
		WithQuery("f", "jpeg").
		WithHeader("X-Request-ID", "req-42").
		Expect()
	resp.Status(http.StatusOK)
	resp.Header("Content-Type").IsEqual("image/jpeg")
	resp.Header("X-Request-ID").IsEqual("req-42")

	e.POST("/purge").WithJSON(map[string]any{"purgeAll": true}).
		Expect().
		Status(http.StatusOK).
		JSON().Object().Value("edge").String().IsEqual(edge.OutcomeSkipped)

	e.POST("/edge/regional-caching").WithJSON(map[string]any{"regions": []string{"NG"}}).
		Expect().
		Status(http.StatusOK)

	e.GET("/health").Expect().Status(http.StatusOK)

	report, err := a.janitor.Run(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Removed)
}

func TestAppApplyReloadsPolicyAndRules(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, testConfig(t), newTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { a.close(context.Background()) })

	next := testConfig(t)
	next.Images.BandwidthMode = false
	next.Images.DefaultQuality = 65
	next.Monitor.Rules.Trigger = "sample.responseTimeMs > 900.0"
	a.apply(next)

	require.False(t, a.gen.Policy().Enabled)
	require.Equal(t, 65, a.gen.Policy().DefaultQuality)
	require.Equal(t, "sample.responseTimeMs > 900.0", a.monitor.Rules().Trigger)

	broken := testConfig(t)
	broken.Monitor.Rules.Trigger = "sample.responseTimeMs >"
	a.apply(broken)
	require.Equal(t, "sample.responseTimeMs > 900.0", a.monitor.Rules().Trigger)
	require.True(t, a.gen.Policy().Enabled, "policy still applies when rules are rejected")
}

func TestMonitorRulesTrimmed(t *testing.T) {
	rules := monitorRules(config.MonitorConfig{Rules: config.AlertConfig{Trigger: "  a  ", Critical: ""}})
	require.Equal(t, monitor.Rules{Trigger: "a"}, rules)
}
