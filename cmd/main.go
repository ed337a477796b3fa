package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/edgepix/internal/bandwidth"
	"github.com/l0p7/edgepix/internal/cleanup"
	"github.com/l0p7/edgepix/internal/codec"
	"github.com/l0p7/edgepix/internal/config"
	"github.com/l0p7/edgepix/internal/edge"
	"github.com/l0p7/edgepix/internal/fetch"
	"github.com/l0p7/edgepix/internal/httpapi"
	"github.com/l0p7/edgepix/internal/logging"
	"github.com/l0p7/edgepix/internal/metrics"
	"github.com/l0p7/edgepix/internal/monitor"
	"github.com/l0p7/edgepix/internal/responsive"
	"github.com/l0p7/edgepix/internal/server"
	"github.com/l0p7/edgepix/internal/store"
	"github.com/l0p7/edgepix/internal/templates"
	"github.com/l0p7/edgepix/internal/variant"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "EDGEPIX", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("unable to assemble pipeline", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		a.close(shutdownCtx)
	}()
	stopBackground := a.start(ctx)
	defer stopBackground()

	if *configFile != "" {
		watchLogger := logger.With(slog.String("agent", "config_watch"))
		watcher, err := loader.Watch(ctx, a.apply, func(err error) {
			watchLogger.Error("config reload failed", slog.Any("error", err))
		})
		if err != nil {
			watchLogger.Error("config watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	srv, err := server.New(cfg, logger, a.handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// app holds the assembled pipeline and its background tasks.
type app struct {
	handler  http.Handler
	store    store.Store
	gen      *variant.Generator
	policy   *bandwidth.Holder
	edge     *edge.Controller
	monitor  *monitor.Monitor
	janitor  *cleanup.Janitor
	metrics  *metrics.Recorder
	logger   *slog.Logger
	regions  []string
	interval time.Duration
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	lifecycle := logger.With(slog.String("agent", "lifecycle"))
	rec := metrics.NewRecorder(prometheus.NewRegistry())
	st := buildStore(logger.With(slog.String("agent", "cache_factory")), cfg.Cache)
	policy := bandwidth.NewHolder(bandwidthPolicy(cfg.Images))
	enc := codec.New(codec.DefaultOptions())

	var overlays variant.OverlayLoader
	if folder := strings.TrimSpace(cfg.Images.WatermarkFolder); folder != "" {
		sandbox, err := templates.NewSandbox(folder)
		if err != nil {
			lifecycle.Warn("watermark folder unavailable", slog.String("folder", folder), slog.Any("error", err))
		} else {
			overlays = variant.NewSandboxOverlays(sandbox)
		}
	}

	gen, err := variant.New(variant.Config{
		Store:    st,
		Encoder:  enc,
		Policy:   policy,
		Overlays: overlays,
		Metrics:  rec,
		Logger:   logger,
		Workers:  cfg.Images.Workers,
		TTL:      cfg.Cache.TTL(),
	})
	if err != nil {
		_ = st.Close(ctx)
		return nil, err
	}

	var renderer *templates.Renderer
	picture := ""
	if folder := strings.TrimSpace(cfg.Server.Templates.Folder); folder != "" {
		sandbox, err := templates.NewSandbox(folder)
		if err != nil {
			lifecycle.Warn("template sandbox setup failed", slog.String("templates_folder", folder), slog.Any("error", err))
		} else {
			renderer = templates.NewRenderer(sandbox)
			picture = strings.TrimSpace(cfg.Server.Templates.Picture)
		}
	}
	builder, err := responsive.New(gen, renderer, responsive.Options{
		Widths:       cfg.Images.Widths,
		URLPrefix:    strings.TrimSuffix(cfg.Images.BaseURL, "/") + "/optimized/",
		TemplateFile: picture,
	}, logger)
	if err != nil {
		_ = st.Close(ctx)
		return nil, err
	}

	ctrl := edge.New(edge.Config{
		Enabled: cfg.Edge.Enabled,
		Credentials: edge.Credentials{
			ZoneID:   cfg.Edge.ZoneID,
			APIToken: cfg.Edge.APIToken,
			Email:    cfg.Edge.Email,
			APIKey:   cfg.Edge.APIKey,
		},
		BaseURL:           cfg.Edge.APIBaseURL,
		Timeout:           cfg.Edge.Timeout(),
		MaxAttempts:       cfg.Edge.MaxAttempts,
		RequestsPerSecond: cfg.Edge.RequestsPerSecond,
		AnalyticsTTL:      cfg.Edge.AnalyticsTTL(),
	}, &http.Client{}, gen, rec, logger)
	state := ctrl.Init(ctx)
	lifecycle.Info("edge integration settled", slog.String("state", state.String()))

	mon, err := monitor.New(monitor.Config{
		Interval:     cfg.Monitor.Interval(),
		Retention:    cfg.Monitor.Retention(),
		AlertLogSize: cfg.Monitor.AlertLogSize,
		Rules:        monitorRules(cfg.Monitor),
		Remote:       ctrl,
		Metrics:      rec,
		Logger:       logger,
	})
	if err != nil {
		ctrl.Close()
		_ = st.Close(ctx)
		return nil, err
	}

	handler, err := httpapi.New(httpapi.Config{
		Generator:      gen,
		Fetcher:        fetch.New(&http.Client{}, cfg.Images.FetchTimeout(), cfg.Images.MaxSourceBytes),
		Responsive:     builder,
		Edge:           ctrl,
		Monitor:        mon,
		Prober:         enc,
		Metrics:        rec,
		Logger:         logger,
		BaseURL:        cfg.Images.BaseURL,
		Production:     cfg.Server.Production(),
		MaxUploadBytes: cfg.Images.MaxUploadBytes,
	})
	if err != nil {
		ctrl.Close()
		_ = st.Close(ctx)
		return nil, err
	}

	return &app{
		handler: server.NewRouter(handler, server.RouterOptions{
			Metrics:           rec.Handler(),
			Logger:            logger,
			CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		}),
		store:    st,
		gen:      gen,
		policy:   policy,
		edge:     ctrl,
		monitor:  mon,
		janitor:  cleanup.New(gen, st, cfg.Cache.CleanupInterval(), cfg.Cache.TTL(), logger),
		metrics:  rec,
		logger:   lifecycle,
		regions:  slices.Clone(cfg.Edge.Regions),
		interval: cfg.Monitor.Interval(),
	}, nil
}

// start launches the monitor and cleanup loops and, when the edge is
// Active, applies the configured regional cache rule.
func (a *app) start(ctx context.Context) func() {
	if a.edge.State() == edge.StateActive && len(a.regions) > 0 {
		if _, err := a.edge.ConfigureRegionalCaching(ctx, a.regions, edge.DefaultRegionalPolicy()); err != nil {
			a.logger.Warn("regional caching not applied", slog.Any("error", err))
		}
	}
	stopMonitor := a.monitor.Start(ctx)
	stopJanitor := a.janitor.Start(ctx)
	a.logger.Info("background tasks started", slog.Duration("monitor_interval", a.interval))
	return func() {
		stopMonitor()
		stopJanitor()
	}
}

// apply swaps in the hot-reloadable parts of a new snapshot.
func (a *app) apply(cfg config.Config) {
	a.policy.Store(bandwidthPolicy(cfg.Images))
	if err := a.monitor.SetRules(monitorRules(cfg.Monitor)); err != nil {
		a.logger.Error("alert rules rejected, keeping previous rules", slog.Any("error", err))
	}
	a.logger.Info("configuration reloaded",
		slog.Bool("bandwidth_mode", cfg.Images.BandwidthMode),
		slog.Int("default_quality", cfg.Images.DefaultQuality),
	)
}

func (a *app) close(ctx context.Context) {
	a.edge.Close()
	if err := a.store.Close(ctx); err != nil {
		a.logger.Error("cache shutdown failed", slog.Any("error", err))
	}
}

func bandwidthPolicy(cfg config.ImagesConfig) bandwidth.Policy {
	p := bandwidth.DefaultPolicy()
	p.Enabled = cfg.BandwidthMode
	if len(cfg.ConstrainedRegions) > 0 {
		p.ConstrainedRegions = slices.Clone(cfg.ConstrainedRegions)
	}
	if cfg.DefaultQuality > 0 {
		p.DefaultQuality = cfg.DefaultQuality
	}
	p.RegionQuality = maps.Clone(cfg.RegionQuality)
	return p
}

func monitorRules(cfg config.MonitorConfig) monitor.Rules {
	return monitor.Rules{
		Trigger:  strings.TrimSpace(cfg.Rules.Trigger),
		Critical: strings.TrimSpace(cfg.Rules.Critical),
	}
}

func buildStore(logger *slog.Logger, cfg config.CacheConfig) store.Store {
	ttl := cfg.TTL()
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory variant cache", slog.Duration("ttl", ttl), slog.Int("max_entries", cfg.MaxEntries))
		return store.NewMemory(cfg.MaxEntries, ttl)
	case "redis":
		redisStore, err := store.NewRedis(store.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: store.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return store.NewMemory(cfg.MaxEntries, ttl)
		}
		logger.Info("using redis variant cache", slog.String("address", cfg.Redis.Address))
		return redisStore
	case "disk":
		diskStore, err := store.NewDisk(cfg.Disk.Path, logger)
		if err != nil {
			logger.Error("disk cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return store.NewMemory(cfg.MaxEntries, ttl)
		}
		logger.Info("using disk variant cache", slog.String("path", cfg.Disk.Path))
		return diskStore
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return store.NewMemory(cfg.MaxEntries, ttl)
	}
}
