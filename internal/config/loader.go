package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Files lists the configuration documents the loader reads.
func (l *Loader) Files() []string {
	out := make([]string, 0, len(l.files))
	for _, f := range l.files {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Load assembles the effective snapshot so the lifecycle agent can make decisions using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaults := structToMap(DefaultConfig())
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.Files() {
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := canonicalKeys(defaults)
		transform := func(s string) string {
			// Double underscores signal a nested path (EDGEPIX_SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			key = strings.ReplaceAll(key, "_", "")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			if region, ok := strings.CutPrefix(lower, "images.regionquality."); ok {
				return "images.regionQuality." + strings.ToUpper(region)
			}
			return lower
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.Cache.Backend = strings.ToLower(strings.TrimSpace(cfg.Cache.Backend))
	for i, r := range cfg.Images.ConstrainedRegions {
		cfg.Images.ConstrainedRegions[i] = strings.ToUpper(strings.TrimSpace(r))
	}
	for i, r := range cfg.Edge.Regions {
		cfg.Edge.Regions[i] = strings.ToUpper(strings.TrimSpace(r))
	}
	if len(cfg.Images.RegionQuality) > 0 {
		upper := make(map[string]int, len(cfg.Images.RegionQuality))
		for r, q := range cfg.Images.RegionQuality {
			upper[strings.ToUpper(strings.TrimSpace(r))] = q
		}
		cfg.Images.RegionQuality = upper
	}
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported config file extension %s", ext)
	}
}

// canonicalKeys maps lower-cased dotted paths back to their camelCase form
// so environment overrides land on the same keys as files.
func canonicalKeys(tree map[string]any) map[string]string {
	out := map[string]string{}
	var walk func(prefix string, node map[string]any)
	walk = func(prefix string, node map[string]any) {
		for key, value := range node {
			path := key
			if prefix != "" {
				path = prefix + "." + key
			}
			out[strings.ToLower(path)] = path
			if child, ok := value.(map[string]any); ok {
				walk(path, child)
			}
		}
	}
	walk("", tree)
	return out
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	regionQuality := make(map[string]any, len(cfg.Images.RegionQuality))
	for region, q := range cfg.Images.RegionQuality {
		regionQuality[region] = q
	}
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"environment": cfg.Server.Environment,
			"templates": map[string]any{
				"folder":  cfg.Server.Templates.Folder,
				"picture": cfg.Server.Templates.Picture,
			},
		},
		"cache": map[string]any{
			"backend":                cfg.Cache.Backend,
			"ttlSeconds":             cfg.Cache.TTLSeconds,
			"maxEntries":             cfg.Cache.MaxEntries,
			"cleanupIntervalSeconds": cfg.Cache.CleanupIntervalSeconds,
			"redis": map[string]any{
				"address":  cfg.Cache.Redis.Address,
				"username": cfg.Cache.Redis.Username,
				"password": cfg.Cache.Redis.Password,
				"db":       cfg.Cache.Redis.DB,
				"tls": map[string]any{
					"enabled": cfg.Cache.Redis.TLS.Enabled,
					"caFile":  cfg.Cache.Redis.TLS.CAFile,
				},
			},
			"disk": map[string]any{
				"path": cfg.Cache.Disk.Path,
			},
		},
		"images": map[string]any{
			"baseURL":             cfg.Images.BaseURL,
			"bandwidthMode":       cfg.Images.BandwidthMode,
			"constrainedRegions":  cfg.Images.ConstrainedRegions,
			"defaultQuality":      cfg.Images.DefaultQuality,
			"regionQuality":       regionQuality,
			"maxUploadBytes":      cfg.Images.MaxUploadBytes,
			"maxSourceBytes":      cfg.Images.MaxSourceBytes,
			"fetchTimeoutSeconds": cfg.Images.FetchTimeoutSeconds,
			"workers":             cfg.Images.Workers,
			"widths":              cfg.Images.Widths,
			"watermarkFolder":     cfg.Images.WatermarkFolder,
		},
		"edge": map[string]any{
			"enabled":             cfg.Edge.Enabled,
			"zoneId":              cfg.Edge.ZoneID,
			"apiToken":            cfg.Edge.APIToken,
			"email":               cfg.Edge.Email,
			"apiKey":              cfg.Edge.APIKey,
			"apiBaseURL":          cfg.Edge.APIBaseURL,
			"timeoutSeconds":      cfg.Edge.TimeoutSeconds,
			"maxAttempts":         cfg.Edge.MaxAttempts,
			"requestsPerSecond":   cfg.Edge.RequestsPerSecond,
			"regions":             cfg.Edge.Regions,
			"analyticsTTLSeconds": cfg.Edge.AnalyticsTTLSeconds,
		},
		"monitor": map[string]any{
			"intervalSeconds": cfg.Monitor.IntervalSeconds,
			"retentionHours":  cfg.Monitor.RetentionHours,
			"alertLogSize":    cfg.Monitor.AlertLogSize,
			"rules": map[string]any{
				"trigger":  cfg.Monitor.Rules.Trigger,
				"critical": cfg.Monitor.Rules.Critical,
			},
		},
	}
}
