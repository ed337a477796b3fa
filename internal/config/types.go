package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every option the service reads at startup or on reload.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Cache   CacheConfig   `koanf:"cache"`
	Images  ImagesConfig  `koanf:"images"`
	Edge    EdgeConfig    `koanf:"edge"`
	Monitor MonitorConfig `koanf:"monitor"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen      ListenConfig    `koanf:"listen"`
	Logging     LoggingConfig   `koanf:"logging"`
	Environment string          `koanf:"environment"`
	Templates   TemplatesConfig `koanf:"templates"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// TemplatesConfig is the sandbox root for markup overrides.
type TemplatesConfig struct {
	Folder string `koanf:"folder"`
	// Picture names a template inside Folder that replaces the default
	// <picture> markup.
	Picture string `koanf:"picture"`
}

// CacheConfig selects and tunes the variant store.
type CacheConfig struct {
	Backend                string           `koanf:"backend"`
	TTLSeconds             int              `koanf:"ttlSeconds"`
	MaxEntries             int              `koanf:"maxEntries"`
	CleanupIntervalSeconds int              `koanf:"cleanupIntervalSeconds"`
	Redis                  RedisCacheConfig `koanf:"redis"`
	Disk                   DiskCacheConfig  `koanf:"disk"`
}

type RedisCacheConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// DiskCacheConfig points the embedded store at a directory. Empty keeps it
// in memory.
type DiskCacheConfig struct {
	Path string `koanf:"path"`
}

// ImagesConfig drives fetching, encoding and bandwidth policy.
type ImagesConfig struct {
	BaseURL             string         `koanf:"baseURL"`
	BandwidthMode       bool           `koanf:"bandwidthMode"`
	ConstrainedRegions  []string       `koanf:"constrainedRegions"`
	DefaultQuality      int            `koanf:"defaultQuality"`
	RegionQuality       map[string]int `koanf:"regionQuality"`
	MaxUploadBytes      int64          `koanf:"maxUploadBytes"`
	MaxSourceBytes      int64          `koanf:"maxSourceBytes"`
	FetchTimeoutSeconds int            `koanf:"fetchTimeoutSeconds"`
	Workers             int            `koanf:"workers"`
	Widths              []int          `koanf:"widths"`
	WatermarkFolder     string         `koanf:"watermarkFolder"`
}

// EdgeConfig holds the CDN credentials and call budget.
type EdgeConfig struct {
	Enabled             bool     `koanf:"enabled"`
	ZoneID              string   `koanf:"zoneId"`
	APIToken            string   `koanf:"apiToken"`
	Email               string   `koanf:"email"`
	APIKey              string   `koanf:"apiKey"`
	APIBaseURL          string   `koanf:"apiBaseURL"`
	TimeoutSeconds      int      `koanf:"timeoutSeconds"`
	MaxAttempts         int      `koanf:"maxAttempts"`
	RequestsPerSecond   float64  `koanf:"requestsPerSecond"`
	Regions             []string `koanf:"regions"`
	AnalyticsTTLSeconds int      `koanf:"analyticsTTLSeconds"`
}

// MonitorConfig tunes the performance monitor.
type MonitorConfig struct {
	IntervalSeconds int         `koanf:"intervalSeconds"`
	RetentionHours  int         `koanf:"retentionHours"`
	AlertLogSize    int         `koanf:"alertLogSize"`
	Rules           AlertConfig `koanf:"rules"`
}

// AlertConfig carries the CEL alert expressions.
type AlertConfig struct {
	Trigger  string `koanf:"trigger"`
	Critical string `koanf:"critical"`
}

// Production reports whether error detail must be hidden from clients.
func (s ServerConfig) Production() bool {
	return strings.EqualFold(strings.TrimSpace(s.Environment), "production")
}

// TTL is the variant lifetime.
func (c CacheConfig) TTL() time.Duration { return time.Duration(c.TTLSeconds) * time.Second }

// CleanupInterval is the sweep period; zero disables the job.
func (c CacheConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

func (c ImagesConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

func (c EdgeConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSeconds) * time.Second }

func (c EdgeConfig) AnalyticsTTL() time.Duration {
	return time.Duration(c.AnalyticsTTLSeconds) * time.Second
}

func (c MonitorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c MonitorConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("config: cache.ttlSeconds invalid: %d", c.Cache.TTLSeconds)
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("config: cache.maxEntries invalid: %d", c.Cache.MaxEntries)
	}
	if c.Cache.CleanupIntervalSeconds < 0 {
		return fmt.Errorf("config: cache.cleanupIntervalSeconds invalid: %d", c.Cache.CleanupIntervalSeconds)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Cache.Backend))
	switch backend {
	case "", "memory", "disk":
	case "redis":
		if strings.TrimSpace(c.Cache.Redis.Address) == "" {
			return errors.New("config: cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: cache.backend unsupported: %s", c.Cache.Backend)
	}
	if err := validateQuality("images.defaultQuality", c.Images.DefaultQuality); err != nil {
		return err
	}
	for region, q := range c.Images.RegionQuality {
		if len(strings.TrimSpace(region)) != 2 {
			return fmt.Errorf("config: images.regionQuality key %q is not a country code", region)
		}
		if err := validateQuality("images.regionQuality."+region, q); err != nil {
			return err
		}
	}
	for i, region := range c.Images.ConstrainedRegions {
		if len(strings.TrimSpace(region)) != 2 {
			return fmt.Errorf("config: images.constrainedRegions[%d] %q is not a country code", i, region)
		}
	}
	if c.Images.MaxUploadBytes <= 0 {
		return fmt.Errorf("config: images.maxUploadBytes invalid: %d", c.Images.MaxUploadBytes)
	}
	if c.Images.MaxSourceBytes <= 0 {
		return fmt.Errorf("config: images.maxSourceBytes invalid: %d", c.Images.MaxSourceBytes)
	}
	if c.Images.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("config: images.fetchTimeoutSeconds invalid: %d", c.Images.FetchTimeoutSeconds)
	}
	if c.Images.Workers < 0 {
		return fmt.Errorf("config: images.workers invalid: %d", c.Images.Workers)
	}
	for i, w := range c.Images.Widths {
		if w <= 0 {
			return fmt.Errorf("config: images.widths[%d] invalid: %d", i, w)
		}
	}
	if c.Edge.TimeoutSeconds < 0 || c.Edge.MaxAttempts < 0 || c.Edge.RequestsPerSecond < 0 || c.Edge.AnalyticsTTLSeconds < 0 {
		return errors.New("config: edge timeouts, attempts and rates must not be negative")
	}
	if c.Monitor.IntervalSeconds <= 0 {
		return fmt.Errorf("config: monitor.intervalSeconds invalid: %d", c.Monitor.IntervalSeconds)
	}
	if c.Monitor.RetentionHours <= 0 {
		return fmt.Errorf("config: monitor.retentionHours invalid: %d", c.Monitor.RetentionHours)
	}
	if c.Monitor.AlertLogSize <= 0 {
		return fmt.Errorf("config: monitor.alertLogSize invalid: %d", c.Monitor.AlertLogSize)
	}
	if strings.TrimSpace(c.Monitor.Rules.Trigger) == "" {
		return errors.New("config: monitor.rules.trigger required")
	}
	return nil
}

func validateQuality(field string, q int) error {
	if q < 1 || q > 100 {
		return fmt.Errorf("config: %s must be within 1..100, got %d", field, q)
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Environment: "production",
			Templates: TemplatesConfig{
				Folder: "./templates",
			},
		},
		Cache: CacheConfig{
			Backend:                "memory",
			TTLSeconds:             604800,
			MaxEntries:             10000,
			CleanupIntervalSeconds: 86400,
		},
		Images: ImagesConfig{
			BaseURL:             "http://localhost:8080",
			BandwidthMode:       true,
			ConstrainedRegions:  []string{"NG", "KE", "ZA", "GH", "EG", "MA"},
			DefaultQuality:      80,
			RegionQuality:       map[string]int{},
			MaxUploadBytes:      10 << 20,
			MaxSourceBytes:      25 << 20,
			FetchTimeoutSeconds: 15,
			Widths:              []int{320, 640, 768, 1024, 1280, 1600, 1920},
			WatermarkFolder:     "./watermarks",
		},
		Edge: EdgeConfig{
			APIBaseURL:          "https://api.cloudflare.com/client/v4",
			TimeoutSeconds:      10,
			MaxAttempts:         3,
			RequestsPerSecond:   4,
			Regions:             []string{"NG", "KE", "ZA", "GH", "EG", "MA"},
			AnalyticsTTLSeconds: 3600,
		},
		Monitor: MonitorConfig{
			IntervalSeconds: 60,
			RetentionHours:  24,
			AlertLogSize:    100,
			Rules: AlertConfig{
				Trigger:  `sample.responseTimeMs > 2000.0 || sample.cacheHitRatio < 0.70`,
				Critical: `sample.responseTimeMs > 5000.0`,
			},
		},
	}
}
