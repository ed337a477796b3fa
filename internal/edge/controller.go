// Package edge integrates the edge CDN in front of the service. Every remote
// failure degrades to local behavior; image serving never waits on the
// provider being reachable.
package edge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"github.com/l0p7/edgepix/internal/imgerr"
	"github.com/l0p7/edgepix/internal/metrics"
)

// State is the integration lifecycle.
type State int

const (
	StateUnconfigured State = iota
	StateInitializing
	StateActive
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	default:
		return "unconfigured"
	}
}

const DefaultBaseURL = "https://api.cloudflare.com/client/v4"

// Credentials identify the zone and the account acting on it. Either an API
// token or the email/key pair is required.
type Credentials struct {
	ZoneID   string
	APIToken string
	Email    string
	APIKey   string
}

// Complete reports whether the credentials can authenticate.
func (c Credentials) Complete() bool {
	if strings.TrimSpace(c.ZoneID) == "" {
		return false
	}
	return c.APIToken != "" || (c.Email != "" && c.APIKey != "")
}

// Config tunes the controller.
type Config struct {
	Enabled bool
	Credentials
	BaseURL           string
	Timeout           time.Duration
	MaxAttempts       int
	RequestsPerSecond float64
	AnalyticsTTL      time.Duration
}

// Purger removes locally cached variants.
type Purger interface {
	Purge(ctx context.Context, urls []string) (int, error)
	PurgeAll(ctx context.Context) (int, error)
}

// Controller owns every call to the edge provider.
type Controller struct {
	cfg        Config
	client     *http.Client
	limiter    *rate.Limiter
	analytics  *ttlcache.Cache[string, Sample]
	purger     Purger
	metrics    *metrics.Recorder
	logger     *slog.Logger
	newBackOff func() backoff.BackOff
	now        func() time.Time

	startOnce sync.Once
	started   atomic.Bool

	mu      sync.RWMutex
	state   State
	lastErr error
}

// New builds an unconfigured controller. Call Init before use.
func New(cfg Config, client *http.Client, purger Purger, rec *metrics.Recorder, logger *slog.Logger) *Controller {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 4
	}
	if cfg.AnalyticsTTL <= 0 {
		cfg.AnalyticsTTL = time.Hour
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	burst := max(1, int(cfg.RequestsPerSecond))
	return &Controller{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		analytics: ttlcache.New[string, Sample](
			ttlcache.WithTTL[string, Sample](cfg.AnalyticsTTL),
			ttlcache.WithDisableTouchOnHit[string, Sample](),
		),
		purger:     purger,
		metrics:    rec,
		logger:     logger.With(slog.String("agent", "edge")),
		newBackOff: newBackOff,
		now:        time.Now,
	}
}

// Init verifies the zone and settles the state: Active on success,
// Degraded when disabled, missing credentials or unreachable.
func (c *Controller) Init(ctx context.Context) State {
	c.setState(StateInitializing, nil)
	c.startOnce.Do(func() {
		c.started.Store(true)
		go c.analytics.Start()
	})

	if !c.cfg.Enabled || !c.cfg.Credentials.Complete() {
		c.logger.Info("edge integration running in local mode", slog.Bool("enabled", c.cfg.Enabled))
		c.setState(StateDegraded, nil)
		return StateDegraded
	}
	var zone struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	if err := c.call(ctx, http.MethodGet, "/zones/"+url.PathEscape(c.cfg.ZoneID), nil, nil, &zone); err != nil {
		c.metrics.ObserveEdgeCall("init", "failure")
		c.logger.Warn("edge zone verification failed", slog.Any("error", err))
		c.setState(StateDegraded, err)
		return StateDegraded
	}
	c.metrics.ObserveEdgeCall("init", "success")
	c.logger.Info("edge integration active", slog.String("zone", zone.Name), slog.String("zone_status", zone.Status))
	c.setState(StateActive, nil)
	return StateActive
}

// Close stops the analytics memo.
func (c *Controller) Close() {
	if c.started.CompareAndSwap(true, false) {
		c.analytics.Stop()
	}
}

// State reports the current lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError is the error that caused degradation, if any.
func (c *Controller) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *Controller) setState(s State, err error) {
	c.mu.Lock()
	c.state = s
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Controller) active() bool { return c.State() == StateActive }

// Edge operation outcomes.
const (
	OutcomeApplied = "applied"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// PurgeResult reports both halves of a purge.
type PurgeResult struct {
	Scope   string `json:"scope"`
	Removed int    `json:"removed"`
	Edge    string `json:"edge"`
}

const purgeBatch = 30

// Purge drops cached variants for urls, or everything when urls is empty,
// first locally and then at the edge when Active. It never fails: store and
// provider errors are logged.
func (c *Controller) Purge(ctx context.Context, urls []string) PurgeResult {
	result := PurgeResult{Scope: "urls", Edge: OutcomeSkipped}
	if len(urls) == 0 {
		result.Scope = "all"
	}
	var err error
	switch {
	case c.purger == nil:
	case len(urls) == 0:
		result.Removed, err = c.purger.PurgeAll(ctx)
	default:
		result.Removed, err = c.purger.Purge(ctx, urls)
	}
	if err != nil {
		c.logger.Warn("local purge incomplete", slog.Any("error", err), slog.Int("removed", result.Removed))
	}

	if !c.active() {
		c.metrics.ObserveEdgeCall("purge", OutcomeSkipped)
		return result
	}
	path := "/zones/" + url.PathEscape(c.cfg.ZoneID) + "/purge_cache"
	if len(urls) == 0 {
		err = c.call(ctx, http.MethodPost, path, nil, map[string]any{"purge_everything": true}, nil)
	} else {
		for batch := range slices.Chunk(urls, purgeBatch) {
			if err = c.call(ctx, http.MethodPost, path, nil, map[string]any{"files": batch}, nil); err != nil {
				break
			}
		}
	}
	if err != nil {
		c.failure("purge", err)
		result.Edge = OutcomeFailed
		return result
	}
	c.metrics.ObserveEdgeCall("purge", "success")
	result.Edge = OutcomeApplied
	return result
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// RegionalPolicy is the caching behavior applied to matched regions. TTLs
// are seconds.
type RegionalPolicy struct {
	CacheLevel string `json:"cacheLevel" validate:"omitempty,oneof=aggressive basic simplified bypass"`
	BrowserTTL int    `json:"browserTTL" validate:"gte=0"`
	EdgeTTL    int    `json:"edgeTTL" validate:"gte=0"`
}

// DefaultRegionalPolicy caches aggressively for a day in browsers and a
// week at the edge.
func DefaultRegionalPolicy() RegionalPolicy {
	return RegionalPolicy{CacheLevel: "aggressive", BrowserTTL: 86400, EdgeTTL: 604800}
}

// RegionalResult describes the rule that was (or would be) applied.
type RegionalResult struct {
	Ref        string         `json:"ref"`
	Regions    []string       `json:"regions"`
	Expression string         `json:"expression"`
	Policy     RegionalPolicy `json:"policy"`
	Edge       string         `json:"edge"`
}

const (
	regionalRuleRef   = "edgepix_regional_cache"
	cacheSettingsPath = "/rulesets/phases/http_request_cache_settings/entrypoint"
)

// ConfigureRegionalCaching upserts a single cache rule for the regions.
// Applying the same input twice leaves one rule. Only malformed input is
// an error; provider trouble degrades to a local no-op.
func (c *Controller) ConfigureRegionalCaching(ctx context.Context, regions []string, policy RegionalPolicy) (RegionalResult, error) {
	normalized := make([]string, 0, len(regions))
	for _, r := range regions {
		normalized = append(normalized, strings.ToUpper(strings.TrimSpace(r)))
	}
	slices.Sort(normalized)
	normalized = slices.Compact(normalized)
	if err := validate.Var(normalized, "required,min=1,dive,len=2,alpha"); err != nil {
		return RegionalResult{}, imgerr.Newf(imgerr.KindInvalidRequest, "edge.regional_caching", "regions must be ISO country codes: %v", err)
	}
	if policy == (RegionalPolicy{}) {
		policy = DefaultRegionalPolicy()
	}
	if policy.CacheLevel == "" {
		policy.CacheLevel = "aggressive"
	}
	if err := validate.Struct(policy); err != nil {
		return RegionalResult{}, imgerr.New(imgerr.KindInvalidRequest, "edge.regional_caching", err)
	}

	result := RegionalResult{
		Ref:        regionalRuleRef,
		Regions:    normalized,
		Expression: regionExpression(normalized),
		Policy:     policy,
		Edge:       OutcomeSkipped,
	}
	if !c.active() {
		c.metrics.ObserveEdgeCall("regional_caching", OutcomeSkipped)
		return result, nil
	}
	if err := c.upsertRule(ctx, result); err != nil {
		c.failure("regional_caching", err)
		result.Edge = OutcomeFailed
		return result, nil
	}
	c.metrics.ObserveEdgeCall("regional_caching", "success")
	result.Edge = OutcomeApplied
	return result, nil
}

func regionExpression(regions []string) string {
	quoted := make([]string, len(regions))
	for i, r := range regions {
		quoted[i] = fmt.Sprintf("%q", r)
	}
	return fmt.Sprintf("(ip.src.country in {%s})", strings.Join(quoted, " "))
}

func (c *Controller) upsertRule(ctx context.Context, result RegionalResult) error {
	path := "/zones/" + url.PathEscape(c.cfg.ZoneID) + cacheSettingsPath
	var current struct {
		Rules []map[string]any `json:"rules"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, nil, &current); err != nil && !isNotFound(err) {
		return err
	}
	rule := map[string]any{
		"ref":         regionalRuleRef,
		"description": "edgepix regional image caching",
		"expression":  result.Expression,
		"action":      "set_cache_settings",
		"enabled":     true,
		"action_parameters": map[string]any{
			"cache":       result.Policy.CacheLevel != "bypass",
			"edge_ttl":    map[string]any{"mode": "override_origin", "default": result.Policy.EdgeTTL},
			"browser_ttl": map[string]any{"mode": "override_origin", "default": result.Policy.BrowserTTL},
		},
	}
	rules := make([]map[string]any, 0, len(current.Rules)+1)
	for _, existing := range current.Rules {
		if existing["ref"] == regionalRuleRef {
			continue
		}
		rules = append(rules, existing)
	}
	rules = append(rules, rule)
	return c.call(ctx, http.MethodPut, path, nil, map[string]any{"rules": rules}, nil)
}

type dashboard struct {
	Totals struct {
		Requests struct {
			All     int64            `json:"all"`
			Cached  int64            `json:"cached"`
			Country map[string]int64 `json:"country"`
		} `json:"requests"`
		Bandwidth struct {
			All int64 `json:"all"`
		} `json:"bandwidth"`
	} `json:"totals"`
}

// Analytics returns provider analytics for the window, memoized per
// (start, end). When the provider is not Active or the call fails, a sample
// synthesized from local counters is returned instead and not memoized.
// local may be nil.
func (c *Controller) Analytics(ctx context.Context, start, end time.Time, local *metrics.Counters) Sample {
	if s, ok := c.RemoteSample(ctx, start, end, local); ok {
		return s
	}
	var snap metrics.Snapshot
	if local != nil {
		snap = local.Snapshot()
	}
	return LocalSample(snap, start, end)
}

// RemoteSample fetches the window from the provider. ok is false when the
// controller is not Active or the call failed.
func (c *Controller) RemoteSample(ctx context.Context, start, end time.Time, local *metrics.Counters) (Sample, bool) {
	if !c.active() {
		return Sample{}, false
	}
	key := start.UTC().Format(time.RFC3339) + "|" + end.UTC().Format(time.RFC3339)
	if item := c.analytics.Get(key); item != nil {
		return item.Value(), true
	}

	q := url.Values{}
	q.Set("since", start.UTC().Format(time.RFC3339))
	q.Set("until", end.UTC().Format(time.RFC3339))
	q.Set("continuous", "true")
	var dash dashboard
	if err := c.call(ctx, http.MethodGet, "/zones/"+url.PathEscape(c.cfg.ZoneID)+"/analytics/dashboard", q, nil, &dash); err != nil {
		c.failure("analytics", err)
		return Sample{}, false
	}
	c.metrics.ObserveEdgeCall("analytics", "success")

	sample := Sample{
		Timestamp:      c.now(),
		Start:          start,
		End:            end,
		Requests:       dash.Totals.Requests.All,
		CacheHitRatio:  1,
		BandwidthBytes: dash.Totals.Bandwidth.All,
		Regions:        dash.Totals.Requests.Country,
		Source:         SourceEdge,
	}
	if sample.Regions == nil {
		sample.Regions = map[string]int64{}
	}
	if dash.Totals.Requests.All > 0 {
		sample.CacheHitRatio = float64(dash.Totals.Requests.Cached) / float64(dash.Totals.Requests.All)
	}
	// the dashboard has no origin latency; borrow the local mean
	if local != nil {
		sample.ResponseTimeMs = float64(local.Snapshot().MeanLatency()) / float64(time.Millisecond)
	}
	c.analytics.Set(key, sample, ttlcache.DefaultTTL)
	return sample, true
}

func (c *Controller) failure(operation string, err error) {
	c.metrics.ObserveEdgeCall(operation, "failure")
	wrapped := imgerr.New(imgerr.KindEdgeProviderFailure, "edge."+operation, err)
	level := slog.LevelWarn
	if errors.Is(err, context.Canceled) {
		level = slog.LevelDebug
	}
	c.logger.Log(context.Background(), level, "edge provider call failed",
		slog.String("operation", operation),
		slog.Any("error", wrapped),
	)
}
