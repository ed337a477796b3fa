// Package monitor samples delivery performance on a fixed interval, keeps a
// rolling series and raises alerts when the CEL threshold rules match.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/edgepix/internal/edge"
	"github.com/l0p7/edgepix/internal/expr"
	"github.com/l0p7/edgepix/internal/metrics"
)

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	DefaultInterval     = time.Minute
	DefaultRetention    = 24 * time.Hour
	DefaultAlertLogSize = 100

	DefaultTriggerRule  = `sample.responseTimeMs > 2000.0 || sample.cacheHitRatio < 0.70`
	DefaultCriticalRule = `sample.responseTimeMs > 5000.0`
)

// Alert is one threshold breach.
type Alert struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Severity       Severity  `json:"severity"`
	Message        string    `json:"message"`
	ResponseTimeMs float64   `json:"responseTimeMs"`
	CacheHitRatio  float64   `json:"cacheHitRatio"`
	Source         string    `json:"source"`
}

// Rules are the CEL expressions evaluated per sample. Trigger decides
// whether to alert; Critical escalates a triggered alert.
type Rules struct {
	Trigger  string `json:"trigger"`
	Critical string `json:"critical"`
}

// DefaultRules alert above 2s mean response time or below a 70% hit ratio,
// critically above 5s.
func DefaultRules() Rules {
	return Rules{Trigger: DefaultTriggerRule, Critical: DefaultCriticalRule}
}

// RemoteSource supplies provider-side samples while the edge integration
// is active.
type RemoteSource interface {
	RemoteSample(ctx context.Context, start, end time.Time, local *metrics.Counters) (edge.Sample, bool)
}

// Config wires a Monitor.
type Config struct {
	Interval     time.Duration
	Retention    time.Duration
	AlertLogSize int
	Rules        Rules
	Remote       RemoteSource
	Metrics      *metrics.Recorder
	Logger       *slog.Logger
}

type compiledRules struct {
	rules    Rules
	trigger  expr.Program
	critical expr.Program
}

// Monitor owns the series and the alert log.
type Monitor struct {
	interval  time.Duration
	retention time.Duration
	logSize   int
	remote    RemoteSource
	metrics   *metrics.Recorder
	local     *metrics.Counters
	logger    *slog.Logger
	env       *expr.Environment
	rules     atomic.Pointer[compiledRules]
	now       func() time.Time

	mu       sync.RWMutex
	series   []edge.Sample
	alerts   []Alert
	prevSnap metrics.Snapshot
	lastTick time.Time
}

// New compiles the rules and returns an idle Monitor.
func New(cfg Config) (*Monitor, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.AlertLogSize <= 0 {
		cfg.AlertLogSize = DefaultAlertLogSize
	}
	if cfg.Rules == (Rules{}) {
		cfg.Rules = DefaultRules()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	m := &Monitor{
		interval:  cfg.Interval,
		retention: cfg.Retention,
		logSize:   cfg.AlertLogSize,
		remote:    cfg.Remote,
		metrics:   cfg.Metrics,
		local:     cfg.Metrics.Local(),
		logger:    cfg.Logger.With(slog.String("agent", "monitor")),
		env:       env,
		now:       time.Now,
	}
	if m.local != nil {
		m.prevSnap = m.local.Snapshot()
	}
	if err := m.SetRules(cfg.Rules); err != nil {
		return nil, err
	}
	return m, nil
}

// SetRules swaps the alert rules. On error the previous rules stay active.
func (m *Monitor) SetRules(rules Rules) error {
	if rules.Critical == "" {
		rules.Critical = DefaultCriticalRule
	}
	trigger, err := m.env.Compile(rules.Trigger)
	if err != nil {
		return fmt.Errorf("monitor: trigger rule: %w", err)
	}
	critical, err := m.env.Compile(rules.Critical)
	if err != nil {
		return fmt.Errorf("monitor: critical rule: %w", err)
	}
	m.rules.Store(&compiledRules{rules: rules, trigger: trigger, critical: critical})
	return nil
}

// Rules returns the active rule sources.
func (m *Monitor) Rules() Rules { return m.rules.Load().rules }

// Start ticks every interval until the returned cancel func is called. Each
// tick runs in its own goroutine so a slow provider call never delays the
// schedule, and a panicking tick does not stop the loop.
func (m *Monitor) Start(ctx context.Context) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		m.logger.Info("performance monitor started", slog.Duration("interval", m.interval))
		for {
			select {
			case <-ctx.Done():
				m.logger.Info("performance monitor stopped")
				return
			case <-ticker.C:
				go m.safeTick(ctx)
			}
		}
	}()
	return cancel
}

func (m *Monitor) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("performance monitor tick panicked", slog.Any("panic", r))
		}
	}()
	tickCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	m.Tick(tickCtx)
}

// Tick takes one sample and records it.
func (m *Monitor) Tick(ctx context.Context) []Alert {
	return m.Record(m.collect(ctx))
}

func (m *Monitor) collect(ctx context.Context) edge.Sample {
	end := m.now()
	m.mu.Lock()
	start := m.lastTick
	if start.IsZero() {
		start = end.Add(-m.interval)
	}
	m.lastTick = end
	var delta metrics.Snapshot
	if m.local != nil {
		snap := m.local.Snapshot()
		delta = snap.Sub(m.prevSnap)
		m.prevSnap = snap
	}
	m.mu.Unlock()

	if m.remote != nil {
		if s, ok := m.remote.RemoteSample(ctx, start, end, m.local); ok {
			return s
		}
	}
	return edge.LocalSample(delta, start, end)
}

// Record appends a sample, prunes the series and evaluates the rules.
// It returns the alert raised for this sample, if any.
func (m *Monitor) Record(sample edge.Sample) []Alert {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = m.now()
	}

	m.mu.Lock()
	previous := map[string]any{}
	if n := len(m.series); n > 0 {
		previous = m.series[n-1].Fields()
	}
	m.series = append(m.series, sample)
	cutoff := m.now().Add(-m.retention)
	drop := 0
	for drop < len(m.series) && m.series[drop].Timestamp.Before(cutoff) {
		drop++
	}
	m.series = slices.Delete(m.series, 0, drop)
	m.mu.Unlock()

	alert, err := m.evaluate(sample, previous)
	if err != nil {
		m.logger.Warn("alert rule evaluation failed", slog.Any("error", err))
		return nil
	}
	if alert == nil {
		return nil
	}

	m.mu.Lock()
	m.alerts = slices.Insert(m.alerts, 0, *alert)
	if len(m.alerts) > m.logSize {
		m.alerts = m.alerts[:m.logSize]
	}
	m.mu.Unlock()

	m.metrics.ObserveAlert(string(alert.Severity))
	level := slog.LevelWarn
	if alert.Severity == SeverityCritical {
		level = slog.LevelError
	}
	m.logger.Log(context.Background(), level, "performance alert",
		slog.String("severity", string(alert.Severity)),
		slog.String("message", alert.Message),
	)
	return []Alert{*alert}
}

func (m *Monitor) evaluate(sample edge.Sample, previous map[string]any) (*Alert, error) {
	rules := m.rules.Load()
	vars := map[string]any{"sample": sample.Fields(), "previous": previous}
	triggered, err := rules.trigger.EvalBool(vars)
	if err != nil {
		return nil, err
	}
	if !triggered {
		return nil, nil
	}
	critical, err := rules.critical.EvalBool(vars)
	if err != nil {
		return nil, fmt.Errorf("monitor: critical rule: %w", err)
	}
	severity := SeverityWarning
	if critical {
		severity = SeverityCritical
	}
	return &Alert{
		ID:             uuid.NewString(),
		Timestamp:      sample.Timestamp,
		Severity:       severity,
		Message:        fmt.Sprintf("response time %.0fms, cache hit ratio %.2f", sample.ResponseTimeMs, sample.CacheHitRatio),
		ResponseTimeMs: sample.ResponseTimeMs,
		CacheHitRatio:  sample.CacheHitRatio,
		Source:         sample.Source,
	}, nil
}

// Report is the monitor state exposed over HTTP.
type Report struct {
	Latest *edge.Sample  `json:"latest,omitempty"`
	Series []edge.Sample `json:"series"`
	Alerts []Alert       `json:"alerts"`
	Rules  Rules         `json:"rules"`
}

// Report copies the series and the alert log, newest alert first.
func (m *Monitor) Report() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := Report{
		Series: slices.Clone(m.series),
		Alerts: slices.Clone(m.alerts),
		Rules:  m.Rules(),
	}
	if out.Series == nil {
		out.Series = []edge.Sample{}
	}
	if out.Alerts == nil {
		out.Alerts = []Alert{}
	}
	if n := len(out.Series); n > 0 {
		latest := out.Series[n-1]
		out.Latest = &latest
	}
	return out
}
