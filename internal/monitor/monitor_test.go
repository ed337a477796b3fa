package monitor

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/edgepix/internal/edge"
	"github.com/l0p7/edgepix/internal/metrics"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newMonitor(t *testing.T, cfg Config) *Monitor {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	m, err := New(cfg)
	require.NoError(t, err)
	return m
}

func sample(ms, ratio float64) edge.Sample {
	return edge.Sample{Timestamp: time.Now(), ResponseTimeMs: ms, CacheHitRatio: ratio, Source: edge.SourceLocal}
}

func TestAlertThresholds(t *testing.T) {
	cases := []struct {
		name     string
		ms       float64
		ratio    float64
		severity Severity
		alerts   int
	}{
		{name: "slow", ms: 6000, ratio: 0.95, severity: SeverityCritical, alerts: 1},
		{name: "low hit ratio", ms: 500, ratio: 0.65, severity: SeverityWarning, alerts: 1},
		{name: "healthy", ms: 200, ratio: 0.9, alerts: 0},
		{name: "sluggish", ms: 2500, ratio: 0.9, severity: SeverityWarning, alerts: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newMonitor(t, Config{})
			raised := m.Record(sample(tc.ms, tc.ratio))
			report := m.Report()
			require.Len(t, raised, tc.alerts)
			require.Len(t, report.Alerts, tc.alerts)
			require.Len(t, report.Series, 1)
			if tc.alerts == 1 {
				require.Equal(t, tc.severity, report.Alerts[0].Severity)
				_, err := uuid.Parse(report.Alerts[0].ID)
				require.NoError(t, err)
			}
		})
	}
}

func TestAlertsAreCounted(t *testing.T) {
	rec := metrics.NewRecorder(nil)
	m := newMonitor(t, Config{Metrics: rec})
	m.Record(sample(6000, 1))
	m.Record(sample(100, 0.1))

	families, err := rec.Gatherer().Gather()
	require.NoError(t, err)
	counts := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "edgepix_monitor_alerts_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			counts[metric.GetLabel()[0].GetValue()] = metric.GetCounter().GetValue()
		}
	}
	require.Equal(t, map[string]float64{"critical": 1, "warning": 1}, counts)
}

func TestSeriesPrunedAfterRetention(t *testing.T) {
	m := newMonitor(t, Config{Retention: time.Hour})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	old := sample(100, 1)
	old.Timestamp = now.Add(-2 * time.Hour)
	m.Record(old)
	fresh := sample(120, 1)
	fresh.Timestamp = now
	m.Record(fresh)

	report := m.Report()
	require.Len(t, report.Series, 1)
	require.Equal(t, now, report.Series[0].Timestamp)
	require.NotNil(t, report.Latest)
	require.InDelta(t, 120, report.Latest.ResponseTimeMs, 1e-9)
}

func TestAlertLogIsBoundedNewestFirst(t *testing.T) {
	m := newMonitor(t, Config{AlertLogSize: 3})
	for i := range 5 {
		m.Record(sample(2100+float64(i), 1))
	}
	alerts := m.Report().Alerts
	require.Len(t, alerts, 3)
	require.InDelta(t, 2104, alerts[0].ResponseTimeMs, 1e-9)
	require.InDelta(t, 2102, alerts[2].ResponseTimeMs, 1e-9)
}

func TestTickUsesLocalIntervalDeltas(t *testing.T) {
	rec := metrics.NewRecorder(nil)
	rec.ObserveDelivery("NG", 1000, 10*time.Millisecond)
	m := newMonitor(t, Config{Metrics: rec})

	rec.ObserveDelivery("NG", 500, 100*time.Millisecond)
	rec.ObserveDelivery("KE", 500, 300*time.Millisecond)
	rec.ObserveCacheLookup(metrics.CacheLookupHit, time.Millisecond)
	rec.ObserveCacheLookup(metrics.CacheLookupMiss, time.Millisecond)

	alerts := m.Tick(context.Background())
	require.Len(t, alerts, 1)
	require.Equal(t, SeverityWarning, alerts[0].Severity)
	first := m.Report().Latest
	require.Equal(t, int64(2), first.Requests)
	require.Equal(t, int64(1000), first.BandwidthBytes)
	require.InDelta(t, 200, first.ResponseTimeMs, 1e-9)
	require.InDelta(t, 0.5, first.CacheHitRatio, 1e-9)
	require.Equal(t, map[string]int64{"NG": 1, "KE": 1}, first.Regions)

	require.Empty(t, m.Tick(context.Background()))
	second := m.Report().Latest
	require.Zero(t, second.Requests)
	require.Equal(t, 1.0, second.CacheHitRatio)
}

type stubRemote struct {
	sample edge.Sample
	ok     bool
	calls  atomic.Int32
	panics bool
}

func (s *stubRemote) RemoteSample(context.Context, time.Time, time.Time, *metrics.Counters) (edge.Sample, bool) {
	s.calls.Add(1)
	if s.panics {
		panic("provider exploded")
	}
	return s.sample, s.ok
}

func TestTickPrefersRemoteSample(t *testing.T) {
	remote := &stubRemote{ok: true, sample: edge.Sample{Timestamp: time.Now(), ResponseTimeMs: 6000, CacheHitRatio: 0.99, Source: edge.SourceEdge}}
	m := newMonitor(t, Config{Remote: remote})

	alerts := m.Tick(context.Background())
	require.Len(t, alerts, 1)
	require.Equal(t, SeverityCritical, alerts[0].Severity)
	require.Equal(t, edge.SourceEdge, alerts[0].Source)

	remote.ok = false
	require.Empty(t, m.Tick(context.Background()))
	require.Equal(t, edge.SourceLocal, m.Report().Latest.Source)
}

func TestStartSurvivesPanickingTicks(t *testing.T) {
	remote := &stubRemote{panics: true}
	m := newMonitor(t, Config{Remote: remote, Interval: 10 * time.Millisecond})

	cancel := m.Start(context.Background())
	require.Eventually(t, func() bool { return remote.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
}

func TestSetRulesKeepsPreviousOnError(t *testing.T) {
	m := newMonitor(t, Config{})
	require.Equal(t, DefaultRules(), m.Rules())

	require.Error(t, m.SetRules(Rules{Trigger: "sample.responseTimeMs >"}))
	require.Equal(t, DefaultRules(), m.Rules())

	require.NoError(t, m.SetRules(Rules{Trigger: `sample.requests > 10 && !has(previous.requests)`}))
	require.Equal(t, DefaultCriticalRule, m.Rules().Critical)
}

func TestRulesCanReadPreviousSample(t *testing.T) {
	m := newMonitor(t, Config{})
	require.NoError(t, m.SetRules(Rules{
		Trigger: `has(previous.responseTimeMs) && sample.responseTimeMs > previous.responseTimeMs * 2.0`,
	}))

	require.Empty(t, m.Record(sample(100, 1)))
	require.Len(t, m.Record(sample(300, 1)), 1)
	require.Empty(t, m.Record(sample(310, 1)))
}
