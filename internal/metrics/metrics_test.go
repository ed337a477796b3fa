package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestRecorderObserveHTTP(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveHTTP("/optimize", 200, true, 250*time.Millisecond)

	families := gather(t, rec, "edgepix_http_requests_total", "edgepix_http_request_duration_seconds")

	counter := findMetric(t, families["edgepix_http_requests_total"], map[string]string{
		"route":       "/optimize",
		"status_code": "200",
		"from_cache":  "true",
	})
	require.NotNil(t, counter.GetCounter())
	require.EqualValues(t, 1, counter.GetCounter().GetValue())

	hist := findMetric(t, families["edgepix_http_request_duration_seconds"], map[string]string{
		"route": "/optimize",
	}).GetHistogram()
	require.NotNil(t, hist)
	require.EqualValues(t, 1, hist.GetSampleCount())
	require.Less(t, math.Abs(hist.GetSampleSum()-0.25), 0.001)
}

func TestRecorderObserveCacheOperations(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCacheLookup(CacheLookupHit, 10*time.Millisecond)
	rec.ObserveCacheLookup(CacheLookupMiss, 10*time.Millisecond)
	rec.ObserveCacheLookup(CacheLookupError, 10*time.Millisecond)
	rec.ObserveCacheStore(CacheStoreStored, 5*time.Millisecond)
	rec.ObserveCachePurge(3)

	families := gather(t, rec, "edgepix_cache_operations_total", "edgepix_cache_operation_duration_seconds")

	lookup := findMetric(t, families["edgepix_cache_operations_total"], map[string]string{
		"operation": string(CacheOperationLookup),
		"result":    string(CacheLookupHit),
	})
	require.EqualValues(t, 1, lookup.GetCounter().GetValue())

	purge := findMetric(t, families["edgepix_cache_operations_total"], map[string]string{
		"operation": string(CacheOperationPurge),
		"result":    "deleted",
	})
	require.EqualValues(t, 3, purge.GetCounter().GetValue())

	hist := findMetric(t, families["edgepix_cache_operation_duration_seconds"], map[string]string{
		"operation": string(CacheOperationStore),
		"result":    string(CacheStoreStored),
	}).GetHistogram()
	require.EqualValues(t, 1, hist.GetSampleCount())

	snap := rec.Local().Snapshot()
	require.EqualValues(t, 1, snap.Hits)
	require.EqualValues(t, 2, snap.Misses)
	require.InDelta(t, 1.0/3.0, snap.HitRatio(), 1e-9)
}

func TestRecorderEdgeEncodeAlerts(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveEncode("webp", true, time.Second)
	rec.ObserveEdgeCall("purge", "error")
	rec.ObserveAlert("critical")

	families := gather(t, rec,
		"edgepix_codec_encode_duration_seconds",
		"edgepix_edge_calls_total",
		"edgepix_monitor_alerts_total",
	)
	require.EqualValues(t, 1, findMetric(t, families["edgepix_edge_calls_total"], map[string]string{
		"operation": "purge", "result": "error",
	}).GetCounter().GetValue())
	require.EqualValues(t, 1, findMetric(t, families["edgepix_monitor_alerts_total"], map[string]string{
		"severity": "critical",
	}).GetCounter().GetValue())
	require.EqualValues(t, 1, findMetric(t, families["edgepix_codec_encode_duration_seconds"], map[string]string{
		"format": "webp", "result": "ok",
	}).GetHistogram().GetSampleCount())
}

func TestLocalCountersSnapshot(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveDelivery("ng", 1000, 100*time.Millisecond)
	rec.ObserveDelivery("KE", 500, 300*time.Millisecond)
	first := rec.Local().Snapshot()

	require.EqualValues(t, 2, first.Requests)
	require.EqualValues(t, 1500, first.Bytes)
	require.Equal(t, 200*time.Millisecond, first.MeanLatency())
	require.Equal(t, map[string]int64{"NG": 1, "KE": 1}, first.Regions)
	require.InDelta(t, 1.0, first.HitRatio(), 1e-9)

	rec.ObserveDelivery("NG", 100, 50*time.Millisecond)
	delta := rec.Local().Snapshot().Sub(first)
	require.EqualValues(t, 1, delta.Requests)
	require.Equal(t, map[string]int64{"NG": 1}, delta.Regions)
	require.Equal(t, 50*time.Millisecond, delta.MeanLatency())
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveHTTP("/x", 200, false, time.Millisecond)
	rec.ObserveDelivery("NG", 1, time.Millisecond)
	rec.ObserveCacheLookup(CacheLookupHit, time.Millisecond)
	rec.ObserveAlert("warning")
	require.EqualValues(t, 0, rec.Local().Snapshot().Requests)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 503, rr.Code)
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	require.Equal(t, 200, rr.Code)
	require.NotZero(t, rr.Body.Len())
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	require.NoError(t, err)
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		require.NotEmpty(t, collected[name], "metric %q not collected", name)
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
