package edge

import (
	"maps"
	"time"

	"github.com/l0p7/edgepix/internal/metrics"
)

// Sample sources.
const (
	SourceEdge  = "edge"
	SourceLocal = "local"
)

// Sample is one performance observation over [Start, End].
type Sample struct {
	Timestamp      time.Time        `json:"timestamp"`
	Start          time.Time        `json:"start"`
	End            time.Time        `json:"end"`
	Requests       int64            `json:"requests"`
	CacheHitRatio  float64          `json:"cacheHitRatio"`
	BandwidthBytes int64            `json:"bandwidthBytes"`
	ResponseTimeMs float64          `json:"responseTimeMs"`
	Regions        map[string]int64 `json:"regions"`
	Source         string           `json:"source"`
}

// LocalSample synthesizes a sample from the process counters.
func LocalSample(snap metrics.Snapshot, start, end time.Time) Sample {
	regions := maps.Clone(snap.Regions)
	if regions == nil {
		regions = map[string]int64{}
	}
	return Sample{
		Timestamp:      end,
		Start:          start,
		End:            end,
		Requests:       snap.Requests,
		CacheHitRatio:  snap.HitRatio(),
		BandwidthBytes: snap.Bytes,
		ResponseTimeMs: float64(snap.MeanLatency()) / float64(time.Millisecond),
		Regions:        regions,
		Source:         SourceLocal,
	}
}

// Fields flattens the sample for rule evaluation.
func (s Sample) Fields() map[string]any {
	regions := make(map[string]any, len(s.Regions))
	for k, v := range s.Regions {
		regions[k] = v
	}
	return map[string]any{
		"requests":       s.Requests,
		"cacheHitRatio":  s.CacheHitRatio,
		"bandwidthBytes": s.BandwidthBytes,
		"responseTimeMs": s.ResponseTimeMs,
		"regions":        regions,
		"source":         s.Source,
	}
}
