package variant

import (
	"context"
	"strings"
	"time"

	"github.com/l0p7/edgepix/internal/imgerr"
)

// SweepReport summarises one cleanup pass.
type SweepReport struct {
	Scanned  int       `json:"scanned"`
	Removed  int       `json:"removed"`
	Orphans  int       `json:"orphans"`
	Oldest   time.Time `json:"oldest,omitzero"`
	Finished time.Time `json:"finished"`
}

// Sweep deletes variants stored longer than maxAge ago (or past their
// expiry) and index markers whose variant no longer exists.
func (g *Generator) Sweep(ctx context.Context, maxAge time.Duration) (SweepReport, error) {
	const op = "variant.sweep"
	if maxAge <= 0 {
		maxAge = g.ttl
	}
	now := time.Now().UTC()
	var report SweepReport

	keys, err := g.store.ScanKeys(ctx, variantPrefix)
	if err != nil {
		return report, imgerr.New(imgerr.KindCacheUnavailable, op, err)
	}
	live := make(map[string]struct{}, len(keys))
	for _, full := range keys {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		entry, ok, err := g.store.Get(ctx, full)
		if err != nil {
			return report, imgerr.New(imgerr.KindCacheUnavailable, op, err)
		}
		if !ok {
			continue
		}
		if entry.Expired(now) || now.Sub(entry.StoredAt) > maxAge {
			if err := g.store.Delete(ctx, full); err != nil {
				return report, imgerr.New(imgerr.KindCacheUnavailable, op, err)
			}
			report.Removed++
			continue
		}
		live[strings.TrimPrefix(full, variantPrefix)] = struct{}{}
		if report.Oldest.IsZero() || entry.StoredAt.Before(report.Oldest) {
			report.Oldest = entry.StoredAt
		}
	}

	markers, err := g.store.ScanKeys(ctx, indexPrefix)
	if err != nil {
		return report, imgerr.New(imgerr.KindCacheUnavailable, op, err)
	}
	for _, marker := range markers {
		key := marker[strings.LastIndexByte(marker, ':')+1:]
		if _, ok := live[key]; ok {
			continue
		}
		// The variant may have been written after the scan above.
		if _, ok, err := g.store.Get(ctx, variantKey(key)); err == nil && ok {
			continue
		}
		if err := g.store.Delete(ctx, marker); err != nil {
			return report, imgerr.New(imgerr.KindCacheUnavailable, op, err)
		}
		report.Orphans++
	}

	report.Finished = time.Now().UTC()
	g.lastSweep.Store(&report)
	return report, nil
}

// Stats describes the cache for health reporting.
type Stats struct {
	Entries   int          `json:"entries"`
	HitRatio  float64      `json:"hitRatio"`
	LastSweep *SweepReport `json:"lastSweep,omitempty"`
}

// Stats counts cached variants and reports the local hit ratio.
func (g *Generator) Stats(ctx context.Context) (Stats, error) {
	keys, err := g.store.ScanKeys(ctx, variantPrefix)
	if err != nil {
		return Stats{}, imgerr.New(imgerr.KindCacheUnavailable, "variant.stats", err)
	}
	return Stats{
		Entries:   len(keys),
		HitRatio:  g.metrics.Local().Snapshot().HitRatio(),
		LastSweep: g.lastSweep.Load(),
	}, nil
}
