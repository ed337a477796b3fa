// Package cleanup runs the periodic cache sweep.
package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/l0p7/edgepix/internal/store"
	"github.com/l0p7/edgepix/internal/variant"
)

const DefaultInterval = 24 * time.Hour

// Sweeper removes aged variants.
type Sweeper interface {
	Sweep(ctx context.Context, maxAge time.Duration) (variant.SweepReport, error)
}

// Janitor sweeps the cache on a timer and compacts backends that support it.
type Janitor struct {
	sweeper  Sweeper
	store    store.Store
	interval time.Duration
	maxAge   time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	last variant.SweepReport
	runs int
}

// New returns a janitor. A zero maxAge uses the generator's TTL.
func New(sweeper Sweeper, st store.Store, interval, maxAge time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		sweeper:  sweeper,
		store:    st,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger.With(slog.String("agent", "cleanup")),
	}
}

// Start launches the loop and returns its cancel func. A non-positive
// interval disables the job and returns a no-op.
func (j *Janitor) Start(ctx context.Context) context.CancelFunc {
	if j.interval <= 0 {
		j.logger.Info("cache cleanup job disabled")
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		j.logger.Info("cache cleanup job started", slog.Duration("interval", j.interval))
		for {
			select {
			case <-ctx.Done():
				j.logger.Info("cache cleanup job stopped")
				return
			case <-ticker.C:
				j.safeRun(ctx)
			}
		}
	}()
	return cancel
}

func (j *Janitor) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("cache cleanup run panicked", slog.Any("panic", r))
		}
	}()
	_, _ = j.Run(ctx)
}

// Run performs one sweep followed by backend compaction.
func (j *Janitor) Run(ctx context.Context) (variant.SweepReport, error) {
	started := time.Now()
	report, err := j.sweeper.Sweep(ctx, j.maxAge)

	j.mu.Lock()
	j.runs++
	cycle := j.runs
	if err == nil {
		j.last = report
	}
	j.mu.Unlock()

	if err != nil {
		j.logger.Warn("cache cleanup failed", slog.Any("error", err), slog.Int("cycle", cycle))
		return report, err
	}
	j.logger.Info("cache cleanup complete",
		slog.Int("cycle", cycle),
		slog.Int("scanned", report.Scanned),
		slog.Int("removed", report.Removed),
		slog.Int("orphans", report.Orphans),
		slog.Duration("elapsed", time.Since(started)),
	)

	if compactor, ok := j.store.(store.Compactor); ok {
		if err := compactor.Compact(ctx); err != nil {
			j.logger.Warn("cache compaction failed", slog.Any("error", err))
		}
	}
	return report, nil
}

// Last returns the most recent successful report and the number of runs.
func (j *Janitor) Last() (variant.SweepReport, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last, j.runs
}
