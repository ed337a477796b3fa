package variant

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/l0p7/edgepix/internal/bandwidth"
	"github.com/l0p7/edgepix/internal/codec"
	"github.com/l0p7/edgepix/internal/imgerr"
	"github.com/l0p7/edgepix/internal/metrics"
	"github.com/l0p7/edgepix/internal/store"
	"github.com/l0p7/edgepix/internal/transform"
)

// Encoder is the codec surface the generator depends on.
type Encoder interface {
	Encode(src []byte, req transform.Request, overlay image.Image) (*codec.Result, error)
}

// Config wires a Generator. Store, Encoder and Logger are required.
type Config struct {
	Store    store.Store
	Encoder  Encoder
	Policy   *bandwidth.Holder
	Overlays OverlayLoader
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
	// Workers bounds concurrent encodes; zero means runtime.NumCPU().
	Workers int
	TTL     time.Duration
}

// Generator implements the lookup-or-encode flow for a single variant.
type Generator struct {
	store    store.Store
	encoder  Encoder
	policy   *bandwidth.Holder
	overlays OverlayLoader
	metrics  *metrics.Recorder
	logger   *slog.Logger
	encodes  *semaphore.Weighted
	ttl      time.Duration

	lastSweep atomic.Pointer[SweepReport]
}

// New validates cfg and returns a Generator.
func New(cfg Config) (*Generator, error) {
	if cfg.Store == nil {
		return nil, errors.New("variant: store required")
	}
	if cfg.Encoder == nil {
		return nil, errors.New("variant: encoder required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	policy := cfg.Policy
	if policy == nil {
		policy = bandwidth.NewHolder(bandwidth.DefaultPolicy())
	}
	return &Generator{
		store:    cfg.Store,
		encoder:  cfg.Encoder,
		policy:   policy,
		overlays: cfg.Overlays,
		metrics:  cfg.Metrics,
		logger:   logger.With(slog.String("agent", "variant")),
		encodes:  semaphore.NewWeighted(int64(workers)),
		ttl:      ttl,
	}, nil
}

// TTL reports the configured cache lifetime.
func (g *Generator) TTL() time.Duration { return g.ttl }

// Policy exposes the live bandwidth policy.
func (g *Generator) Policy() bandwidth.Policy { return g.policy.Load() }

// Generate adjusts req for the caller's network, then returns the cached
// variant for (source, adjusted request) or encodes and caches a new one.
// Store failures degrade to a miss; codec failures are returned and never
// cached.
func (g *Generator) Generate(ctx context.Context, src *transform.Source, req transform.Request, network bandwidth.Network) (*Variant, error) {
	if src == nil || len(src.Data) == 0 {
		return nil, imgerr.Newf(imgerr.KindInvalidRequest, "variant.generate", "source image required")
	}
	adjusted := g.policy.Load().Adjust(req, network)
	if err := adjusted.Validate(); err != nil {
		return nil, err
	}
	key := transform.CacheKey(src.Digest(), adjusted)

	if v, ok := g.lookup(ctx, key); ok {
		if src.URL != "" && src.URL != v.SourceURL {
			g.index(ctx, src.URL, key)
			v.SourceURL = src.URL
		}
		return v, nil
	}

	var overlay image.Image
	if adjusted.Watermark != nil {
		if g.overlays == nil {
			return nil, imgerr.Newf(imgerr.KindInvalidRequest, "variant.generate", "watermarks are not configured")
		}
		img, err := g.overlays.Load(adjusted.Watermark.Image)
		if err != nil {
			return nil, err
		}
		overlay = img
	}

	res, err := g.encode(ctx, src.Data, adjusted, overlay)
	if err != nil {
		return nil, err
	}

	v := &Variant{
		Key:         key,
		Data:        res.Data,
		Format:      res.Format,
		Width:       res.Width,
		Height:      res.Height,
		Size:        res.Size,
		Quality:     res.Quality,
		Progressive: res.Progressive,
		SourceURL:   src.URL,
		CreatedAt:   time.Now().UTC(),
	}
	g.persist(ctx, v)
	return v, nil
}

// Lookup returns a previously cached variant by key.
func (g *Generator) Lookup(ctx context.Context, key string) (*Variant, bool) {
	if !transform.ValidKey(key) {
		return nil, false
	}
	return g.lookup(ctx, key)
}

func (g *Generator) lookup(ctx context.Context, key string) (*Variant, bool) {
	start := time.Now()
	entry, ok, err := g.store.Get(ctx, variantKey(key))
	switch {
	case err != nil:
		g.metrics.ObserveCacheLookup(metrics.CacheLookupError, time.Since(start))
		g.logger.Warn("cache lookup failed, treating as miss",
			slog.String("cache_key", key),
			slog.String("kind", imgerr.KindCacheUnavailable.String()),
			slog.Any("error", err),
		)
		return nil, false
	case !ok:
		g.metrics.ObserveCacheLookup(metrics.CacheLookupMiss, time.Since(start))
		return nil, false
	}
	g.metrics.ObserveCacheLookup(metrics.CacheLookupHit, time.Since(start))
	v := fromEntry(key, entry)
	v.Cached = true
	return v, true
}

func (g *Generator) encode(ctx context.Context, data []byte, req transform.Request, overlay image.Image) (*codec.Result, error) {
	if err := g.encodes.Acquire(ctx, 1); err != nil {
		return nil, imgerr.New(imgerr.KindEncodingFailure, "variant.encode", err)
	}
	defer g.encodes.Release(1)

	start := time.Now()
	res, err := g.encoder.Encode(data, req, overlay)
	g.metrics.ObserveEncode(string(req.Format), err == nil, time.Since(start))
	if err != nil {
		if imgerr.KindOf(err) == imgerr.KindEncodingFailure {
			g.logger.Error("encode failed", slog.String("format", string(req.Format)), slog.Any("error", err))
		}
		return nil, err
	}
	return res, nil
}

// persist writes the variant and, for URL sources, its purge index marker.
// Failures are logged; the caller still gets the encoded bytes.
func (g *Generator) persist(ctx context.Context, v *Variant) {
	start := time.Now()
	err := g.store.Put(ctx, variantKey(v.Key), toEntry(v), g.ttl)
	if err == nil && v.SourceURL != "" {
		err = g.store.Put(ctx, indexKey(v.SourceURL, v.Key), store.Entry{StoredAt: v.CreatedAt}, g.ttl)
	}
	if err != nil {
		g.metrics.ObserveCacheStore(metrics.CacheStoreError, time.Since(start))
		g.logger.Warn("cache write failed, variant will be recomputed",
			slog.String("cache_key", v.Key),
			slog.String("kind", imgerr.KindCacheUnavailable.String()),
			slog.Any("error", err),
		)
		return
	}
	g.metrics.ObserveCacheStore(metrics.CacheStoreStored, time.Since(start))
}

// index records that key was served for sourceURL so a purge of that URL
// reaches a variant first cached under another URL with the same bytes.
func (g *Generator) index(ctx context.Context, sourceURL, key string) {
	if err := g.store.Put(ctx, indexKey(sourceURL, key), store.Entry{StoredAt: time.Now().UTC()}, g.ttl); err != nil {
		g.logger.Warn("purge index write failed",
			slog.String("cache_key", key),
			slog.String("kind", imgerr.KindCacheUnavailable.String()),
			slog.Any("error", err),
		)
	}
}

// Purge removes every variant derived from the given source URLs and
// returns how many variants were deleted. Purging an already purged URL
// removes nothing and is not an error.
func (g *Generator) Purge(ctx context.Context, urls []string) (int, error) {
	removed := 0
	for _, raw := range urls {
		u := strings.TrimSpace(raw)
		if u == "" {
			continue
		}
		prefix := indexPrefix + transform.URLDigest(u) + ":"
		markers, err := g.store.ScanKeys(ctx, prefix)
		if err != nil {
			return removed, imgerr.New(imgerr.KindCacheUnavailable, "variant.purge", err)
		}
		for _, marker := range markers {
			key := strings.TrimPrefix(marker, prefix)
			if err := g.store.Delete(ctx, variantKey(key)); err != nil {
				return removed, imgerr.New(imgerr.KindCacheUnavailable, "variant.purge", err)
			}
			if err := g.store.Delete(ctx, marker); err != nil {
				return removed, imgerr.New(imgerr.KindCacheUnavailable, "variant.purge", err)
			}
			removed++
		}
	}
	g.metrics.ObserveCachePurge(removed)
	return removed, nil
}

// PurgeAll removes every variant and index marker.
func (g *Generator) PurgeAll(ctx context.Context) (int, error) {
	removed := 0
	for _, prefix := range []string{variantPrefix, indexPrefix} {
		keys, err := g.store.ScanKeys(ctx, prefix)
		if err != nil {
			return removed, imgerr.New(imgerr.KindCacheUnavailable, "variant.purge_all", err)
		}
		for _, key := range keys {
			if err := g.store.Delete(ctx, key); err != nil {
				return removed, imgerr.New(imgerr.KindCacheUnavailable, "variant.purge_all", err)
			}
			if prefix == variantPrefix {
				removed++
			}
		}
	}
	g.metrics.ObserveCachePurge(removed)
	return removed, nil
}
