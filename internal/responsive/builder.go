// Package responsive builds the family of variants, placeholder and markup a
// client needs to pick the right image for its viewport and format support.
package responsive

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/l0p7/edgepix/internal/bandwidth"
	"github.com/l0p7/edgepix/internal/codec"
	"github.com/l0p7/edgepix/internal/templates"
	"github.com/l0p7/edgepix/internal/transform"
	"github.com/l0p7/edgepix/internal/variant"
)

var (
	// DefaultWidths is the responsive width ladder.
	DefaultWidths = []int{320, 640, 768, 1024, 1280, 1600, 1920}
	// DefaultFormats is the format priority: next-gen, widely supported, universal.
	DefaultFormats = []transform.Format{transform.FormatAVIF, transform.FormatWebP, transform.FormatJPEG}
)

const (
	DefaultSizes         = "(max-width: 768px) 100vw, (max-width: 1200px) 50vw, 33vw"
	DefaultFallbackWidth = 800
	placeholderEdge      = 20
)

const defaultPictureTemplate = `<picture>
{{- range .Sources }}
  <source type="{{ .MIMEType }}" srcset="{{ .Srcset }}" sizes="{{ $.Sizes }}">
{{- end }}
  <img src="{{ .Fallback.URL }}" alt="{{ .Alt }}" width="{{ .Fallback.Width }}" height="{{ .Fallback.Height }}" loading="lazy" decoding="async">
</picture>`

// Generator is the variant surface the builder fans out over.
type Generator interface {
	Generate(ctx context.Context, src *transform.Source, req transform.Request, network bandwidth.Network) (*variant.Variant, error)
}

// Options configures a Builder. Zero values take the defaults above.
type Options struct {
	Widths        []int
	Formats       []transform.Format
	Sizes         string
	FallbackWidth int
	// URLPrefix is prepended to cache keys to form variant URLs.
	URLPrefix string
	// Concurrency bounds in-flight Generate calls per build.
	Concurrency int
	// TemplateFile overrides the picture markup; resolved through the
	// renderer's sandbox.
	TemplateFile string
}

// Descriptor is one srcset candidate.
type Descriptor struct {
	Key    string `json:"cacheKey"`
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Size   int    `json:"size"`
}

// Source groups the descriptors of one format, widest first.
type Source struct {
	Format      transform.Format `json:"format"`
	MIMEType    string           `json:"mimeType"`
	Descriptors []Descriptor     `json:"descriptors"`
	Srcset      string           `json:"srcset"`
}

// Set is the assembled responsive family.
type Set struct {
	Original    *variant.Variant `json:"original"`
	Sources     []Source         `json:"sources"`
	Srcset      string           `json:"srcset"`
	Sizes       string           `json:"sizes"`
	Fallback    Descriptor       `json:"fallback"`
	Placeholder string           `json:"placeholder"`
	Markup      string           `json:"markup"`
	Alt         string           `json:"alt"`
}

// Builder orchestrates the generator across the ladder.
type Builder struct {
	gen     Generator
	opts    Options
	picture *templates.Template
	logger  *slog.Logger
}

// New compiles the picture template and returns a Builder.
func New(gen Generator, renderer *templates.Renderer, opts Options, logger *slog.Logger) (*Builder, error) {
	if gen == nil {
		return nil, errors.New("responsive: generator required")
	}
	if renderer == nil {
		renderer = templates.NewRenderer(nil)
	}
	if len(opts.Widths) == 0 {
		opts.Widths = DefaultWidths
	}
	opts.Widths = slices.Sorted(slices.Values(opts.Widths))
	if len(opts.Formats) == 0 {
		opts.Formats = DefaultFormats
	}
	if opts.Sizes == "" {
		opts.Sizes = DefaultSizes
	}
	if opts.FallbackWidth <= 0 {
		opts.FallbackWidth = DefaultFallbackWidth
	}
	if opts.URLPrefix == "" {
		opts.URLPrefix = "/optimized/"
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	var (
		picture *templates.Template
		err     error
	)
	if opts.TemplateFile != "" {
		picture, err = renderer.CompileFile(opts.TemplateFile)
	} else {
		picture, err = renderer.Compile("picture", defaultPictureTemplate)
	}
	if err != nil {
		return nil, fmt.Errorf("responsive: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{gen: gen, opts: opts, picture: picture, logger: logger.With(slog.String("agent", "responsive"))}, nil
}

type rungResult struct {
	format transform.Format
	v      *variant.Variant
}

// Build generates one variant per (width, format) pair the source can fill,
// a blurred inline placeholder, an original-size webp, and the markup.
func (b *Builder) Build(ctx context.Context, src *transform.Source, base transform.Request, alt string, network bandwidth.Network) (*Set, error) {
	srcWidth, _, err := codec.Dimensions(src.Data)
	if err != nil {
		return nil, err
	}
	if base.Crop != nil {
		srcWidth = min(srcWidth, base.Crop.Width)
	}
	widths := b.ladder(srcWidth)

	results := make([][]rungResult, len(b.opts.Formats))
	for i := range results {
		results[i] = make([]rungResult, len(widths))
	}
	var (
		placeholder string
		original    *variant.Variant
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Concurrency)
	for fi, format := range b.opts.Formats {
		for wi, width := range widths {
			g.Go(func() error {
				req := base.Clone()
				req.Width = width
				req.Height = 0
				req.Format = format
				req.Progressive = true
				v, err := b.gen.Generate(gctx, src, req, network)
				if err != nil {
					return fmt.Errorf("responsive: %s@%dw: %w", format, width, err)
				}
				results[fi][wi] = rungResult{format: format, v: v}
				return nil
			})
		}
	}
	g.Go(func() error {
		req := transform.Request{Width: placeholderEdge, Height: placeholderEdge, Blur: 2, Quality: 20, Format: transform.FormatJPEG, Crop: base.Crop}
		v, err := b.gen.Generate(gctx, src, req, bandwidth.Network{Class: bandwidth.ClassDefault})
		if err != nil {
			return fmt.Errorf("responsive: placeholder: %w", err)
		}
		placeholder = "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(v.Data)
		return nil
	})
	g.Go(func() error {
		req := base.Clone()
		req.Format = transform.FormatWebP
		req.Quality = 85
		v, err := b.gen.Generate(gctx, src, req, network)
		if err != nil {
			return fmt.Errorf("responsive: original: %w", err)
		}
		original = v
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	set := &Set{Original: original, Sizes: b.opts.Sizes, Placeholder: placeholder, Alt: alt}
	for fi, format := range b.opts.Formats {
		source := Source{Format: format, MIMEType: format.MIMEType()}
		seen := make(map[string]struct{}, len(widths))
		for wi := len(widths) - 1; wi >= 0; wi-- {
			v := results[fi][wi].v
			// Clamped rungs can resolve to the same variant.
			if _, dup := seen[v.Key]; dup {
				continue
			}
			seen[v.Key] = struct{}{}
			source.Descriptors = append(source.Descriptors, b.descriptor(v))
		}
		source.Srcset = srcset(source.Descriptors)
		set.Sources = append(set.Sources, source)
	}
	set.Srcset = set.Sources[0].Srcset
	set.Fallback = b.fallback(set.Sources)

	markup, err := b.picture.Render(set)
	if err != nil {
		return nil, fmt.Errorf("responsive: %w", err)
	}
	set.Markup = markup
	return set, nil
}

// ladder drops rungs wider than the source. When every rung is too wide a
// single rung at the source width remains.
func (b *Builder) ladder(srcWidth int) []int {
	var out []int
	for _, w := range b.opts.Widths {
		if w <= srcWidth {
			out = append(out, w)
		}
	}
	if len(out) == 0 {
		out = []int{srcWidth}
	}
	return out
}

func (b *Builder) descriptor(v *variant.Variant) Descriptor {
	return Descriptor{
		Key:    v.Key,
		URL:    b.opts.URLPrefix + v.Key,
		Width:  v.Width,
		Height: v.Height,
		Size:   v.Size,
	}
}

// fallback picks the universal-format descriptor closest to FallbackWidth,
// or the last format's when no JPEG source exists.
func (b *Builder) fallback(sources []Source) Descriptor {
	pick := sources[len(sources)-1]
	for _, s := range sources {
		if s.Format == transform.FormatJPEG {
			pick = s
			break
		}
	}
	best := pick.Descriptors[0]
	for _, d := range pick.Descriptors[1:] {
		if abs(d.Width-b.opts.FallbackWidth) < abs(best.Width-b.opts.FallbackWidth) {
			best = d
		}
	}
	return best
}

func srcset(ds []Descriptor) string {
	parts := make([]string, 0, len(ds))
	for _, d := range ds {
		parts = append(parts, d.URL+" "+strconv.Itoa(d.Width)+"w")
	}
	return strings.Join(parts, ", ")
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
