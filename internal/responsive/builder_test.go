package responsive

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/edgepix/internal/bandwidth"
	"github.com/l0p7/edgepix/internal/codec"
	"github.com/l0p7/edgepix/internal/imgerr"
	"github.com/l0p7/edgepix/internal/store"
	"github.com/l0p7/edgepix/internal/templates"
	"github.com/l0p7/edgepix/internal/transform"
	"github.com/l0p7/edgepix/internal/variant"
)

// recordingGenerator returns synthetic variants and remembers every request.
type recordingGenerator struct {
	srcWidth int
	maxWidth int
	mu       sync.Mutex
	requests []transform.Request
	fail     transform.Format
}

func (g *recordingGenerator) Generate(_ context.Context, src *transform.Source, req transform.Request, _ bandwidth.Network) (*variant.Variant, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	if req.Format == g.fail && g.fail != "" {
		return nil, imgerr.Newf(imgerr.KindEncodingFailure, "test", "boom")
	}
	if g.maxWidth > 0 && (req.Width == 0 || req.Width > g.maxWidth) {
		req.Width = g.maxWidth
	}
	w := req.Width
	if w == 0 || w > g.srcWidth {
		w = g.srcWidth
	}
	return &variant.Variant{
		Key:    transform.CacheKey(src.Digest(), req),
		Data:   []byte("img"),
		Format: req.Format,
		Width:  w,
		Height: w / 2,
		Size:   3,
	}, nil
}

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestBuildFullLadder(t *testing.T) {
	gen := &recordingGenerator{srcWidth: 2400}
	b, err := New(gen, nil, Options{}, discard())
	require.NoError(t, err)

	src := transform.NewSource(testJPEG(t, 2400, 1200), "image/jpeg", "")
	set, err := b.Build(context.Background(), src, transform.Request{}, `Lagos "skyline"`, bandwidth.Network{})
	require.NoError(t, err)

	// 7 widths x 3 formats + placeholder + original
	require.Len(t, gen.requests, len(DefaultWidths)*len(DefaultFormats)+2)

	require.Len(t, set.Sources, 3)
	require.Equal(t, transform.FormatAVIF, set.Sources[0].Format)
	require.Equal(t, transform.FormatWebP, set.Sources[1].Format)
	require.Equal(t, transform.FormatJPEG, set.Sources[2].Format)
	for _, s := range set.Sources {
		require.Len(t, s.Descriptors, len(DefaultWidths))
		require.Equal(t, 1920, s.Descriptors[0].Width, "widest first")
		require.Equal(t, 320, s.Descriptors[len(s.Descriptors)-1].Width)
		require.True(t, strings.HasPrefix(s.Srcset, "/optimized/"+s.Descriptors[0].Key+" 1920w, "))
	}
	require.Equal(t, set.Sources[0].Srcset, set.Srcset)

	require.Equal(t, 768, set.Fallback.Width)
	require.True(t, strings.HasPrefix(set.Placeholder, "data:image/jpeg;base64,"))
	require.Equal(t, DefaultSizes, set.Sizes)
	require.NotNil(t, set.Original)

	require.Contains(t, set.Markup, `<picture>`)
	require.Contains(t, set.Markup, `type="image/avif"`)
	require.Contains(t, set.Markup, `sizes="(max-width: 768px) 100vw, (max-width: 1200px) 50vw, 33vw"`)
	require.Contains(t, set.Markup, `src="/optimized/`+set.Fallback.Key+`"`)
	require.Contains(t, set.Markup, `alt="Lagos &#34;skyline&#34;"`)
	require.Contains(t, set.Markup, `loading="lazy"`)
}

func TestBuildSkipsRungsWiderThanSource(t *testing.T) {
	gen := &recordingGenerator{srcWidth: 700}
	b, err := New(gen, nil, Options{}, discard())
	require.NoError(t, err)

	set, err := b.Build(context.Background(), transform.NewSource(testJPEG(t, 700, 400), "", ""), transform.Request{}, "", bandwidth.Network{})
	require.NoError(t, err)
	for _, s := range set.Sources {
		require.Len(t, s.Descriptors, 2)
		require.Equal(t, 640, s.Descriptors[0].Width)
		for _, d := range s.Descriptors {
			require.LessOrEqual(t, d.Width, 700)
		}
	}
	for _, req := range gen.requests {
		require.LessOrEqual(t, req.Width, 700)
	}
}

func TestBuildCollapsesClampedRungs(t *testing.T) {
	gen := &recordingGenerator{srcWidth: 2400, maxWidth: 1024}
	b, err := New(gen, nil, Options{}, discard())
	require.NoError(t, err)

	set, err := b.Build(context.Background(), transform.NewSource(testJPEG(t, 2400, 1200), "image/jpeg", ""), transform.Request{}, "", bandwidth.Network{})
	require.NoError(t, err)
	for _, s := range set.Sources {
		widths := make([]int, 0, len(s.Descriptors))
		for _, d := range s.Descriptors {
			widths = append(widths, d.Width)
		}
		require.Equal(t, []int{1024, 768, 640, 320}, widths)
		require.Equal(t, 1, strings.Count(s.Srcset, " 1024w"))
	}
}

func TestBuildTinySourceKeepsOneRung(t *testing.T) {
	gen := &recordingGenerator{srcWidth: 100}
	b, err := New(gen, nil, Options{}, discard())
	require.NoError(t, err)

	set, err := b.Build(context.Background(), transform.NewSource(testJPEG(t, 100, 50), "", ""), transform.Request{}, "", bandwidth.Network{})
	require.NoError(t, err)
	for _, s := range set.Sources {
		require.Len(t, s.Descriptors, 1)
		require.Equal(t, 100, s.Descriptors[0].Width)
	}
	require.Equal(t, 100, set.Fallback.Width)
}

func TestBuildPropagatesGeneratorFailure(t *testing.T) {
	gen := &recordingGenerator{srcWidth: 1000, fail: transform.FormatAVIF}
	b, err := New(gen, nil, Options{}, discard())
	require.NoError(t, err)

	_, err = b.Build(context.Background(), transform.NewSource(testJPEG(t, 1000, 500), "", ""), transform.Request{}, "", bandwidth.Network{})
	require.ErrorIs(t, err, imgerr.ErrEncodingFailure)

	_, err = b.Build(context.Background(), transform.NewSource([]byte("nope"), "", ""), transform.Request{}, "", bandwidth.Network{})
	require.ErrorIs(t, err, imgerr.ErrUnsupportedFormat)
}

func TestBuildWithTemplateOverride(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "picture.html.tmpl"),
		[]byte(`<img src="{{ .Fallback.URL }}" alt="{{ .Alt | title }}">`), 0o600))
	sandbox, err := templates.NewSandbox(root)
	require.NoError(t, err)

	gen := &recordingGenerator{srcWidth: 800}
	b, err := New(gen, templates.NewRenderer(sandbox), Options{
		TemplateFile: "picture.html.tmpl",
		URLPrefix:    "https://img.example/optimized/",
		Widths:       []int{640, 320},
		Formats:      []transform.Format{transform.FormatWebP},
	}, discard())
	require.NoError(t, err)

	set, err := b.Build(context.Background(), transform.NewSource(testJPEG(t, 800, 400), "", ""), transform.Request{}, "market day", bandwidth.Network{})
	require.NoError(t, err)
	require.Equal(t, `<img src="https://img.example/optimized/`+set.Fallback.Key+`" alt="Market Day">`, set.Markup)
	require.Equal(t, 640, set.Fallback.Width)

	_, err = New(gen, templates.NewRenderer(sandbox), Options{TemplateFile: "missing.tmpl"}, discard())
	require.Error(t, err)
}

func TestBuildEndToEndWithRealGenerator(t *testing.T) {
	gen, err := variant.New(variant.Config{
		Store:   store.NewMemory(0, time.Hour),
		Encoder: codec.New(codec.Options{WebPMethod: 0, AVIFSpeed: 10}),
		Logger:  discard(),
	})
	require.NoError(t, err)
	b, err := New(gen, nil, Options{Widths: []int{320, 640}}, discard())
	require.NoError(t, err)

	img := image.NewRGBA(image.Rect(0, 0, 500, 300))
	for y := 0; y < 300; y++ {
		for x := 0; x < 500; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))

	set, err := b.Build(context.Background(), transform.NewSource(buf.Bytes(), "image/jpeg", ""), transform.Request{}, "alt", bandwidth.Network{})
	require.NoError(t, err)
	for _, s := range set.Sources {
		require.Len(t, s.Descriptors, 1)
		require.Equal(t, 320, s.Descriptors[0].Width)
		v, ok := gen.Lookup(context.Background(), s.Descriptors[0].Key)
		require.True(t, ok)
		require.Equal(t, s.Format, v.Format)
	}
	require.Equal(t, 500, set.Original.Width)
}

func TestOptimizeURL(t *testing.T) {
	raw := OptimizeURL("https://img.example/", "https://cdn.example/a b.jpg", transform.Request{Width: 640, Quality: 70, Progressive: true})
	u, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "/optimize", u.Path)
	q := u.Query()
	require.Equal(t, "https://cdn.example/a b.jpg", q.Get("url"))
	require.Equal(t, "640", q.Get("w"))
	require.Equal(t, "70", q.Get("q"))
	require.Equal(t, "webp", q.Get("f"))
	require.Equal(t, "true", q.Get("progressive"))
	require.Empty(t, q.Get("h"))
}

func TestNewRequiresGenerator(t *testing.T) {
	_, err := New(nil, nil, Options{}, nil)
	require.Error(t, err)
}
