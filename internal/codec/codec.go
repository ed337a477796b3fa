// Package codec turns a source payload and a transform request into one
// encoded variant. It performs no I/O; overlays are handed in already decoded.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif" // register GIF decoder
	"image/jpeg"
	"image/png"
	"math"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/avif"
	"github.com/gen2brain/jpegli"
	"github.com/gen2brain/webp"
	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder

	"github.com/l0p7/edgepix/internal/imgerr"
	"github.com/l0p7/edgepix/internal/transform"
)

const defaultQuality = 80

// Options tunes encoder effort and decode limits.
type Options struct {
	// WebPMethod is the libwebp method (0 fast .. 6 best compression).
	WebPMethod int
	// AVIFSpeed is the libavif speed (0 slowest .. 10 fastest).
	AVIFSpeed int
	// MaxPixels rejects sources whose decoded area exceeds this bound.
	MaxPixels int
}

// DefaultOptions favours compression over speed for the next-gen formats.
func DefaultOptions() Options {
	return Options{WebPMethod: 6, AVIFSpeed: 6, MaxPixels: 50_000_000}
}

// Result describes one encoded variant. Progressive is set only when the
// output is a progressive JPEG; other formats ignore the request flag.
type Result struct {
	Data        []byte
	Format      transform.Format
	Width       int
	Height      int
	Size        int
	Quality     int
	Progressive bool
}

// Codec is safe for concurrent use.
type Codec struct {
	opts Options
}

// New constructs a Codec, normalising out-of-range options.
func New(opts Options) *Codec {
	if opts.WebPMethod < 0 || opts.WebPMethod > 6 {
		opts.WebPMethod = 6
	}
	if opts.AVIFSpeed < 0 || opts.AVIFSpeed > 10 {
		opts.AVIFSpeed = 6
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = DefaultOptions().MaxPixels
	}
	return &Codec{opts: opts}
}

// Encode decodes src, applies crop, resize, effects and watermark in that
// order, then encodes to req.Format. overlay may be nil when req carries no
// watermark.
func (c *Codec) Encode(src []byte, req transform.Request, overlay image.Image) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = imgerr.Newf(imgerr.KindEncodingFailure, "codec.encode", "panic: %v", r)
		}
	}()

	format := req.Format
	if format == "" {
		format = transform.DefaultFormat
	}
	quality := req.Quality
	if quality <= 0 {
		quality = defaultQuality
	}

	img, err := c.decode(src)
	if err != nil {
		return nil, err
	}

	if req.Crop != nil {
		img, err = applyCrop(img, *req.Crop)
		if err != nil {
			return nil, err
		}
	}
	img = fitInside(img, req.Width, req.Height, req.AllowEnlarge)
	img = applyEffects(img, req)
	if req.Watermark != nil && overlay != nil {
		img = applyWatermark(img, overlay, *req.Watermark)
	}

	progressive := req.Progressive && format == transform.FormatJPEG
	data, err := c.encode(img, format, quality, progressive)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	return &Result{
		Data:        data,
		Format:      format,
		Width:       b.Dx(),
		Height:      b.Dy(),
		Size:        len(data),
		Quality:     quality,
		Progressive: progressive,
	}, nil
}

// Dimensions reports the pixel size of src without decoding the full image.
func Dimensions(src []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(src))
	if err != nil {
		return 0, 0, classifyDecodeError("codec.dimensions", err)
	}
	return cfg.Width, cfg.Height, nil
}

// DecodeOverlay decodes a watermark image.
func DecodeOverlay(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, classifyDecodeError("codec.overlay", err)
	}
	return img, nil
}

func (c *Codec) decode(src []byte) (image.Image, error) {
	if len(src) == 0 {
		return nil, imgerr.Newf(imgerr.KindUnsupportedFormat, "codec.decode", "empty image data")
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(src))
	if err != nil {
		return nil, classifyDecodeError("codec.decode", err)
	}
	if cfg.Width*cfg.Height > c.opts.MaxPixels {
		return nil, imgerr.Newf(imgerr.KindPayloadTooLarge, "codec.decode",
			"%dx%d exceeds %d pixels", cfg.Width, cfg.Height, c.opts.MaxPixels)
	}
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, classifyDecodeError("codec.decode", err)
	}
	return img, nil
}

func classifyDecodeError(op string, err error) error {
	if errors.Is(err, image.ErrFormat) {
		return imgerr.New(imgerr.KindUnsupportedFormat, op, err)
	}
	return imgerr.New(imgerr.KindCorruptInput, op, err)
}

func applyCrop(img image.Image, c transform.Crop) (image.Image, error) {
	b := img.Bounds()
	rect := image.Rect(b.Min.X+c.X, b.Min.Y+c.Y, b.Min.X+c.X+c.Width, b.Min.Y+c.Y+c.Height).Intersect(b)
	if rect.Empty() {
		return nil, imgerr.Newf(imgerr.KindInvalidRequest, "codec.crop",
			"crop %dx%d+%d+%d lies outside %dx%d source", c.Width, c.Height, c.X, c.Y, b.Dx(), b.Dy())
	}
	return imaging.Crop(img, rect), nil
}

// fitInside scales img to fit within width x height preserving aspect ratio.
// A zero bound is unconstrained. Without allowEnlarge the scale never exceeds 1.
func fitInside(img image.Image, width, height int, allowEnlarge bool) image.Image {
	if width <= 0 && height <= 0 {
		return img
	}
	b := img.Bounds()
	sw, sh := b.Dx(), b.Dy()
	if sw == 0 || sh == 0 {
		return img
	}
	scale := math.Inf(1)
	if width > 0 {
		scale = float64(width) / float64(sw)
	}
	if height > 0 {
		scale = math.Min(scale, float64(height)/float64(sh))
	}
	if !allowEnlarge && scale >= 1 {
		return img
	}
	if scale == 1 {
		return img
	}
	nw := max(1, int(math.Round(float64(sw)*scale)))
	nh := max(1, int(math.Round(float64(sh)*scale)))
	if width > 0 {
		nw = min(nw, max(width, 1))
	}
	if height > 0 {
		nh = min(nh, max(height, 1))
	}
	return imaging.Resize(img, nw, nh, imaging.Lanczos)
}

func applyEffects(img image.Image, req transform.Request) image.Image {
	if req.Blur > 0 {
		img = imaging.Blur(img, req.Blur)
	}
	if req.Grayscale {
		img = imaging.Grayscale(img)
	}
	if pct, ok := multiplierPercent(req.Brightness, 100); ok {
		img = imaging.AdjustBrightness(img, pct)
	}
	if pct, ok := multiplierPercent(req.Contrast, 100); ok {
		img = imaging.AdjustContrast(img, pct)
	}
	if pct, ok := multiplierPercent(req.Saturation, 500); ok {
		img = imaging.AdjustSaturation(img, pct)
	}
	return img
}

// multiplierPercent converts a 1.0-identity multiplier into the percentage
// imaging expects. Zero means unset.
func multiplierPercent(m, upper float64) (float64, bool) {
	if m == 0 || m == 1 {
		return 0, false
	}
	pct := (m - 1) * 100
	return math.Max(-100, math.Min(upper, pct)), true
}

func applyWatermark(img, overlay image.Image, wm transform.Watermark) image.Image {
	b := img.Bounds()
	size := min(b.Dx(), b.Dy()) / 10
	if size < 1 {
		return img
	}
	mark := imaging.Fit(overlay, size, size, imaging.Lanczos)
	mb := mark.Bounds()
	var pos image.Point
	switch wm.Position {
	case transform.PositionTopLeft:
		pos = image.Pt(0, 0)
	case transform.PositionTopRight:
		pos = image.Pt(b.Dx()-mb.Dx(), 0)
	case transform.PositionBottomLeft:
		pos = image.Pt(0, b.Dy()-mb.Dy())
	case transform.PositionCenter:
		pos = image.Pt((b.Dx()-mb.Dx())/2, (b.Dy()-mb.Dy())/2)
	default:
		pos = image.Pt(b.Dx()-mb.Dx(), b.Dy()-mb.Dy())
	}
	opacity := wm.Opacity
	if opacity <= 0 {
		opacity = 1
	}
	return imaging.Overlay(img, mark, pos, opacity)
}

func (c *Codec) encode(img image.Image, format transform.Format, quality int, progressive bool) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case transform.FormatAVIF:
		err = avif.Encode(&buf, img, avif.Options{
			Quality:           quality,
			QualityAlpha:      quality,
			Speed:             c.opts.AVIFSpeed,
			ChromaSubsampling: image.YCbCrSubsampleRatio420,
		})
	case transform.FormatWebP:
		err = webp.Encode(&buf, img, webp.Options{Quality: quality, Method: c.opts.WebPMethod})
	case transform.FormatJPEG:
		if progressive {
			err = jpegli.Encode(&buf, flatten(img), &jpegli.EncodingOptions{
				Quality:              quality,
				ChromaSubsampling:    image.YCbCrSubsampleRatio420,
				ProgressiveLevel:     2,
				OptimizeCoding:       true,
				AdaptiveQuantization: true,
			})
			break
		}
		err = jpeg.Encode(&buf, flatten(img), &jpeg.Options{Quality: quality})
	case transform.FormatPNG:
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		err = enc.Encode(&buf, reducePalette(img))
	default:
		return nil, imgerr.Newf(imgerr.KindUnsupportedFormat, "codec.encode", "output format %q", format)
	}
	if err != nil {
		return nil, imgerr.New(imgerr.KindEncodingFailure, "codec.encode", fmt.Errorf("%s: %w", format, err))
	}
	return buf.Bytes(), nil
}

// flatten composites img onto white so transparent regions do not turn black
// in formats without alpha.
func flatten(img image.Image) image.Image {
	if opaque, ok := img.(interface{ Opaque() bool }); ok && opaque.Opaque() {
		return img
	}
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1)
}

// reducePalette returns a paletted copy when img uses at most 256 colours.
func reducePalette(img image.Image) image.Image {
	if _, ok := img.(*image.Paletted); ok {
		return img
	}
	b := img.Bounds()
	index := make(map[color.NRGBA]uint8, 256)
	palette := make(color.Palette, 0, 256)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			if _, ok := index[c]; ok {
				continue
			}
			if len(palette) == 256 {
				return img
			}
			index[c] = uint8(len(palette))
			palette = append(palette, c)
		}
	}
	out := image.NewPaletted(image.Rect(0, 0, b.Dx(), b.Dy()), palette)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			out.SetColorIndex(x-b.Min.X, y-b.Min.Y, index[c])
		}
	}
	return out
}
