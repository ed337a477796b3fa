// Package transform defines the value objects that describe a single image
// variant: the semantic request, the source payload and the content-addressed
// cache key derived from both.
package transform

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/l0p7/edgepix/internal/imgerr"
)

// Format is one of the closed set of output encodings.
type Format string

const (
	// FormatAVIF is the next-gen format tried first in responsive sets.
	FormatAVIF Format = "avif"
	// FormatWebP is the widely supported lossy format and the default output.
	FormatWebP Format = "webp"
	// FormatJPEG is the universal fallback.
	FormatJPEG Format = "jpeg"
	// FormatPNG is the lossless path.
	FormatPNG Format = "png"
)

// DefaultFormat is used when a request leaves the format unspecified.
const DefaultFormat = FormatWebP

// ParseFormat accepts the user-facing spelling of a format. An empty string
// yields an empty Format so callers can distinguish "unset".
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return "", nil
	case "avif":
		return FormatAVIF, nil
	case "webp":
		return FormatWebP, nil
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	default:
		return "", imgerr.Newf(imgerr.KindInvalidRequest, "transform.format", "unknown format %q", raw)
	}
}

// MIMEType returns the Content-Type for encoded bytes of this format.
func (f Format) MIMEType() string {
	switch f {
	case FormatAVIF:
		return "image/avif"
	case FormatWebP:
		return "image/webp"
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// Position places a watermark on the output.
type Position string

const (
	PositionTopLeft     Position = "top-left"
	PositionTopRight    Position = "top-right"
	PositionBottomLeft  Position = "bottom-left"
	PositionBottomRight Position = "bottom-right"
	PositionCenter      Position = "center"
)

// Crop selects a rectangle of the source before resizing.
type Crop struct {
	X      int `json:"x" validate:"gte=0"`
	Y      int `json:"y" validate:"gte=0"`
	Width  int `json:"width" validate:"gte=1"`
	Height int `json:"height" validate:"gte=1"`
}

// Watermark references an overlay image by name.
type Watermark struct {
	Image    string   `json:"image" validate:"required,max=255"`
	Position Position `json:"position,omitempty" validate:"omitempty,oneof=top-left top-right bottom-left bottom-right center"`
	Opacity  float64  `json:"opacity" validate:"gte=0,lte=1"`
}

// Request is the semantic description of one variant. Zero values mean
// "unset" for every optional numeric field; multipliers use 1.0 as identity.
type Request struct {
	Width        int        `json:"width,omitempty" validate:"gte=0,lte=8192"`
	Height       int        `json:"height,omitempty" validate:"gte=0,lte=8192"`
	Quality      int        `json:"quality,omitempty" validate:"gte=0,lte=100"`
	Format       Format     `json:"format,omitempty" validate:"omitempty,oneof=avif webp jpeg png"`
	Progressive  bool       `json:"progressive,omitempty"`
	Blur         float64    `json:"blur,omitempty" validate:"gte=0,lte=100"`
	Grayscale    bool       `json:"grayscale,omitempty"`
	Brightness   float64    `json:"brightness,omitempty" validate:"gte=0,lte=10"`
	Contrast     float64    `json:"contrast,omitempty" validate:"gte=0,lte=10"`
	Saturation   float64    `json:"saturation,omitempty" validate:"gte=0,lte=10"`
	Crop         *Crop      `json:"crop,omitempty"`
	Watermark    *Watermark `json:"watermark,omitempty"`
	AllowEnlarge bool       `json:"allowEnlarge,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and enumerations. Failures are reported as
// imgerr.KindInvalidRequest.
func (r Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return imgerr.Newf(imgerr.KindInvalidRequest, "transform.validate",
				"field %s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return imgerr.New(imgerr.KindInvalidRequest, "transform.validate", err)
	}
	return nil
}

// WithDefaults fills the output format and quality when unset.
func (r Request) WithDefaults(quality int, format Format) Request {
	if r.Quality == 0 {
		r.Quality = quality
	}
	if r.Format == "" {
		r.Format = format
	}
	return r
}

// Clone returns a deep copy so callers can adjust pointers safely.
func (r Request) Clone() Request {
	out := r
	if r.Crop != nil {
		c := *r.Crop
		out.Crop = &c
	}
	if r.Watermark != nil {
		w := *r.Watermark
		out.Watermark = &w
	}
	return out
}

// canonical renders every field in a fixed order. Two requests with equal
// canonical strings are cache-equivalent.
func (r Request) canonical() string {
	var b strings.Builder
	fmt.Fprintf(&b, "w=%d;h=%d;q=%d;f=%s;p=%t;blur=%g;gray=%t;br=%g;ct=%g;sat=%g;enl=%t",
		r.Width, r.Height, r.Quality, r.Format, r.Progressive, r.Blur, r.Grayscale,
		r.Brightness, r.Contrast, r.Saturation, r.AllowEnlarge)
	if r.Crop != nil {
		fmt.Fprintf(&b, ";crop=%d,%d,%d,%d", r.Crop.X, r.Crop.Y, r.Crop.Width, r.Crop.Height)
	} else {
		b.WriteString(";crop=-")
	}
	if r.Watermark != nil {
		fmt.Fprintf(&b, ";wm=%q,%s,%g", r.Watermark.Image, r.Watermark.Position, r.Watermark.Opacity)
	} else {
		b.WriteString(";wm=-")
	}
	return b.String()
}
