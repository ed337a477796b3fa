package variant

import (
	"fmt"
	"image"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/l0p7/edgepix/internal/codec"
	"github.com/l0p7/edgepix/internal/imgerr"
	"github.com/l0p7/edgepix/internal/templates"
)

const maxOverlayBytes = 2 << 20

// OverlayLoader resolves a watermark reference to a decoded image.
type OverlayLoader interface {
	Load(name string) (image.Image, error)
}

// SandboxOverlays loads watermark images from a sandboxed folder and keeps
// recently used ones decoded for a few minutes.
type SandboxOverlays struct {
	sandbox *templates.Sandbox
	decoded *expirable.LRU[string, image.Image]
}

// NewSandboxOverlays wraps sandbox. A nil sandbox rejects every watermark.
func NewSandboxOverlays(sandbox *templates.Sandbox) *SandboxOverlays {
	return &SandboxOverlays{
		sandbox: sandbox,
		decoded: expirable.NewLRU[string, image.Image](32, nil, 5*time.Minute),
	}
}

func (o *SandboxOverlays) Load(name string) (image.Image, error) {
	const op = "variant.watermark"
	if o == nil || o.sandbox == nil {
		return nil, imgerr.Newf(imgerr.KindInvalidRequest, op, "watermarks are not configured")
	}
	if img, ok := o.decoded.Get(name); ok {
		return img, nil
	}
	data, err := o.sandbox.ReadFile(name, maxOverlayBytes)
	if err != nil {
		return nil, imgerr.New(imgerr.KindInvalidRequest, op, fmt.Errorf("watermark %q: %w", name, err))
	}
	img, err := codec.DecodeOverlay(data)
	if err != nil {
		return nil, imgerr.New(imgerr.KindInvalidRequest, op, fmt.Errorf("watermark %q: %w", name, err))
	}
	o.decoded.Add(name, img)
	return img, nil
}
