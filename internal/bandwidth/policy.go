// Package bandwidth biases transform requests toward smaller payloads for
// constrained networks.
package bandwidth

import (
	"slices"
	"strings"
	"sync/atomic"

	"github.com/l0p7/edgepix/internal/transform"
)

// Class is the network class a request is served under.
type Class string

const (
	ClassDefault     Class = "default"
	ClassConstrained Class = "constrained"
)

// Network identifies the caller's class and, when known, its region code.
type Network struct {
	Class  Class
	Region string
}

// Policy holds the tunables Adjust applies. The zero value is usable and
// behaves like DefaultPolicy with constrained mode disabled.
type Policy struct {
	Enabled            bool
	ConstrainedRegions []string
	DefaultQuality     int
	DefaultFormat      transform.Format
	RegionQuality      map[string]int
	QualityCeiling     int
	MaxWidth           int
	MaxHeight          int
}

// DefaultPolicy mirrors the shipped configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:            false,
		ConstrainedRegions: []string{"NG", "KE", "ZA", "GH", "EG", "MA"},
		DefaultQuality:     80,
		DefaultFormat:      transform.DefaultFormat,
		QualityCeiling:     75,
		MaxWidth:           1600,
		MaxHeight:          1200,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.DefaultQuality <= 0 || p.DefaultQuality > 100 {
		p.DefaultQuality = d.DefaultQuality
	}
	if p.DefaultFormat == "" {
		p.DefaultFormat = d.DefaultFormat
	}
	if p.QualityCeiling <= 0 || p.QualityCeiling > 100 {
		p.QualityCeiling = d.QualityCeiling
	}
	if p.MaxWidth <= 0 {
		p.MaxWidth = d.MaxWidth
	}
	if p.MaxHeight <= 0 {
		p.MaxHeight = d.MaxHeight
	}
	return p
}

// Classify maps a region code to a network. Regions are constrained only
// when bandwidth mode is enabled and the region is listed.
func (p Policy) Classify(region string) Network {
	region = strings.ToUpper(strings.TrimSpace(region))
	n := Network{Class: ClassDefault, Region: region}
	if p.Enabled && region != "" && slices.Contains(p.ConstrainedRegions, region) {
		n.Class = ClassConstrained
	}
	return n
}

// Adjust returns a copy of req with defaults filled and, for constrained
// networks, quality and dimensions clamped and progressive encoding forced.
// It has no side effects.
func (p Policy) Adjust(req transform.Request, n Network) transform.Request {
	p = p.normalized()
	out := req.Clone().WithDefaults(p.DefaultQuality, p.DefaultFormat)

	if ceiling, ok := p.RegionQuality[strings.ToUpper(n.Region)]; ok && ceiling > 0 && out.Quality > ceiling {
		out.Quality = ceiling
	}

	if n.Class != ClassConstrained {
		return out
	}
	out.Quality = min(out.Quality, p.QualityCeiling)
	if out.Width <= 0 || out.Width > p.MaxWidth {
		out.Width = p.MaxWidth
	}
	if out.Height <= 0 || out.Height > p.MaxHeight {
		out.Height = p.MaxHeight
	}
	out.AllowEnlarge = false
	out.Progressive = true
	return out
}

// Holder publishes the current policy for concurrent readers and lets a
// config reload swap it atomically.
type Holder struct {
	current atomic.Pointer[Policy]
}

// NewHolder seeds a Holder with p.
func NewHolder(p Policy) *Holder {
	h := &Holder{}
	h.Store(p)
	return h
}

// Load returns the active policy.
func (h *Holder) Load() Policy {
	if h == nil {
		return DefaultPolicy()
	}
	if p := h.current.Load(); p != nil {
		return *p
	}
	return DefaultPolicy()
}

// Store replaces the active policy.
func (h *Holder) Store(p Policy) {
	h.current.Store(&p)
}
