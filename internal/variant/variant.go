// Package variant computes, caches and purges encoded image variants.
package variant

import (
	"strconv"
	"time"

	"github.com/l0p7/edgepix/internal/store"
	"github.com/l0p7/edgepix/internal/transform"
)

// Key namespaces inside the shared store.
const (
	variantPrefix = "img:v:"
	indexPrefix   = "img:src:"
)

// DefaultTTL is how long a variant stays cached.
const DefaultTTL = 7 * 24 * time.Hour

// Variant is one encoded output and its metadata.
type Variant struct {
	Key         string           `json:"cacheKey"`
	Data        []byte           `json:"-"`
	Format      transform.Format `json:"format"`
	Width       int              `json:"width"`
	Height      int              `json:"height"`
	Size        int              `json:"size"`
	Quality     int              `json:"quality"`
	Progressive bool             `json:"progressive"`
	SourceURL   string           `json:"sourceUrl,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`

	// Cached is set when the variant was served from the store.
	Cached bool `json:"cached"`
}

// MIMEType is the Content-Type of Data.
func (v *Variant) MIMEType() string { return v.Format.MIMEType() }

func variantKey(key string) string { return variantPrefix + key }

func indexKey(sourceURL, key string) string {
	return indexPrefix + transform.URLDigest(sourceURL) + ":" + key
}

func toEntry(v *Variant) store.Entry {
	meta := map[string]string{
		"format":      string(v.Format),
		"width":       strconv.Itoa(v.Width),
		"height":      strconv.Itoa(v.Height),
		"size":        strconv.Itoa(v.Size),
		"quality":     strconv.Itoa(v.Quality),
		"progressive": strconv.FormatBool(v.Progressive),
	}
	if v.SourceURL != "" {
		meta["source"] = v.SourceURL
	}
	return store.Entry{Data: v.Data, Meta: meta, StoredAt: v.CreatedAt}
}

func fromEntry(key string, e store.Entry) *Variant {
	atoi := func(name string) int {
		n, _ := strconv.Atoi(e.Meta[name])
		return n
	}
	progressive, _ := strconv.ParseBool(e.Meta["progressive"])
	size := atoi("size")
	if size == 0 {
		size = len(e.Data)
	}
	return &Variant{
		Key:         key,
		Data:        e.Data,
		Format:      transform.Format(e.Meta["format"]),
		Width:       atoi("width"),
		Height:      atoi("height"),
		Size:        size,
		Quality:     atoi("quality"),
		Progressive: progressive,
		SourceURL:   e.Meta["source"],
		CreatedAt:   e.StoredAt,
	}
}
