package httpapi

import (
	"mime"
	"net/http"
	"strings"
	"time"
)

const (
	contentTypeJSON = "application/json"
	contentTypeHTML = "text/html; charset=utf-8"
)

// Cache-Control values by response class.
const (
	CacheImmutable = "public, max-age=31536000, immutable"
	CacheAPI       = "public, max-age=300, stale-while-revalidate=600"
	CacheDocument  = "public, max-age=0, must-revalidate"
	CacheNoStore   = "no-store"
)

// CacheControlFor maps a Content-Type onto the caching policy. Images and
// static script/style assets are immutable, JSON is briefly shared and HTML
// is always revalidated. Anything else gets no policy.
func CacheControlFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return CacheImmutable
	case mediaType == "application/json", strings.HasSuffix(mediaType, "+json"):
		return CacheAPI
	case mediaType == "text/html":
		return CacheDocument
	case mediaType == "text/css",
		mediaType == "text/javascript",
		mediaType == "application/javascript":
		return CacheImmutable
	default:
		return ""
	}
}

// setCacheControl sets Content-Type and the matching Cache-Control.
func setCacheControl(h http.Header, contentType string) {
	h.Set("Content-Type", contentType)
	if policy := CacheControlFor(contentType); policy != "" {
		h.Set("Cache-Control", policy)
	}
}

// setValidators attaches the ETag/Last-Modified pair.
func setValidators(h http.Header, etag string, modified time.Time) {
	if etag != "" {
		h.Set("ETag", etag)
	}
	if !modified.IsZero() {
		h.Set("Last-Modified", modified.UTC().Format(http.TimeFormat))
	}
}

// quoteETag renders a strong entity tag for an opaque value.
func quoteETag(v string) string {
	return `"` + v + `"`
}

// notModified evaluates If-None-Match, falling back to If-Modified-Since
// only when no entity tag was sent.
func notModified(r *http.Request, etag string, modified time.Time) bool {
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		return etagMatches(inm, etag)
	}
	if modified.IsZero() {
		return false
	}
	ims := r.Header.Get("If-Modified-Since")
	if ims == "" {
		return false
	}
	t, err := http.ParseTime(ims)
	if err != nil {
		return false
	}
	return !modified.Truncate(time.Second).After(t)
}

// etagMatches applies the weak comparison of If-None-Match.
func etagMatches(header, etag string) bool {
	if etag == "" {
		return false
	}
	want := strings.TrimPrefix(etag, "W/")
	for candidate := range strings.SplitSeq(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if strings.TrimPrefix(candidate, "W/") == want {
			return true
		}
	}
	return false
}
