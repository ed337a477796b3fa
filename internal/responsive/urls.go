package responsive

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/l0p7/edgepix/internal/transform"
)

// OptimizeURL builds a link to the optimize endpoint for a remote source.
// Unset fields are omitted; the format defaults to webp.
func OptimizeURL(baseURL, sourceURL string, req transform.Request) string {
	q := url.Values{}
	q.Set("url", sourceURL)
	if req.Width > 0 {
		q.Set("w", strconv.Itoa(req.Width))
	}
	if req.Height > 0 {
		q.Set("h", strconv.Itoa(req.Height))
	}
	if req.Quality > 0 {
		q.Set("q", strconv.Itoa(req.Quality))
	}
	format := req.Format
	if format == "" {
		format = transform.DefaultFormat
	}
	q.Set("f", string(format))
	if req.Progressive {
		q.Set("progressive", "true")
	}
	if req.Blur > 0 {
		q.Set("blur", strconv.FormatFloat(req.Blur, 'f', -1, 64))
	}
	if req.Grayscale {
		q.Set("grayscale", "true")
	}
	return strings.TrimSuffix(baseURL, "/") + "/optimize?" + q.Encode()
}
