// Package fetch retrieves source images from remote URLs.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/l0p7/edgepix/internal/imgerr"
	"github.com/l0p7/edgepix/internal/transform"
)

const (
	DefaultTimeout  = 10 * time.Second
	DefaultMaxBytes = 20 << 20
	userAgent       = "edgepix/1.0"
)

// HTTPFetcher downloads sources over HTTP(S) with a per-call timeout and a
// body size cap.
type HTTPFetcher struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
}

// New returns a fetcher. client may be nil.
func New(client *http.Client, timeout time.Duration, maxBytes int64) *HTTPFetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPFetcher{client: client, timeout: timeout, maxBytes: maxBytes}
}

// Fetch downloads rawURL. Bad URLs are InvalidRequest, oversize bodies are
// PayloadTooLarge, everything else is UpstreamFetchFailure.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*transform.Source, error) {
	const op = "fetch.source"

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, imgerr.Newf(imgerr.KindInvalidRequest, op, "url must be absolute http(s): %q", rawURL)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, imgerr.New(imgerr.KindInvalidRequest, op, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "image/avif,image/webp,image/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return nil, imgerr.Newf(imgerr.KindUpstreamFetchFailure, op, "timed out after %s", f.timeout)
		}
		return nil, imgerr.New(imgerr.KindUpstreamFetchFailure, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, imgerr.Newf(imgerr.KindUpstreamFetchFailure, op, "unexpected status %d", resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return nil, imgerr.Newf(imgerr.KindPayloadTooLarge, op,
			"content length %d exceeds %d bytes", resp.ContentLength, f.maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, imgerr.Newf(imgerr.KindUpstreamFetchFailure, op, "timed out after %s", f.timeout)
		}
		return nil, imgerr.New(imgerr.KindUpstreamFetchFailure, op, fmt.Errorf("read body: %w", err))
	}
	if int64(len(data)) > f.maxBytes {
		return nil, imgerr.Newf(imgerr.KindPayloadTooLarge, op, "body exceeds %d bytes", f.maxBytes)
	}

	src := transform.NewSource(data, resp.Header.Get("Content-Type"), rawURL)
	if !src.IsImage() {
		// Some origins mislabel images; trust the bytes over the header.
		src = transform.NewSource(data, "", rawURL)
	}
	if !src.IsImage() {
		return nil, imgerr.Newf(imgerr.KindUnsupportedFormat, op, "content type %s", src.MIMEType)
	}
	return src, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
