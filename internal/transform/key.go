package transform

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
)

// CodecVersion is folded into every cache key. Bump it whenever encoder
// output changes so previously cached variants stop matching.
const CodecVersion = "edgepix-codec/1"

// Source is an immutable source payload with its declared or sniffed MIME
// type. URL is empty for uploads.
type Source struct {
	Data     []byte
	MIMEType string
	URL      string

	digestOnce sync.Once
	digest     string
}

// NewSource wraps data, sniffing the MIME type when none is declared.
func NewSource(data []byte, mimeType, url string) *Source {
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	return &Source{Data: data, MIMEType: mimeType, URL: url}
}

// Digest is the hex sha256 of the payload, computed once.
func (s *Source) Digest() string {
	s.digestOnce.Do(func() {
		sum := sha256.Sum256(s.Data)
		s.digest = hex.EncodeToString(sum[:])
	})
	return s.digest
}

// IsImage reports whether the MIME type names an image.
func (s *Source) IsImage() bool {
	return strings.HasPrefix(s.MIMEType, "image/")
}

// CacheKey derives the content-addressed key for a source digest and an
// already adjusted request. The result is 64 lowercase hex characters.
func CacheKey(sourceDigest string, req Request) string {
	h := sha256.New()
	h.Write([]byte(CodecVersion))
	h.Write([]byte{0})
	h.Write([]byte(sourceDigest))
	h.Write([]byte{0})
	h.Write([]byte(req.canonical()))
	return hex.EncodeToString(h.Sum(nil))
}

// ValidKey reports whether s has the shape of a key produced by CacheKey.
func ValidKey(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// URLDigest hashes a source URL for use in the purge index.
func URLDigest(url string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(url)))
	return hex.EncodeToString(sum[:16])
}
