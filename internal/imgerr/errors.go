// Package imgerr classifies pipeline failures so the HTTP boundary can render
// a stable envelope and background tasks can decide what to recover locally.
package imgerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates every failure class the image pipeline distinguishes.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidRequest
	KindUnsupportedFormat
	KindCorruptInput
	KindEncodingFailure
	KindUpstreamFetchFailure
	KindCacheUnavailable
	KindEdgeProviderFailure
	KindNotFound
	KindPayloadTooLarge
)

var (
	ErrInvalidRequest       = &Error{Kind: KindInvalidRequest}
	ErrUnsupportedFormat    = &Error{Kind: KindUnsupportedFormat}
	ErrCorruptInput         = &Error{Kind: KindCorruptInput}
	ErrEncodingFailure      = &Error{Kind: KindEncodingFailure}
	ErrUpstreamFetchFailure = &Error{Kind: KindUpstreamFetchFailure}
	ErrCacheUnavailable     = &Error{Kind: KindCacheUnavailable}
	ErrEdgeProviderFailure  = &Error{Kind: KindEdgeProviderFailure}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrPayloadTooLarge      = &Error{Kind: KindPayloadTooLarge}
)

// Error carries the failure kind, the operation that produced it and the
// underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New wraps cause with the supplied kind and operation name.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so the package-level sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid request"
	case KindUnsupportedFormat:
		return "unsupported format"
	case KindCorruptInput:
		return "corrupt input"
	case KindEncodingFailure:
		return "encoding failure"
	case KindUpstreamFetchFailure:
		return "upstream fetch failure"
	case KindCacheUnavailable:
		return "cache unavailable"
	case KindEdgeProviderFailure:
		return "edge provider failure"
	case KindNotFound:
		return "not found"
	case KindPayloadTooLarge:
		return "payload too large"
	default:
		return "internal error"
	}
}

// Code is the stable identifier rendered in error envelopes.
func (k Kind) Code() string {
	switch k {
	case KindInvalidRequest:
		return "INVALID_REQUEST"
	case KindUnsupportedFormat:
		return "UNSUPPORTED_FORMAT"
	case KindCorruptInput:
		return "CORRUPT_INPUT"
	case KindEncodingFailure:
		return "ENCODING_FAILURE"
	case KindUpstreamFetchFailure:
		return "UPSTREAM_FETCH_FAILURE"
	case KindCacheUnavailable:
		return "CACHE_UNAVAILABLE"
	case KindEdgeProviderFailure:
		return "EDGE_PROVIDER_FAILURE"
	case KindNotFound:
		return "NOT_FOUND"
	case KindPayloadTooLarge:
		return "PAYLOAD_TOO_LARGE"
	default:
		return "INTERNAL_ERROR"
	}
}

// HTTPStatus maps the kind onto the status the boundary responds with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case KindCorruptInput:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller may retry the operation with backoff.
func (k Kind) Retryable() bool {
	return k == KindUpstreamFetchFailure
}
