package proxy

import (
	"errors"
	"net/http"
)

var (
	ErrMalformedRequest    = errors.New("malformed request")
	ErrMissingHostHeader   = errors.New("missing Host header")
	ErrInvalidTarget       = errors.New("invalid request target")
	ErrUnauthorized        = errors.New("proxy authentication failed")
	ErrBlockedHost         = errors.New("host is blocked")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrUpstreamProtocol    = errors.New("malformed upstream response")
)

// statusFor maps a session error to the status sent to the client.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBlockedHost):
		return http.StatusForbidden
	case errors.Is(err, ErrMalformedRequest),
		errors.Is(err, ErrMissingHostHeader),
		errors.Is(err, ErrInvalidTarget):
		return http.StatusBadRequest
	case errors.Is(err, ErrUpstreamUnreachable),
		errors.Is(err, ErrUpstreamProtocol):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
