// Package perr enumerates the error kinds the proxy maps to client-visible
// HTTP responses, per the error handling table in the specification.
package perr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the error categories the proxy distinguishes when
// deciding how to respond to the client.
type Kind string

const (
	KindBodyTooLarge     Kind = "BodyTooLarge"
	KindUpstreamConnect  Kind = "Upstream/Connect"
	KindUpstreamTimeout  Kind = "Upstream/Timeout"
	KindUpstreamTLS      Kind = "Upstream/Tls"
	KindUpstreamIO       Kind = "Upstream/Io"
	KindStore            Kind = "Store"
	KindFilterSkipped    Kind = "FilterSkipped"
	KindWsUpgrade        Kind = "WsUpgrade"
)

// Error wraps an underlying cause with a Kind and, for WsUpgrade, the status
// the upstream reported during the failed upgrade.
type Error struct {
	Kind   Kind
	Status int // used only by WsUpgrade; zero otherwise means "use the default for Kind"
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind wrapping err.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// WithStatus constructs a WsUpgrade error carrying the upstream's status code.
func WithStatus(status int, err error) *Error {
	return &Error{Kind: KindWsUpgrade, Status: status, Err: err}
}

// HTTPStatus returns the status code the client should see for this error,
// per the mapping table in the error handling design.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindBodyTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUpstreamConnect, KindUpstreamTLS:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamIO:
		return http.StatusBadGateway
	case KindWsUpgrade:
		if e.Status != 0 {
			return e.Status
		}
		return http.StatusBadGateway
	default:
		// Store and FilterSkipped never surface as a client-visible 5xx;
		// callers handle them by passing through instead of calling HTTPStatus.
		return http.StatusInternalServerError
	}
}

// As reports whether err (or something it wraps) is a *Error of the given kind.
func As(err error, kind Kind) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Kind == kind
}
