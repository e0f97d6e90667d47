package stt

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrClosed is returned by Send after the session was closed.
var ErrClosed = errors.New("upstream session closed")

// TransportError is a connection-level failure (refused, reset, dial timeout).
// It is terminal: adapters never retry.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is an error reported by the recognition service itself.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.Code, e.Message)
}

// HTTPStatus maps the remote code onto an HTTP status; codes outside 400-599 become 500.
func (e *ProtocolError) HTTPStatus() int {
	if e.Code >= 400 && e.Code <= 599 {
		return e.Code
	}
	return http.StatusInternalServerError
}

// MalformedEventError is a payload that could not be decoded. Sessions skip it.
type MalformedEventError struct {
	Size int
	Err  error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed upstream event (%d bytes): %v", e.Size, e.Err)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// ErrorKind classifies err for metrics labels.
func ErrorKind(err error) string {
	var te *TransportError
	var pe *ProtocolError
	var me *MalformedEventError
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &pe):
		return "protocol"
	case errors.As(err, &te):
		return "transport"
	case errors.As(err, &me):
		return "malformed"
	default:
		return "other"
	}
}
