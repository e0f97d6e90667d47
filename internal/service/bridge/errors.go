package bridge

import (
	"errors"
	"fmt"
	"net/http"

	"speech-stream-bridge/internal/models"
	"speech-stream-bridge/internal/service/stt"
)

// InboundError is a failure reading the client's audio stream.
type InboundError struct {
	Err error
}

func (e *InboundError) Error() string {
	return fmt.Sprintf("inbound audio stream: %v", e.Err)
}

func (e *InboundError) Unwrap() error { return e.Err }

// SinkError is a failure writing a transcript to the client.
type SinkError struct {
	Err error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("outbound transcript stream: %v", e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// ErrClosedBeforeReady is reported when the upstream closes before it was configured.
var ErrClosedBeforeReady = errors.New("upstream closed before the session was configured")

// StatusFor returns the HTTP status reported to a client that has not received
// any transcript yet.
func StatusFor(err error) int {
	var pe *stt.ProtocolError
	if errors.As(err, &pe) {
		return pe.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// MessageFor returns the client-facing message. Upstream protocol errors pass
// the service's own message through.
func MessageFor(err error) string {
	var pe *stt.ProtocolError
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	return err.Error()
}

func outcomeFor(err error) string {
	var ie *InboundError
	var se *SinkError
	switch {
	case errors.As(err, &ie):
		return models.OutcomeInboundErr
	case errors.As(err, &se):
		return models.OutcomeSinkErr
	default:
		return models.OutcomeUpstreamErr
	}
}

// errorKind labels err for logs, metrics and the session summary.
func errorKind(err error) string {
	var ie *InboundError
	var se *SinkError
	switch {
	case errors.As(err, &ie):
		return "inbound"
	case errors.As(err, &se):
		return "sink"
	default:
		return stt.ErrorKind(err)
	}
}
