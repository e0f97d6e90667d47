// Package stt defines the contract for upstream streaming speech-recognition sessions.
package stt

import "context"

// Callback receives lifecycle signals and decoded events from an upstream session.
// Implementations must not block for long: callbacks run on the adapter's I/O goroutines.
type Callback interface {
	// OnReady is called once the configuration message was sent and any
	// audio queued before that point has been flushed upstream.
	OnReady(flushed int)

	// OnEvent is called for every successfully decoded recognition event.
	OnEvent(ev Event)

	// OnClosed is called when the upstream transport closes without error.
	OnClosed()

	// OnError is called when the transport fails. It is terminal.
	OnError(err error)
}

// Adapter is one upstream recognition session (Soniox, Google, mock).
type Adapter interface {
	// Open starts connecting in the background and returns immediately.
	// The caller must not assume readiness until Callback.OnReady fires.
	Open(ctx context.Context, cb Callback) error

	// Send transmits one audio frame, or queues it if the session is not ready yet.
	Send(frame []byte) error

	// CloseSend signals end-of-audio upstream exactly once. If the session is
	// still connecting, the signal is queued behind the pending frames.
	CloseSend() error

	// Close signals end-of-audio if the transport is still open, then tears it down.
	// Calling Close on a closed adapter is a no-op.
	Close() error

	// Name returns the provider name for logs and metrics.
	Name() string
}

// Factory creates a fresh Adapter for the named session.
type Factory func(sessionID string) (Adapter, error)
