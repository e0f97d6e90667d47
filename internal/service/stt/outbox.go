package stt

import "sync"

// FrameWriter is the write half of an upstream transport.
type FrameWriter interface {
	// WriteFrame transmits one audio frame.
	WriteFrame(frame []byte) error
	// WriteEnd transmits the provider's end-of-audio signal.
	WriteEnd() error
}

type outboxState int

const (
	outboxConnecting outboxState = iota
	outboxOpen
	outboxClosed
)

// Outbox holds audio sent before the upstream session is ready and
// serializes all writes afterwards. Frames leave in arrival order, and the
// end-of-audio signal is written at most once, after every queued frame.
//
// Adapters embed one Outbox per session.
type Outbox struct {
	mu        sync.Mutex
	state     outboxState
	w         FrameWriter
	pending   [][]byte
	endQueued bool
	endSent   bool
}

// Send writes frame, or queues a copy of it while the transport is connecting.
func (o *Outbox) Send(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case outboxClosed:
		return ErrClosed
	case outboxConnecting:
		if o.endQueued {
			return ErrClosed
		}
		buf := make([]byte, len(frame))
		copy(buf, frame)
		o.pending = append(o.pending, buf)
		return nil
	}

	if o.endSent {
		return ErrClosed
	}
	return o.w.WriteFrame(frame)
}

// Ready switches the outbox to w and flushes the queue in FIFO order.
// A queued end-of-audio signal is written after the flushed frames.
func (o *Outbox) Ready(w FrameWriter) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != outboxConnecting {
		return 0, ErrClosed
	}

	o.w = w
	flushed := 0
	for _, frame := range o.pending {
		if err := w.WriteFrame(frame); err != nil {
			o.pending = nil
			o.state = outboxClosed
			return flushed, err
		}
		flushed++
	}
	o.pending = nil
	o.state = outboxOpen

	if o.endQueued && !o.endSent {
		o.endSent = true
		if err := w.WriteEnd(); err != nil {
			return flushed, err
		}
	}
	return flushed, nil
}

// CloseSend writes the end-of-audio signal once, or queues it while connecting.
func (o *Outbox) CloseSend() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case outboxClosed:
		return nil
	case outboxConnecting:
		o.endQueued = true
		return nil
	}

	if o.endSent {
		return nil
	}
	o.endSent = true
	return o.w.WriteEnd()
}

// Shutdown closes the outbox. If the transport is open and end-of-audio has
// not been written yet, it is written first. Reports whether the transport
// had been open, so the caller knows whether there is anything to tear down.
func (o *Outbox) Shutdown() (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == outboxClosed {
		return false, nil
	}

	wasOpen := o.state == outboxOpen
	var err error
	if wasOpen && !o.endSent {
		o.endSent = true
		err = o.w.WriteEnd()
	}
	o.state = outboxClosed
	o.pending = nil
	return wasOpen, err
}

// Abort closes the outbox without writing anything. Used after the transport failed.
func (o *Outbox) Abort() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = outboxClosed
	o.pending = nil
}

// Pending returns the number of queued frames.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Closed reports whether Shutdown or Abort was called.
func (o *Outbox) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == outboxClosed
}
