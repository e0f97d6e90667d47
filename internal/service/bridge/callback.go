package bridge

import "speech-stream-bridge/internal/service/stt"

type signalKind int

const (
	sigReady signalKind = iota
	sigEvent
	sigClosed
	sigError
)

// signal is one adapter callback, handed to the session's run loop.
type signal struct {
	kind    signalKind
	flushed int
	event   stt.Event
	err     error
}

// funnel implements stt.Callback by forwarding every call into the run loop,
// so session state is only ever touched by one goroutine.
type funnel struct {
	signals chan<- signal
	done    <-chan struct{}
}

func (f *funnel) OnReady(flushed int) { f.send(signal{kind: sigReady, flushed: flushed}) }

func (f *funnel) OnEvent(ev stt.Event) { f.send(signal{kind: sigEvent, event: ev}) }

func (f *funnel) OnClosed() { f.send(signal{kind: sigClosed}) }

func (f *funnel) OnError(err error) { f.send(signal{kind: sigError, err: err}) }

// send drops the signal once the session has ended.
func (f *funnel) send(sig signal) {
	select {
	case f.signals <- sig:
	case <-f.done:
	}
}
