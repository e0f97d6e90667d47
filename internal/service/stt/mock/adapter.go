// Package mock provides a mock STT adapter for running without cloud credentials.
// It simulates a real-time recognizer: words are finalized as audio time
// advances, each event previews the next word as a non-final token, and the
// remaining words are finalized when the audio stream ends.
package mock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"speech-stream-bridge/internal/observability/metrics"
	"speech-stream-bridge/internal/service/stt"
)

const providerName = "mock"

// bytesPerMs for 8 kHz mono 16-bit PCM.
const bytesPerMs = 16

// DefaultUtterances provides sample scripts for simulation.
var DefaultUtterances = []string{
	"I want to cancel my subscription",
	"Yes please go ahead",
	"Can you help me with my account",
	"I've been waiting for over an hour",
	"Thank you very much",
}

// utteranceCounter tracks which utterance to use next (cycles through defaults)
var (
	utteranceCounter int
	counterMu        sync.Mutex
)

// Config controls the simulation.
type Config struct {
	// Utterance overrides the script; empty cycles through DefaultUtterances.
	Utterance string
	// MsPerWord is the audio duration after which the next word is finalized.
	MsPerWord int64
	// ConnectDelay simulates the upstream handshake.
	ConnectDelay time.Duration
	// FailWith, when set, is reported via OnError instead of becoming ready.
	FailWith error
}

// Adapter implements stt.Adapter with scripted responses.
type Adapter struct {
	cfg     Config
	words   []string
	log     zerolog.Logger
	metrics *metrics.Metrics

	outbox  stt.Outbox
	opened  atomic.Bool
	closing atomic.Bool
	cancel  context.CancelFunc

	// Recognizer state, only touched from WriteFrame/WriteEnd (serialized by outbox).
	audioMs  int64
	next     int
	finalMs  int64
	finished bool

	qmu    sync.Mutex
	queue  []stt.Event
	ended  bool
	notify chan struct{}

	closeOnce sync.Once
}

// New creates a new mock STT adapter. A nil m uses metrics.DefaultMetrics.
func New(cfg Config, log zerolog.Logger, m *metrics.Metrics) *Adapter {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	if cfg.MsPerWord <= 0 {
		cfg.MsPerWord = 200
	}
	if cfg.Utterance == "" {
		counterMu.Lock()
		cfg.Utterance = DefaultUtterances[utteranceCounter%len(DefaultUtterances)]
		utteranceCounter++
		counterMu.Unlock()
	}
	return &Adapter{
		cfg:     cfg,
		words:   strings.Fields(cfg.Utterance),
		log:     log,
		metrics: m,
		notify:  make(chan struct{}, 1),
	}
}

func (a *Adapter) Name() string { return providerName }

// Open simulates the handshake in the background.
func (a *Adapter) Open(ctx context.Context, cb stt.Callback) error {
	if !a.opened.CompareAndSwap(false, true) {
		return errors.New("mock: adapter already opened")
	}
	ctx, a.cancel = context.WithCancel(ctx)
	go a.run(ctx, cb)
	return nil
}

func (a *Adapter) run(ctx context.Context, cb stt.Callback) {
	select {
	case <-time.After(a.cfg.ConnectDelay):
	case <-ctx.Done():
		a.outbox.Abort()
		return
	}

	if a.cfg.FailWith != nil {
		a.outbox.Abort()
		if !a.closing.Load() {
			cb.OnError(a.cfg.FailWith)
		}
		return
	}

	flushed, err := a.outbox.Ready(recognizer{a})
	if err != nil {
		return
	}
	if !a.closing.Load() {
		cb.OnReady(flushed)
	}
	a.deliver(ctx, cb)
}

// deliver hands queued events to cb until the stream ends or ctx is cancelled.
func (a *Adapter) deliver(ctx context.Context, cb stt.Callback) {
	for {
		a.qmu.Lock()
		batch, ended := a.queue, a.ended
		a.queue = nil
		a.qmu.Unlock()

		for _, ev := range batch {
			if a.closing.Load() {
				return
			}
			a.metrics.RecordUpstreamEvent(providerName)
			cb.OnEvent(ev)
		}
		if ended {
			a.outbox.Abort()
			if !a.closing.Load() {
				cb.OnClosed()
			}
			return
		}

		select {
		case <-a.notify:
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) push(ev stt.Event, end bool) {
	a.qmu.Lock()
	a.queue = append(a.queue, ev)
	if end {
		a.ended = true
	}
	a.qmu.Unlock()

	select {
	case a.notify <- struct{}{}:
	default:
	}
}

// Send simulates streaming audio to the recognizer.
func (a *Adapter) Send(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	return a.outbox.Send(frame)
}

func (a *Adapter) CloseSend() error {
	return a.outbox.CloseSend()
}

// Close ends the mock session.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.closing.Store(true)
		_, err = a.outbox.Shutdown()
		if a.cancel != nil {
			a.cancel()
		}
	})
	return err
}

// token renders word i the way a sub-word recognizer does: every word but the
// first carries its leading space.
func (a *Adapter) token(i int, final bool) stt.Token {
	text := a.words[i]
	if i > 0 {
		text = " " + text
	}
	return stt.Token{
		Text:       text,
		StartMs:    stt.Ms(int64(i) * a.cfg.MsPerWord),
		EndMs:      stt.Ms(int64(i+1) * a.cfg.MsPerWord),
		Confidence: 0.9,
		IsFinal:    final,
		Language:   "en",
	}
}

// recognizer is the simulated upstream end of the transport.
type recognizer struct {
	a *Adapter
}

func (r recognizer) WriteFrame(frame []byte) error {
	a := r.a
	if a.finished {
		return stt.ErrClosed
	}
	a.audioMs += int64(len(frame) / bytesPerMs)

	var tokens []stt.Token
	for a.next < len(a.words) && a.audioMs >= int64(a.next+1)*a.cfg.MsPerWord {
		tokens = append(tokens, a.token(a.next, true))
		a.finalMs = int64(a.next+1) * a.cfg.MsPerWord
		a.next++
	}
	if a.next < len(a.words) {
		tokens = append(tokens, a.token(a.next, false))
	}

	a.push(stt.Event{
		Tokens:           tokens,
		FinalAudioProcMs: a.finalMs,
		TotalAudioProcMs: a.audioMs,
	}, false)
	return nil
}

// WriteEnd finalizes every remaining word, then reports the stream finished.
func (r recognizer) WriteEnd() error {
	a := r.a
	if a.finished {
		return nil
	}
	a.finished = true

	var tokens []stt.Token
	for ; a.next < len(a.words); a.next++ {
		tokens = append(tokens, a.token(a.next, true))
	}
	a.finalMs = max(a.finalMs+1, a.audioMs, int64(len(a.words))*a.cfg.MsPerWord)
	if len(tokens) > 0 {
		a.push(stt.Event{Tokens: tokens, FinalAudioProcMs: a.finalMs, TotalAudioProcMs: a.audioMs}, false)
	}
	a.push(stt.Event{FinalAudioProcMs: a.finalMs, TotalAudioProcMs: a.audioMs, Finished: true}, true)
	return nil
}
