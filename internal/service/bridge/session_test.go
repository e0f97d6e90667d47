package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"speech-stream-bridge/internal/models"
	"speech-stream-bridge/internal/observability/metrics"
	"speech-stream-bridge/internal/service/session"
	"speech-stream-bridge/internal/service/stt"
	"speech-stream-bridge/internal/service/stt/mock"
)

// fakeAdapter records what the session sends and lets the test drive callbacks.
type fakeAdapter struct {
	mu      sync.Mutex
	cb      stt.Callback
	opened  chan struct{}
	frames  [][]byte
	ends    int
	closes  int
	sendErr error
	openErr error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{opened: make(chan struct{})}
}

func (f *fakeAdapter) Open(_ context.Context, cb stt.Callback) error {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
	close(f.opened)
	return f.openErr
}

func (f *fakeAdapter) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, append([]byte(nil), frame...))
	return nil
}

func (f *fakeAdapter) CloseSend() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends++
	return nil
}

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) callback(t *testing.T) stt.Callback {
	t.Helper()
	select {
	case <-f.opened:
	case <-time.After(2 * time.Second):
		t.Fatal("adapter was never opened")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *fakeAdapter) counts() (frames, ends, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames), f.ends, f.closes
}

// fakeSink records transcript writes and how the response ended.
type fakeSink struct {
	mu         sync.Mutex
	writes     []string
	failStatus int
	failMsg    string
	fails      int
	closes     int
	writeErr   error
}

func (s *fakeSink) Write(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.writes = append(s.writes, text)
	return nil
}

func (s *fakeSink) Fail(status int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails++
	s.failStatus = status
	s.failMsg = message
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSink) getWrites() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

type fakePublisher struct {
	mu          sync.Mutex
	transcripts []models.TranscriptUpdated
	ended       []models.SessionEnded
}

func (p *fakePublisher) PublishTranscript(_ context.Context, ev models.TranscriptUpdated) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transcripts = append(p.transcripts, ev)
	return nil
}

func (p *fakePublisher) PublishSessionEnded(_ context.Context, ev models.SessionEnded) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended = append(p.ended, ev)
	return nil
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

type harness struct {
	adapter   *fakeAdapter
	sink      *fakeSink
	publisher *fakePublisher
	metrics   *metrics.Metrics
	ctrl      *Controller
}

func newHarness(cfg Config) *harness {
	h := &harness{
		adapter:   newFakeAdapter(),
		sink:      &fakeSink{},
		publisher: &fakePublisher{},
		metrics:   metrics.NewMetrics(prometheus.NewRegistry()),
	}
	h.ctrl = NewController(cfg, func(string) (stt.Adapter, error) { return h.adapter, nil }, h.publisher, h.metrics)
	return h
}

func (h *harness) serve(ctx context.Context, src io.Reader) <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Serve(ctx, src, h.sink) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func finalEvent(text string, startMs, marker int64) stt.Event {
	return stt.Event{
		Tokens:           []stt.Token{{Text: text, StartMs: stt.Ms(startMs), IsFinal: true}},
		FinalAudioProcMs: marker,
	}
}

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

func TestSession_GracefulEnd(t *testing.T) {
	h := newHarness(Config{ChunkBytes: 4})
	pr, pw := io.Pipe()
	done := h.serve(context.Background(), pr)
	cb := h.adapter.callback(t)

	cb.OnReady(0)
	pw.Write([]byte("aaaa"))
	pw.Write([]byte("bbbb"))
	pw.Close()

	eventually(t, "end of audio upstream", func() bool {
		_, ends, _ := h.adapter.counts()
		return ends == 1
	})
	cb.OnEvent(finalEvent("hello", 0, 100))
	cb.OnEvent(finalEvent(" world", 500, 200))
	cb.OnClosed()

	if err := waitDone(t, done); err != nil {
		t.Fatalf("expected clean end, got %v", err)
	}

	frames, ends, closes := h.adapter.counts()
	if frames != 2 {
		t.Errorf("expected 2 frames, got %d", frames)
	}
	if ends != 1 {
		t.Errorf("expected exactly one end-of-audio, got %d", ends)
	}
	if closes != 1 {
		t.Errorf("expected adapter closed once, got %d", closes)
	}
	if got := h.sink.getWrites(); len(got) != 2 || got[0] != "hello" || got[1] != "hello world" {
		t.Errorf("unexpected writes: %q", got)
	}
	if h.sink.closes != 1 || h.sink.fails != 0 {
		t.Errorf("expected sink closed once, got closes=%d fails=%d", h.sink.closes, h.sink.fails)
	}
	if got := testutil.ToFloat64(h.metrics.SessionsEnded.WithLabelValues(models.OutcomeCompleted)); got != 1 {
		t.Errorf("expected 1 completed session, got %v", got)
	}
}

func TestSession_ForwardsChunksInOrder(t *testing.T) {
	h := newHarness(Config{ChunkBytes: 2})
	done := h.serve(context.Background(), bytes.NewReader([]byte("aabbccdd")))
	cb := h.adapter.callback(t)

	eventually(t, "end of audio upstream", func() bool {
		_, ends, _ := h.adapter.counts()
		return ends == 1
	})
	cb.OnReady(4)
	cb.OnClosed()
	waitDone(t, done)

	h.adapter.mu.Lock()
	defer h.adapter.mu.Unlock()
	var got []byte
	for _, f := range h.adapter.frames {
		got = append(got, f...)
	}
	if string(got) != "aabbccdd" {
		t.Errorf("expected frames in order, got %q", got)
	}
}

func TestSession_DedupAndMonotonicEmission(t *testing.T) {
	h := newHarness(Config{})
	pr, pw := io.Pipe()
	defer pw.Close()
	done := h.serve(context.Background(), pr)
	cb := h.adapter.callback(t)

	cb.OnReady(0)
	cb.OnEvent(stt.Event{Tokens: []stt.Token{{Text: "hel", StartMs: stt.Ms(0)}}, FinalAudioProcMs: 0})
	cb.OnEvent(finalEvent("hello", 0, 100))
	cb.OnEvent(finalEvent("hello", 0, 100))
	cb.OnEvent(finalEvent(" world", 500, 200))
	cb.OnEvent(finalEvent(" world", 500, 200))
	cb.OnEvent(finalEvent(" world", 500, 300))
	cb.OnEvent(stt.Event{FinalAudioProcMs: 300, Finished: true})

	if err := waitDone(t, done); err != nil {
		t.Fatalf("expected clean end, got %v", err)
	}
	got := h.sink.getWrites()
	if len(got) != 2 || got[0] != "hello" || got[1] != "hello world" {
		t.Errorf("expected [hello, hello world], got %q", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i] == got[i-1] {
			t.Errorf("emission %d repeats the previous transcript", i)
		}
	}

	h.publisher.mu.Lock()
	defer h.publisher.mu.Unlock()
	if len(h.publisher.transcripts) != 2 || h.publisher.transcripts[1].Sequence != 2 {
		t.Errorf("expected 2 published updates, got %+v", h.publisher.transcripts)
	}
	if len(h.publisher.ended) != 1 || h.publisher.ended[0].Transcript != "hello world" {
		t.Errorf("expected session summary with transcript, got %+v", h.publisher.ended)
	}
}

func TestSession_ProtocolErrorBeforeData(t *testing.T) {
	h := newHarness(Config{})
	pr, pw := io.Pipe()
	defer pw.Close()
	done := h.serve(context.Background(), pr)
	cb := h.adapter.callback(t)

	cb.OnReady(0)
	cb.OnEvent(stt.Event{ErrorCode: 503, ErrorMessage: "overloaded"})

	err := waitDone(t, done)
	var pe *stt.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if h.sink.fails != 1 || h.sink.failStatus != http.StatusServiceUnavailable || h.sink.failMsg != "overloaded" {
		t.Errorf("expected Fail(503, overloaded), got fails=%d status=%d msg=%q", h.sink.fails, h.sink.failStatus, h.sink.failMsg)
	}
	if h.sink.closes != 0 {
		t.Errorf("expected no plain close, got %d", h.sink.closes)
	}
	if _, _, closes := h.adapter.counts(); closes != 1 {
		t.Errorf("expected adapter closed once, got %d", closes)
	}
	h.publisher.mu.Lock()
	defer h.publisher.mu.Unlock()
	if len(h.publisher.ended) != 1 {
		t.Fatalf("expected one session summary, got %d", len(h.publisher.ended))
	}
	ended := h.publisher.ended[0]
	if ended.FinalState != session.StateErrored.String() || ended.ErrorKind != "protocol" || ended.Outcome != models.OutcomeUpstreamErr {
		t.Errorf("unexpected summary %+v", ended)
	}
}

func TestSession_ProtocolErrorAfterData(t *testing.T) {
	h := newHarness(Config{})
	pr, pw := io.Pipe()
	defer pw.Close()
	done := h.serve(context.Background(), pr)
	cb := h.adapter.callback(t)

	cb.OnReady(0)
	cb.OnEvent(finalEvent("hello", 0, 100))
	cb.OnEvent(stt.Event{ErrorCode: 503, ErrorMessage: "overloaded"})

	if err := waitDone(t, done); err == nil {
		t.Fatal("expected an error")
	}
	if h.sink.fails != 0 || h.sink.closes != 1 {
		t.Errorf("expected plain close after data, got fails=%d closes=%d", h.sink.fails, h.sink.closes)
	}
	if got := h.sink.getWrites(); len(got) != 1 || got[0] != "hello" {
		t.Errorf("expected the partial transcript to stay delivered, got %q", got)
	}
}

func TestSession_InboundError(t *testing.T) {
	h := newHarness(Config{})
	boom := errors.New("connection reset by peer")
	done := h.serve(context.Background(), errReader{err: boom})

	err := waitDone(t, done)
	var ie *InboundError
	if !errors.As(err, &ie) || !errors.Is(err, boom) {
		t.Fatalf("expected InboundError wrapping the read error, got %v", err)
	}
	if _, ends, closes := h.adapter.counts(); closes != 1 || ends != 0 {
		t.Errorf("expected upstream closed without a graceful end, got ends=%d closes=%d", ends, closes)
	}
	if h.sink.fails != 1 || h.sink.failStatus != http.StatusInternalServerError {
		t.Errorf("expected Fail(500), got fails=%d status=%d", h.sink.fails, h.sink.failStatus)
	}
	if got := testutil.ToFloat64(h.metrics.SessionsEnded.WithLabelValues(models.OutcomeInboundErr)); got != 1 {
		t.Errorf("expected 1 inbound_error session, got %v", got)
	}
}

func TestSession_UpstreamTransportError(t *testing.T) {
	h := newHarness(Config{})
	pr, pw := io.Pipe()
	defer pw.Close()
	done := h.serve(context.Background(), pr)
	cb := h.adapter.callback(t)

	cb.OnError(&stt.TransportError{Op: "read", Err: io.ErrUnexpectedEOF})

	err := waitDone(t, done)
	var te *stt.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if h.sink.failStatus != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", h.sink.failStatus)
	}
	if got := testutil.ToFloat64(h.metrics.UpstreamErrors.WithLabelValues("fake", "transport")); got != 1 {
		t.Errorf("expected 1 transport error, got %v", got)
	}
}

func TestSession_SinkWriteError(t *testing.T) {
	h := newHarness(Config{})
	h.sink.writeErr = errors.New("broken pipe")
	pr, pw := io.Pipe()
	defer pw.Close()
	done := h.serve(context.Background(), pr)
	cb := h.adapter.callback(t)

	cb.OnReady(0)
	cb.OnEvent(finalEvent("hello", 0, 100))

	err := waitDone(t, done)
	var se *SinkError
	if !errors.As(err, &se) {
		t.Fatalf("expected SinkError, got %v", err)
	}
}

func TestSession_FinishTimeout(t *testing.T) {
	h := newHarness(Config{FinishTimeout: 50 * time.Millisecond})
	done := h.serve(context.Background(), bytes.NewReader([]byte("audio")))
	cb := h.adapter.callback(t)
	cb.OnReady(0)

	if err := waitDone(t, done); err != nil {
		t.Fatalf("expected timeout to close normally, got %v", err)
	}
	if _, ends, closes := h.adapter.counts(); ends != 1 || closes != 1 {
		t.Errorf("expected one end and one close, got ends=%d closes=%d", ends, closes)
	}
	if got := testutil.ToFloat64(h.metrics.FinishTimeouts); got != 1 {
		t.Errorf("expected 1 finish timeout, got %v", got)
	}
	h.publisher.mu.Lock()
	defer h.publisher.mu.Unlock()
	if len(h.publisher.ended) != 1 || h.publisher.ended[0].Outcome != models.OutcomeTimeout {
		t.Errorf("expected finish_timeout summary, got %+v", h.publisher.ended)
	}
}

func TestSession_ContextCancelled(t *testing.T) {
	h := newHarness(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	defer pw.Close()
	done := h.serve(ctx, pr)
	h.adapter.callback(t)

	cancel()
	err := waitDone(t, done)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, _, closes := h.adapter.counts(); closes != 1 {
		t.Errorf("expected adapter closed once, got %d", closes)
	}
}

func TestSession_ClosedBeforeReady(t *testing.T) {
	h := newHarness(Config{})
	pr, pw := io.Pipe()
	defer pw.Close()
	done := h.serve(context.Background(), pr)
	cb := h.adapter.callback(t)

	cb.OnClosed()
	err := waitDone(t, done)
	if !errors.Is(err, ErrClosedBeforeReady) {
		t.Fatalf("expected ErrClosedBeforeReady, got %v", err)
	}
}

func TestSession_AudioLimitFinishesInput(t *testing.T) {
	h := newHarness(Config{ChunkBytes: 4, Limits: Limits{MaxAudioBytes: 8}})
	pr, pw := io.Pipe()
	t.Cleanup(func() { pr.Close() })
	done := h.serve(context.Background(), pr)
	cb := h.adapter.callback(t)
	cb.OnReady(0)

	go func() {
		for range 5 {
			if _, err := pw.Write([]byte("aaaa")); err != nil {
				return
			}
		}
		pw.Close()
	}()

	eventually(t, "end of audio upstream", func() bool {
		_, ends, _ := h.adapter.counts()
		return ends == 1
	})
	cb.OnClosed()
	waitDone(t, done)

	if frames, ends, _ := h.adapter.counts(); frames != 2 || ends != 1 {
		t.Errorf("expected 2 frames then one end, got frames=%d ends=%d", frames, ends)
	}
}

func TestController_FactoryError(t *testing.T) {
	sink := &fakeSink{}
	ctrl := NewController(Config{}, func(string) (stt.Adapter, error) {
		return nil, errors.New("no credentials")
	}, nil, metrics.NewMetrics(prometheus.NewRegistry()))

	if err := ctrl.Serve(context.Background(), bytes.NewReader(nil), sink); err == nil {
		t.Fatal("expected error")
	}
	if sink.fails != 1 || sink.failStatus != http.StatusInternalServerError {
		t.Errorf("expected Fail(500), got fails=%d status=%d", sink.fails, sink.failStatus)
	}
}

func TestController_EndToEndWithMockAdapter(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	factory := func(string) (stt.Adapter, error) {
		return mock.New(mock.Config{
			Utterance:    "hello big world",
			MsPerWord:    200,
			ConnectDelay: 20 * time.Millisecond,
		}, zerolog.Nop(), m), nil
	}
	ctrl := NewController(Config{ChunkBytes: 1600}, factory, nil, m)
	sink := &fakeSink{}

	// 1s of silence at 8kHz 16-bit mono, read before the upstream is ready.
	if err := ctrl.Serve(context.Background(), bytes.NewReader(make([]byte, 16000)), sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := sink.getWrites()
	if len(got) == 0 || got[len(got)-1] != "hello big world" {
		t.Fatalf("expected final transcript 'hello big world', got %q", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i] == got[i-1] {
			t.Errorf("emission %d repeats the previous transcript", i)
		}
	}
	if sink.closes != 1 || sink.fails != 0 {
		t.Errorf("expected sink closed once, got closes=%d fails=%d", sink.closes, sink.fails)
	}
	if ctrl.Sessions() != 1 {
		t.Errorf("expected 1 session, got %d", ctrl.Sessions())
	}
}

func TestStatusAndMessageFor(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"protocol 503", &stt.ProtocolError{Code: 503, Message: "overloaded"}, 503, "overloaded"},
		{"protocol odd code", &stt.ProtocolError{Code: 1, Message: "weird"}, 500, "weird"},
		{"transport", &stt.TransportError{Op: "dial", Err: io.EOF}, 500, "upstream transport dial: EOF"},
		{"inbound", &InboundError{Err: io.ErrUnexpectedEOF}, 500, "inbound audio stream: unexpected EOF"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusFor(tt.err); got != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, got)
			}
			if got := MessageFor(tt.err); got != tt.wantMsg {
				t.Errorf("expected message %q, got %q", tt.wantMsg, got)
			}
		})
	}
}

// blockingSource blocks in Read until interrupted.
type blockingSource struct {
	once        sync.Once
	interrupted chan struct{}
	returned    chan struct{}
}

func newBlockingSource() *blockingSource {
	return &blockingSource{interrupted: make(chan struct{}), returned: make(chan struct{})}
}

func (b *blockingSource) Read([]byte) (int, error) {
	<-b.interrupted
	close(b.returned)
	return 0, errors.New("i/o timeout")
}

func (b *blockingSource) Interrupt() error {
	b.once.Do(func() { close(b.interrupted) })
	return nil
}

func TestSession_InterruptsPendingReadBeforeReturning(t *testing.T) {
	h := newHarness(Config{})
	src := newBlockingSource()
	done := h.serve(context.Background(), src)
	cb := h.adapter.callback(t)

	cb.OnReady(0)
	cb.OnEvent(finalEvent("hello", 0, 100))
	cb.OnEvent(stt.Event{FinalAudioProcMs: 100, Finished: true})

	if err := waitDone(t, done); err != nil {
		t.Fatalf("expected clean end, got %v", err)
	}
	select {
	case <-src.returned:
	default:
		t.Fatal("expected the pending read to return before Serve returned")
	}
	// The read error after the interrupt must not change the outcome.
	if got := testutil.ToFloat64(h.metrics.SessionsEnded.WithLabelValues(models.OutcomeCompleted)); got != 1 {
		t.Errorf("expected 1 completed session, got %v", got)
	}
	if h.sink.closes != 1 || h.sink.fails != 0 {
		t.Errorf("expected sink closed once, got closes=%d fails=%d", h.sink.closes, h.sink.fails)
	}
}

func TestSession_ClosesPipeSourceBeforeReturning(t *testing.T) {
	h := newHarness(Config{})
	pr, pw := io.Pipe()
	done := h.serve(context.Background(), pr)
	cb := h.adapter.callback(t)

	cb.OnReady(0)
	cb.OnEvent(stt.Event{FinalAudioProcMs: 100, Finished: true})

	if err := waitDone(t, done); err != nil {
		t.Fatalf("expected clean end, got %v", err)
	}
	if _, err := pw.Write([]byte("late audio")); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("expected the source to be closed, got %v", err)
	}
}
