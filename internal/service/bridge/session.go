package bridge

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"

	"speech-stream-bridge/internal/models"
	"speech-stream-bridge/internal/observability/logging"
	"speech-stream-bridge/internal/observability/metrics"
	"speech-stream-bridge/internal/service/session"
	"speech-stream-bridge/internal/service/stt"
	"speech-stream-bridge/internal/service/transcript"
)

// readerStopTimeout bounds the wait for a source that can be neither
// interrupted nor closed.
const readerStopTimeout = 5 * time.Second

type inboundChunk struct {
	data []byte
	eof  bool
	err  error
}

// Session bridges one client request to one upstream recognition session.
//
// Run is the only goroutine that touches session state. Inbound audio and
// adapter callbacks reach it over channels:
//
//	reader goroutine ──inbound──┐
//	adapter callbacks ─signals──┼──> Run ──> adapter.Send / sink.Write
//	finish timer, ctx.Done() ───┘
type Session struct {
	id        string
	cfg       Config
	log       zerolog.Logger
	metrics   *metrics.Metrics
	publisher Publisher
	adapter   stt.Adapter
	src       io.Reader
	sink      Sink

	lc           *session.Lifecycle
	consolidator *transcript.Consolidator

	inbound    chan inboundChunk
	signals    chan signal
	done       chan struct{}
	readerDone chan struct{}

	started     time.Time
	audioBytes  int64
	audioFrames int64
	updates     int
	outcome     string
	err         error
}

func newSession(id string, cfg Config, adapter stt.Adapter, src io.Reader, sink Sink, publisher Publisher, m *metrics.Metrics) *Session {
	return &Session{
		id:           id,
		cfg:          cfg,
		log:          logging.WithSession(id, adapter.Name()),
		metrics:      m,
		publisher:    publisher,
		adapter:      adapter,
		src:          src,
		sink:         sink,
		lc:           session.NewLifecycle(id),
		consolidator: transcript.New(cfg.TokenJoin),
		inbound:      make(chan inboundChunk),
		signals:      make(chan signal, 64),
		done:         make(chan struct{}),
		outcome:      models.OutcomeCompleted,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Run drives the session until it is closed and returns the error that ended
// it, or nil after a normal close. Cancelling ctx is treated as the client
// going away.
func (s *Session) Run(ctx context.Context) error {
	s.started = time.Now()
	s.metrics.RecordSessionStart()
	s.log.Info().Msg("Session started")

	if err := s.adapter.Open(ctx, &funnel{signals: s.signals, done: s.done}); err != nil {
		s.fail(&stt.TransportError{Op: "open", Err: err})
	} else {
		s.readerDone = make(chan struct{})
		go s.readInbound()
	}

	var finishTimer *time.Timer
	var finishC <-chan time.Time
	for !s.lc.State().IsDone() {
		select {
		case chunk := <-s.inbound:
			if s.handleInbound(chunk) {
				finishTimer = time.NewTimer(s.cfg.FinishTimeout)
				finishC = finishTimer.C
			}
		case sig := <-s.signals:
			s.handleSignal(sig)
		case <-finishC:
			s.log.Warn().Dur("timeout", s.cfg.FinishTimeout).Msg("Upstream did not finish in time, closing")
			s.metrics.RecordFinishTimeout()
			s.outcome = models.OutcomeTimeout
			s.transition(session.StateClosed)
		case <-ctx.Done():
			s.fail(&InboundError{Err: ctx.Err()})
		}
	}
	if finishTimer != nil {
		finishTimer.Stop()
	}

	s.teardown()
	close(s.done)
	s.stopInbound()
	return s.err
}

// readInbound reads the client's audio in chunks until EOF or error.
func (s *Session) readInbound() {
	defer close(s.readerDone)
	for {
		buf := make([]byte, s.cfg.ChunkBytes)
		n, err := s.src.Read(buf)
		if n > 0 && !s.deliver(inboundChunk{data: buf[:n]}) {
			return
		}
		switch {
		case err == io.EOF:
			s.deliver(inboundChunk{eof: true})
			return
		case err != nil:
			s.deliver(inboundChunk{err: err})
			return
		}
	}
}

// stopInbound unblocks a pending read and waits for the reader to exit, so
// the source is never read after Run returns.
func (s *Session) stopInbound() {
	if s.readerDone == nil {
		return
	}
	select {
	case <-s.readerDone:
		return
	default:
	}

	switch src := s.src.(type) {
	case Interrupter:
		if err := src.Interrupt(); err != nil {
			s.log.Debug().Err(err).Msg("Could not interrupt audio source")
		}
	case io.Closer:
		if err := src.Close(); err != nil {
			s.log.Debug().Err(err).Msg("Could not close audio source")
		}
	}

	select {
	case <-s.readerDone:
	case <-time.After(readerStopTimeout):
		s.log.Warn().Dur("waited", readerStopTimeout).Msg("Audio reader still blocked, abandoning it")
	}
}

func (s *Session) deliver(c inboundChunk) bool {
	select {
	case s.inbound <- c:
		return true
	case <-s.done:
		return false
	}
}

// handleInbound forwards a chunk upstream. It returns true when the session
// entered FINISHING.
func (s *Session) handleInbound(chunk inboundChunk) bool {
	if s.lc.State() == session.StateFinishing {
		// Input past a limit is discarded while the upstream finishes.
		return false
	}

	switch {
	case chunk.err != nil:
		s.fail(&InboundError{Err: chunk.err})
		return false
	case chunk.eof:
		return s.finish("end of input")
	}

	s.audioBytes += int64(len(chunk.data))
	s.audioFrames++
	s.metrics.RecordAudioReceived(len(chunk.data))

	if err := s.adapter.Send(chunk.data); err != nil {
		if errors.Is(err, stt.ErrClosed) {
			s.log.Debug().Int("bytes", len(chunk.data)).Msg("Upstream no longer accepts audio")
			return false
		}
		s.fail(err)
		return false
	}

	if limit := s.cfg.Limits.MaxAudioBytes; limit > 0 && s.audioBytes >= limit {
		s.log.Warn().Int64("audioBytes", s.audioBytes).Int64("limit", limit).Msg("Audio limit reached")
		return s.finish("audio limit reached")
	}
	if limit := s.cfg.Limits.MaxDuration; limit > 0 && time.Since(s.started) >= limit {
		s.log.Warn().Dur("limit", limit).Msg("Duration limit reached")
		return s.finish("duration limit reached")
	}
	return false
}

// finish signals end-of-audio upstream and enters FINISHING.
func (s *Session) finish(reason string) bool {
	if err := s.lc.Transition(session.StateFinishing); err != nil {
		s.log.Debug().Err(err).Str("reason", reason).Msg("Finish ignored")
		return false
	}
	s.log.Info().
		Str("reason", reason).
		Int64("audioBytes", s.audioBytes).
		Int64("audioFrames", s.audioFrames).
		Msg("Input ended, waiting for upstream to finish")

	if err := s.adapter.CloseSend(); err != nil {
		s.fail(err)
		return false
	}
	return true
}

func (s *Session) handleSignal(sig signal) {
	switch sig.kind {
	case sigReady:
		s.metrics.RecordUpstreamReady(s.adapter.Name(), sig.flushed, time.Since(s.started).Seconds())
		s.log.Info().Int("flushedFrames", sig.flushed).Msg("Upstream ready")
		if s.lc.State() == session.StateConnecting {
			s.transition(session.StateConfigured)
			s.transition(session.StateStreaming)
		}
	case sigEvent:
		s.handleEvent(sig.event)
	case sigClosed:
		s.log.Info().Msg("Upstream closed")
		s.closeNormally()
	case sigError:
		s.fail(sig.err)
	}
}

func (s *Session) handleEvent(ev stt.Event) {
	if err := ev.Err(); err != nil {
		s.fail(err)
		return
	}

	if text, ok := s.consolidator.Ingest(ev.Tokens, ev.FinalAudioProcMs); ok {
		if err := s.sink.Write(text); err != nil {
			s.fail(&SinkError{Err: err})
			return
		}
		s.updates++
		s.metrics.RecordTranscriptEmitted()
		s.log.Debug().Int("update", s.updates).Int64("marker", ev.FinalAudioProcMs).Str("transcript", text).Msg("Transcript updated")
		s.publishTranscript(text)
	}

	if ev.Finished {
		s.log.Info().Msg("Upstream finished")
		s.closeNormally()
	}
}

func (s *Session) closeNormally() {
	if s.lc.State() == session.StateConnecting {
		s.fail(&stt.TransportError{Op: "connect", Err: ErrClosedBeforeReady})
		return
	}
	s.transition(session.StateClosed)
}

// transition applies a state change the run loop already knows to be valid.
func (s *Session) transition(next session.State) {
	from := s.lc.State()
	if err := s.lc.Transition(next); err != nil {
		s.log.Error().Err(err).Msg("Unexpected state transition")
		return
	}
	s.log.Debug().Str("from", from.String()).Str("to", next.String()).Msg("State changed")
}

// fail moves the session to ERRORED. Only the first error is kept.
func (s *Session) fail(err error) {
	state := s.lc.State()
	if !s.lc.Fail() {
		s.log.Debug().Err(err).Msg("Error after session ended")
		return
	}
	s.err = err
	s.outcome = outcomeFor(err)
	kind := errorKind(err)
	if s.outcome == models.OutcomeUpstreamErr {
		s.metrics.RecordUpstreamError(s.adapter.Name(), kind)
	}
	s.log.Error().Err(err).Str("kind", kind).Str("state", state.String()).Msg("Session failed")
}

// teardown releases the upstream session and the sink exactly once.
func (s *Session) teardown() {
	if err := s.adapter.Close(); err != nil {
		s.log.Debug().Err(err).Msg("Upstream close")
	}

	switch {
	case s.err != nil && s.updates == 0:
		if err := s.sink.Fail(StatusFor(s.err), MessageFor(s.err)); err != nil {
			s.log.Debug().Err(err).Msg("Failed to report error to client")
		}
	default:
		if err := s.sink.Close(); err != nil {
			s.log.Debug().Err(err).Msg("Sink close")
		}
	}
	final := s.lc.State()
	s.lc.Close()

	duration := time.Since(s.started)
	s.metrics.RecordSessionEnd(s.outcome, duration.Seconds())
	s.publishSessionEnded(final, duration)

	s.log.Info().
		Str("outcome", s.outcome).
		Int("updates", s.updates).
		Int64("audioBytes", s.audioBytes).
		Dur("duration", duration).
		Strs("path", statePath(s.lc.Path())).
		Msg("Session closed")
}

func (s *Session) publishTranscript(text string) {
	if s.publisher == nil {
		return
	}
	ev := models.TranscriptUpdated{
		EventType: models.EventTranscriptUpdated,
		SessionID: s.id,
		Provider:  s.adapter.Name(),
		Timestamp: time.Now().UnixMilli(),
		Sequence:  s.updates,
		Text:      text,
	}
	if err := s.publisher.PublishTranscript(context.Background(), ev); err != nil {
		s.log.Warn().Err(err).Msg("Failed to publish transcript update")
	}
}

// publishSessionEnded reports final, the state the session ended in (CLOSED or ERRORED).
func (s *Session) publishSessionEnded(final session.State, duration time.Duration) {
	if s.publisher == nil {
		return
	}
	ev := models.SessionEnded{
		EventType:   models.EventSessionEnded,
		SessionID:   s.id,
		Provider:    s.adapter.Name(),
		Timestamp:   time.Now().UnixMilli(),
		Outcome:     s.outcome,
		FinalState:  final.String(),
		Transcript:  s.consolidator.Transcript(),
		Updates:     s.updates,
		AudioBytes:  s.audioBytes,
		AudioFrames: s.audioFrames,
		DurationMs:  duration.Milliseconds(),
	}
	if s.err != nil {
		ev.ErrorKind = errorKind(s.err)
		ev.ErrorMessage = s.err.Error()
	}
	if err := s.publisher.PublishSessionEnded(context.Background(), ev); err != nil {
		s.log.Warn().Err(err).Msg("Failed to publish session summary")
	}
}

func statePath(path []session.State) []string {
	out := make([]string, len(path))
	for i, st := range path {
		out[i] = st.String()
	}
	return out
}
