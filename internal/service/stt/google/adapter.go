// Package google provides a Google Cloud Speech-to-Text streaming adapter.
package google

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"speech-stream-bridge/internal/observability/metrics"
	"speech-stream-bridge/internal/service/stt"
)

const providerName = "google"

// Config holds the recognition parameters sent in the first streaming request.
type Config struct {
	Model         string
	LanguageHints []string
	SampleRate    int
	NumChannels   int
}

// NewClient creates a Speech client shared by all sessions. An empty
// credential falls back to application default credentials.
func NewClient(ctx context.Context, credential string, opts ...option.ClientOption) (*speech.Client, error) {
	if credential != "" {
		opts = append(opts, option.WithAPIKey(credential))
	}
	return speech.NewClient(ctx, opts...)
}

// Adapter implements stt.Adapter over one StreamingRecognize call.
type Adapter struct {
	client  *speech.Client
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics

	outbox  stt.Outbox
	opened  atomic.Bool
	closing atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error

	// Touched only by the receive goroutine.
	lastFinalEndMs int64
}

// New creates an adapter on a shared client. A nil m uses metrics.DefaultMetrics.
func New(client *speech.Client, cfg Config, log zerolog.Logger, m *metrics.Metrics) *Adapter {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Adapter{client: client, cfg: cfg, log: log, metrics: m}
}

func (a *Adapter) Name() string { return providerName }

// Open starts the streaming call in the background and sends the streaming config first.
func (a *Adapter) Open(ctx context.Context, cb stt.Callback) error {
	if !a.opened.CompareAndSwap(false, true) {
		return errors.New("google: adapter already opened")
	}
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	go a.run(ctx, cb)
	return nil
}

func (a *Adapter) run(ctx context.Context, cb stt.Callback) {
	stream, err := a.client.StreamingRecognize(ctx)
	if err != nil {
		a.fail(cb, classify("open", err))
		return
	}

	if err := stream.Send(a.configRequest()); err != nil {
		if err == io.EOF {
			// The call already ended; its status is only available from Recv.
			_, err = stream.Recv()
		}
		a.fail(cb, classify("configure", err))
		return
	}
	a.log.Info().
		Str("model", a.cfg.Model).
		Int("sampleRate", a.cfg.SampleRate).
		Strs("languageHints", a.cfg.LanguageHints).
		Msg("Streaming recognition configured")

	flushed, err := a.outbox.Ready(streamWriter{stream: stream})
	switch {
	case errors.Is(err, stt.ErrClosed):
		// Closed locally, or the call ended mid-flush; receive reports which.
	case err != nil:
		a.fail(cb, err)
		return
	case !a.closing.Load():
		cb.OnReady(flushed)
	}

	a.receive(stream, cb)
}

func (a *Adapter) configRequest() *speechpb.StreamingRecognizeRequest {
	rc := &speechpb.RecognitionConfig{
		Encoding:                   speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz:            int32(a.cfg.SampleRate),
		AudioChannelCount:          int32(a.cfg.NumChannels),
		Model:                      a.cfg.Model,
		EnableWordTimeOffsets:      true,
		EnableAutomaticPunctuation: true,
	}
	if len(a.cfg.LanguageHints) > 0 {
		rc.LanguageCode = a.cfg.LanguageHints[0]
		rc.AlternativeLanguageCodes = a.cfg.LanguageHints[1:]
	}
	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         rc,
				InterimResults: true,
			},
		},
	}
}

func (a *Adapter) receive(stream speechpb.Speech_StreamingRecognizeClient, cb stt.Callback) {
	defer a.outbox.Abort()

	for {
		resp, err := stream.Recv()
		if a.closing.Load() {
			return
		}
		if err == io.EOF {
			cb.OnClosed()
			return
		}
		if err != nil {
			a.fail(cb, classify("receive", err))
			return
		}

		a.metrics.RecordUpstreamEvent(providerName)
		cb.OnEvent(a.toEvent(resp))
	}
}

// toEvent maps a streaming response onto the token model. Each final result
// becomes one finalized token keyed by its start offset; the progress marker
// is the end time of the latest final result.
func (a *Adapter) toEvent(resp *speechpb.StreamingRecognizeResponse) stt.Event {
	ev := stt.Event{FinalAudioProcMs: a.lastFinalEndMs}
	if st := resp.GetError(); st != nil && st.GetCode() != int32(codes.OK) {
		ev.ErrorCode = HTTPStatusFromCode(codes.Code(st.GetCode()))
		ev.ErrorMessage = st.GetMessage()
		return ev
	}

	for _, r := range resp.GetResults() {
		endMs := r.GetResultEndTime().AsDuration().Milliseconds()
		ev.TotalAudioProcMs = max(ev.TotalAudioProcMs, endMs)
		if len(r.GetAlternatives()) == 0 {
			continue
		}
		alt := r.GetAlternatives()[0]
		text := strings.TrimSpace(alt.GetTranscript())
		if !r.GetIsFinal() {
			ev.Tokens = append(ev.Tokens, stt.Token{Text: text, Language: r.GetLanguageCode()})
			continue
		}

		startMs := a.lastFinalEndMs
		if words := alt.GetWords(); len(words) > 0 {
			startMs = words[0].GetStartTime().AsDuration().Milliseconds()
		}
		ev.Tokens = append(ev.Tokens, stt.Token{
			Text:       text,
			StartMs:    stt.Ms(startMs),
			EndMs:      stt.Ms(endMs),
			Confidence: float64(alt.GetConfidence()),
			IsFinal:    true,
			Language:   r.GetLanguageCode(),
		})
		a.lastFinalEndMs = max(a.lastFinalEndMs, endMs)
		ev.FinalAudioProcMs = a.lastFinalEndMs
	}
	return ev
}

func (a *Adapter) fail(cb stt.Callback, err error) {
	a.outbox.Abort()
	if a.closing.Load() {
		return
	}
	a.log.Error().Err(err).Msg("Streaming recognition failed")
	cb.OnError(err)
}

// Send streams one audio chunk. Empty chunks are dropped.
func (a *Adapter) Send(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	return a.outbox.Send(frame)
}

// CloseSend half-closes the stream, which ends the audio for the service.
func (a *Adapter) CloseSend() error {
	return a.outbox.CloseSend()
}

// Close half-closes the stream if still open, then cancels the call.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.closing.Store(true)
		_, a.closeErr = a.outbox.Shutdown()
		a.mu.Lock()
		cancel := a.cancel
		a.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
	return a.closeErr
}

// classify turns a gRPC failure into a transport or protocol error.
func classify(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return &stt.TransportError{Op: op, Err: err}
	}
	switch st.Code() {
	case codes.Unavailable, codes.Canceled:
		return &stt.TransportError{Op: op, Err: err}
	}
	return &stt.ProtocolError{Code: HTTPStatusFromCode(st.Code()), Message: st.Message()}
}

// HTTPStatusFromCode maps a gRPC code onto the closest HTTP status.
func HTTPStatusFromCode(c codes.Code) int {
	switch c {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// streamWriter sends on the gRPC stream. Calls are serialized by stt.Outbox.
type streamWriter struct {
	stream speechpb.Speech_StreamingRecognizeClient
}

// WriteFrame returns stt.ErrClosed once the call has ended; the receive
// goroutine reports the final status.
func (w streamWriter) WriteFrame(frame []byte) error {
	err := w.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: frame,
		},
	})
	if err == io.EOF {
		return stt.ErrClosed
	}
	if err != nil {
		return classify("send", err)
	}
	return nil
}

func (w streamWriter) WriteEnd() error {
	if err := w.stream.CloseSend(); err != nil {
		return classify("close send", err)
	}
	return nil
}
