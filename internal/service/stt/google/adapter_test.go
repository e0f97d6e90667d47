package google

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/durationpb"

	"speech-stream-bridge/internal/observability/metrics"
	"speech-stream-bridge/internal/service/stt"
)

// fakeSpeech records the streaming requests and replies with scripted responses
// once the client half-closes.
type fakeSpeech struct {
	speechpb.UnimplementedSpeechServer

	mu       sync.Mutex
	config   *speechpb.StreamingRecognitionConfig
	audio    [][]byte
	replies  []*speechpb.StreamingRecognizeResponse
	failWith error
}

func (f *fakeSpeech) StreamingRecognize(stream speechpb.Speech_StreamingRecognizeServer) error {
	if f.failWith != nil {
		return f.failWith
	}
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		f.mu.Lock()
		if cfg := req.GetStreamingConfig(); cfg != nil {
			f.config = cfg
		} else {
			f.audio = append(f.audio, req.GetAudioContent())
		}
		f.mu.Unlock()
	}
	for _, r := range f.replies {
		if err := stream.Send(r); err != nil {
			return err
		}
	}
	return nil
}

func startFake(t *testing.T, fake *fakeSpeech) *Adapter {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	speechpb.RegisterSpeechServer(srv, fake)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	client, err := NewClient(context.Background(), "", option.WithGRPCConn(conn))
	if err != nil {
		t.Fatalf("client failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return New(client, Config{
		Model:         "phone_call",
		LanguageHints: []string{"en-US", "de-DE"},
		SampleRate:    8000,
		NumChannels:   1,
	}, zerolog.Nop(), metrics.NewMetrics(prometheus.NewRegistry()))
}

type testCallback struct {
	mu     sync.Mutex
	events []stt.Event
	err    error
	closed bool
	ready  chan struct{}
	done   chan struct{}
}

func newTestCallback() *testCallback {
	return &testCallback{ready: make(chan struct{}), done: make(chan struct{})}
}

func (c *testCallback) OnReady(int) { close(c.ready) }

func (c *testCallback) OnEvent(ev stt.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *testCallback) OnClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	close(c.done)
}

func (c *testCallback) OnError(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	close(c.done)
}

func waitFor(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func finalResult(text string, startMs, endMs int64) *speechpb.StreamingRecognitionResult {
	return &speechpb.StreamingRecognitionResult{
		IsFinal:       true,
		ResultEndTime: durationpb.New(time.Duration(endMs) * time.Millisecond),
		LanguageCode:  "en-us",
		Alternatives: []*speechpb.SpeechRecognitionAlternative{{
			Transcript: text,
			Confidence: 0.9,
			Words: []*speechpb.WordInfo{{
				StartTime: durationpb.New(time.Duration(startMs) * time.Millisecond),
			}},
		}},
	}
}

func TestAdapter_StreamsAudioAndConvertsResults(t *testing.T) {
	fake := &fakeSpeech{
		replies: []*speechpb.StreamingRecognizeResponse{
			{Results: []*speechpb.StreamingRecognitionResult{{
				ResultEndTime: durationpb.New(300 * time.Millisecond),
				Alternatives:  []*speechpb.SpeechRecognitionAlternative{{Transcript: "hel"}},
			}}},
			{Results: []*speechpb.StreamingRecognitionResult{finalResult("hello", 0, 500)}},
			{Results: []*speechpb.StreamingRecognitionResult{finalResult(" world ", 600, 1200)}},
		},
	}
	a := startFake(t, fake)
	cb := newTestCallback()

	a.Send([]byte("early"))
	if err := a.Open(context.Background(), cb); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	waitFor(t, cb.ready, "ready")
	a.Send([]byte("late"))
	a.CloseSend()
	waitFor(t, cb.done, "close")
	a.Close()

	fake.mu.Lock()
	if fake.config == nil || fake.config.GetConfig().GetSampleRateHertz() != 8000 {
		t.Errorf("expected streaming config with 8000 Hz, got %v", fake.config)
	}
	if got := fake.config.GetConfig().GetLanguageCode(); got != "en-US" {
		t.Errorf("expected language en-US, got %s", got)
	}
	if len(fake.audio) != 2 || string(fake.audio[0]) != "early" || string(fake.audio[1]) != "late" {
		t.Errorf("expected audio [early late], got %d chunks", len(fake.audio))
	}
	fake.mu.Unlock()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.closed || cb.err != nil {
		t.Fatalf("expected clean close, got err=%v", cb.err)
	}
	if len(cb.events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(cb.events))
	}
	interim := cb.events[0]
	if len(interim.Tokens) != 1 || interim.Tokens[0].IsFinal || interim.FinalAudioProcMs != 0 {
		t.Errorf("unexpected interim event: %+v", interim)
	}
	second := cb.events[1]
	if second.FinalAudioProcMs != 500 || *second.Tokens[0].StartMs != 0 || second.Tokens[0].Text != "hello" {
		t.Errorf("unexpected first final event: %+v", second)
	}
	third := cb.events[2]
	if third.FinalAudioProcMs != 1200 || *third.Tokens[0].StartMs != 600 || third.Tokens[0].Text != "world" {
		t.Errorf("unexpected second final event: %+v", third)
	}
}

func TestAdapter_ServiceErrorIsProtocolError(t *testing.T) {
	fake := &fakeSpeech{failWith: status.Error(codes.ResourceExhausted, "quota exceeded")}
	a := startFake(t, fake)
	cb := newTestCallback()
	a.Open(context.Background(), cb)
	defer a.Close()

	a.Send([]byte("audio"))
	a.CloseSend()
	waitFor(t, cb.done, "error")

	cb.mu.Lock()
	defer cb.mu.Unlock()
	var pe *stt.ProtocolError
	if !errors.As(cb.err, &pe) {
		t.Fatalf("expected ProtocolError, got %v", cb.err)
	}
	if pe.HTTPStatus() != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", pe.HTTPStatus())
	}
}

func TestToEvent_ErrorStatus(t *testing.T) {
	a := New(nil, Config{}, zerolog.Nop(), nil)
	ev := a.toEvent(&speechpb.StreamingRecognizeResponse{
		Error: &rpcstatus.Status{Code: int32(codes.Unavailable), Message: "overloaded"},
	})
	if ev.ErrorCode != http.StatusServiceUnavailable || ev.ErrorMessage != "overloaded" {
		t.Errorf("unexpected error event: %+v", ev)
	}
	if ev.Err() == nil {
		t.Error("expected event error")
	}
}

func TestToEvent_UntimedFinalUsesPreviousEnd(t *testing.T) {
	a := New(nil, Config{}, zerolog.Nop(), nil)
	a.toEvent(&speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{finalResult("one", 0, 400)},
	})
	ev := a.toEvent(&speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{{
			IsFinal:       true,
			ResultEndTime: durationpb.New(900 * time.Millisecond),
			Alternatives:  []*speechpb.SpeechRecognitionAlternative{{Transcript: "two"}},
		}},
	})
	if got := *ev.Tokens[0].StartMs; got != 400 {
		t.Errorf("expected start 400, got %d", got)
	}
	if ev.FinalAudioProcMs != 900 {
		t.Errorf("expected marker 900, got %d", ev.FinalAudioProcMs)
	}
}

func TestHTTPStatusFromCode(t *testing.T) {
	tests := []struct {
		code codes.Code
		want int
	}{
		{codes.InvalidArgument, 400},
		{codes.Unauthenticated, 401},
		{codes.PermissionDenied, 403},
		{codes.ResourceExhausted, 429},
		{codes.Unavailable, 503},
		{codes.DeadlineExceeded, 504},
		{codes.Internal, 500},
		{codes.Unknown, 500},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			if got := HTTPStatusFromCode(tt.code); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	var te *stt.TransportError
	if err := classify("send", io.EOF); !errors.As(err, &te) {
		t.Errorf("expected TransportError for non-status error, got %v", err)
	}
	if err := classify("send", status.Error(codes.Unavailable, "down")); !errors.As(err, &te) {
		t.Errorf("expected TransportError for Unavailable, got %v", err)
	}
	var pe *stt.ProtocolError
	if err := classify("send", status.Error(codes.InvalidArgument, "bad")); !errors.As(err, &pe) {
		t.Errorf("expected ProtocolError for InvalidArgument, got %v", err)
	}
}
