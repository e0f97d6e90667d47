// Package soniox provides a streaming speech-to-text adapter for the Soniox
// real-time websocket API.
package soniox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"speech-stream-bridge/internal/observability/metrics"
	"speech-stream-bridge/internal/service/stt"
)

const (
	providerName = "soniox"
	writeWait    = 10 * time.Second
)

// Config holds the per-session upstream parameters. It is sent once as the
// first websocket message.
type Config struct {
	URL                     string
	APIKey                  string
	Model                   string
	AudioFormat             string
	SampleRate              int
	NumChannels             int
	LanguageHints           []string
	EnableEndpointDetection bool
	ConnectTimeout          time.Duration
}

// configMessage is the wire form of Config. A missing key is sent as absent.
type configMessage struct {
	APIKey                  string   `json:"api_key,omitempty"`
	Model                   string   `json:"model"`
	AudioFormat             string   `json:"audio_format"`
	SampleRate              int      `json:"sample_rate"`
	NumChannels             int      `json:"num_channels"`
	LanguageHints           []string `json:"language_hints"`
	EnableEndpointDetection bool     `json:"enable_endpoint_detection"`
}

// Adapter implements stt.Adapter over a single websocket connection.
type Adapter struct {
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	dialer  *websocket.Dialer

	outbox  stt.Outbox
	opened  atomic.Bool
	closing atomic.Bool

	mu     sync.Mutex // guards conn and cancel
	conn   *websocket.Conn
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
	connOnce  sync.Once
}

// New creates an adapter. A nil m uses metrics.DefaultMetrics.
func New(cfg Config, log zerolog.Logger, m *metrics.Metrics) *Adapter {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Adapter{
		cfg:     cfg,
		log:     log,
		metrics: m,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout,
		},
	}
}

func (a *Adapter) Name() string { return providerName }

// Open dials in the background. Audio sent meanwhile is queued.
func (a *Adapter) Open(ctx context.Context, cb stt.Callback) error {
	if !a.opened.CompareAndSwap(false, true) {
		return errors.New("soniox: adapter already opened")
	}
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	go a.run(ctx, cb)
	return nil
}

func (a *Adapter) run(ctx context.Context, cb stt.Callback) {
	dialCtx, cancelDial := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	conn, resp, err := a.dialer.DialContext(dialCtx, a.cfg.URL, nil)
	cancelDial()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (handshake status %d)", err, resp.StatusCode)
		}
		a.fail(cb, &stt.TransportError{Op: "dial", Err: err})
		return
	}

	a.mu.Lock()
	if a.closing.Load() {
		a.mu.Unlock()
		a.closeConn(conn)
		return
	}
	a.conn = conn
	a.mu.Unlock()

	a.log.Info().
		Str("url", a.cfg.URL).
		Str("model", a.cfg.Model).
		Str("audioFormat", a.cfg.AudioFormat).
		Int("sampleRate", a.cfg.SampleRate).
		Int("numChannels", a.cfg.NumChannels).
		Strs("languageHints", a.cfg.LanguageHints).
		Bool("enableEndpointDetection", a.cfg.EnableEndpointDetection).
		Msg("Upstream connected, sending configuration")

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(a.configMessage()); err != nil {
		a.fail(cb, &stt.TransportError{Op: "configure", Err: err})
		a.closeConn(conn)
		return
	}

	flushed, err := a.outbox.Ready(frameWriter{conn: conn})
	if errors.Is(err, stt.ErrClosed) {
		a.closeConn(conn)
		return
	}
	if err != nil {
		a.fail(cb, err)
		a.closeConn(conn)
		return
	}
	if !a.closing.Load() {
		cb.OnReady(flushed)
	}

	a.readLoop(conn, cb)
}

func (a *Adapter) configMessage() configMessage {
	return configMessage{
		APIKey:                  a.cfg.APIKey,
		Model:                   a.cfg.Model,
		AudioFormat:             a.cfg.AudioFormat,
		SampleRate:              a.cfg.SampleRate,
		NumChannels:             a.cfg.NumChannels,
		LanguageHints:           a.cfg.LanguageHints,
		EnableEndpointDetection: a.cfg.EnableEndpointDetection,
	}
}

func (a *Adapter) readLoop(conn *websocket.Conn, cb stt.Callback) {
	defer a.closeConn(conn)
	defer a.outbox.Abort()

	for {
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			if a.closing.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				a.log.Debug().Err(err).Msg("Upstream closed")
				cb.OnClosed()
				return
			}
			a.fail(cb, &stt.TransportError{Op: "read", Err: err})
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		ev, err := stt.DecodeEvent(payload)
		if err != nil {
			a.log.Warn().Err(err).Int("size", len(payload)).Msg("Skipping malformed upstream event")
			a.metrics.RecordMalformedEvent(providerName)
			continue
		}
		a.metrics.RecordUpstreamEvent(providerName)
		if a.closing.Load() {
			return
		}
		cb.OnEvent(ev)
	}
}

// fail reports err unless Close was already called.
func (a *Adapter) fail(cb stt.Callback, err error) {
	a.outbox.Abort()
	if a.closing.Load() {
		return
	}
	a.log.Error().Err(err).Msg("Upstream transport failed")
	cb.OnError(err)
}

// Send forwards one audio frame. Empty frames are dropped so they cannot be
// mistaken for the end-of-audio signal.
func (a *Adapter) Send(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	return a.outbox.Send(frame)
}

func (a *Adapter) CloseSend() error {
	return a.outbox.CloseSend()
}

// Close sends the terminal frame if the connection is still open, then closes it.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closing.Store(true)
		conn, cancel := a.conn, a.cancel
		a.mu.Unlock()

		wasOpen, err := a.outbox.Shutdown()
		if cancel != nil {
			cancel()
		}
		if conn == nil {
			a.closeErr = err
			return
		}
		if wasOpen {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
		}
		if cerr := a.closeConn(conn); err == nil {
			err = cerr
		}
		a.closeErr = err
	})
	return a.closeErr
}

// closeConn closes the websocket at most once.
func (a *Adapter) closeConn(conn *websocket.Conn) error {
	var err error
	a.connOnce.Do(func() {
		err = conn.Close()
	})
	return err
}

// frameWriter writes to the websocket. Calls are serialized by stt.Outbox.
type frameWriter struct {
	conn *websocket.Conn
}

func (w frameWriter) WriteFrame(frame []byte) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return &stt.TransportError{Op: "write", Err: err}
	}
	return nil
}

// WriteEnd sends the zero-length binary frame that ends the audio stream.
func (w frameWriter) WriteEnd() error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteMessage(websocket.BinaryMessage, []byte{}); err != nil {
		return &stt.TransportError{Op: "write end", Err: err}
	}
	return nil
}
