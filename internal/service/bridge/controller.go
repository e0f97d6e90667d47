// Package bridge connects a client's audio upload to an upstream recognition
// session and streams the consolidated transcript back.
package bridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"speech-stream-bridge/internal/models"
	"speech-stream-bridge/internal/observability/logging"
	"speech-stream-bridge/internal/observability/metrics"
	"speech-stream-bridge/internal/service/session"
	"speech-stream-bridge/internal/service/stt"
	"speech-stream-bridge/internal/service/transcript"
)

// Sink is the outbound transcript stream of one client.
type Sink interface {
	// Write sends the latest full transcript.
	Write(transcript string) error
	// Fail reports an error status and message and ends the response. It only
	// has an effect before the first Write.
	Fail(status int, message string) error
	// Close ends the response stream.
	Close() error
}

// Interrupter is implemented by audio sources whose pending Read can be
// unblocked, such as a request body behind a read deadline.
type Interrupter interface {
	Interrupt() error
}

// Publisher receives session events for fan-out. Failures never affect the session.
type Publisher interface {
	PublishTranscript(ctx context.Context, ev models.TranscriptUpdated) error
	PublishSessionEnded(ctx context.Context, ev models.SessionEnded) error
}

// Limits caps a single session. Reaching a limit ends the input gracefully,
// as if the client had finished uploading.
type Limits struct {
	MaxAudioBytes int64         // 0 disables
	MaxDuration   time.Duration // 0 disables
}

// DefaultLimits returns sensible default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxAudioBytes: 64 * 1024 * 1024, // 64MB (~70 minutes at 8kHz 16-bit mono)
		MaxDuration:   75 * time.Minute,
	}
}

// Config holds the per-session settings shared by every session.
type Config struct {
	TokenJoin     transcript.JoinMode
	FinishTimeout time.Duration
	ChunkBytes    int
	Limits        Limits
}

func (c Config) withDefaults() Config {
	if c.TokenJoin == "" {
		c.TokenJoin = transcript.JoinNone
	}
	if c.FinishTimeout <= 0 {
		c.FinishTimeout = 15 * time.Second
	}
	if c.ChunkBytes <= 0 {
		c.ChunkBytes = 3200
	}
	return c
}

// Controller creates and runs one Session per client request.
type Controller struct {
	cfg       Config
	factory   stt.Factory
	ids       *session.Generator
	publisher Publisher
	metrics   *metrics.Metrics
}

// NewController creates a controller. publisher may be nil; a nil m uses
// metrics.DefaultMetrics.
func NewController(cfg Config, factory stt.Factory, publisher Publisher, m *metrics.Metrics) *Controller {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Controller{
		cfg:       cfg.withDefaults(),
		factory:   factory,
		ids:       session.NewGenerator(),
		publisher: publisher,
		metrics:   m,
	}
}

// Serve bridges src to a new upstream session and writes transcripts to sink
// until the session ends. The sink is closed or failed exactly once.
//
// src is not read after Serve returns. If the session ends while a read is
// pending, src is interrupted when it implements Interrupter, else closed
// when it implements io.Closer.
func (c *Controller) Serve(ctx context.Context, src io.Reader, sink Sink) error {
	id := c.ids.Next()
	adapter, err := c.factory(id)
	if err != nil {
		err = fmt.Errorf("create upstream session: %w", err)
		logger := logging.WithComponent("bridge")
		logger.Error().Err(err).Str("sessionId", id).Msg("Session not started")
		sink.Fail(http.StatusInternalServerError, err.Error())
		return err
	}

	s := newSession(id, c.cfg, adapter, src, sink, c.publisher, c.metrics)
	return s.Run(ctx)
}

// Sessions returns the number of sessions started so far.
func (c *Controller) Sessions() uint64 {
	return c.ids.Count()
}
