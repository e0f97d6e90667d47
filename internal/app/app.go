package app

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"github.com/rs/zerolog"

	"speech-stream-bridge/internal/config"
	"speech-stream-bridge/internal/events"
	"speech-stream-bridge/internal/observability/logging"
	"speech-stream-bridge/internal/observability/metrics"
	"speech-stream-bridge/internal/service/bridge"
	"speech-stream-bridge/internal/service/stt"
	"speech-stream-bridge/internal/service/stt/google"
	"speech-stream-bridge/internal/service/stt/mock"
	"speech-stream-bridge/internal/service/stt/soniox"
	"speech-stream-bridge/internal/service/transcript"
)

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Configuration
	Metrics     *metrics.Metrics
	Publisher   *events.Publisher
	Controller  *bridge.Controller

	speech   *speech.Client
	draining atomic.Bool
}

// New constructs a new Application from the provided configuration. A nil m
// uses metrics.DefaultMetrics.
func New(ctx context.Context, cfg *config.Configuration, m *metrics.Metrics) (*Application, error) {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	a := &Application{
		Cfg:     cfg,
		Metrics: m,
		Logger:  logging.WithComponent("application"),
	}

	if cfg.STT.Provider == "google" {
		client, err := google.NewClient(ctx, cfg.STT.Credential)
		if err != nil {
			return nil, fmt.Errorf("create speech client: %w", err)
		}
		a.speech = client
	}

	factory, err := a.adapterFactory()
	if err != nil {
		return nil, err
	}

	a.Publisher = events.New(&events.Config{
		Enabled:          cfg.Kafka.Enabled,
		Brokers:          cfg.Kafka.Brokers,
		TopicTranscripts: cfg.Kafka.TopicTranscripts,
		TopicSessions:    cfg.Kafka.TopicSessions,
		Principal:        cfg.Kafka.Principal,
	}, m)

	a.Controller = bridge.NewController(bridge.Config{
		TokenJoin:     TokenJoin(cfg.STT),
		FinishTimeout: cfg.STT.FinishTimeout,
		ChunkBytes:    cfg.Audio.ChunkBytes,
		Limits: bridge.Limits{
			MaxAudioBytes: cfg.Session.MaxAudioBytes,
			MaxDuration:   cfg.Session.MaxDuration,
		},
	}, factory, a.Publisher, m)

	a.Logger.Info().
		Str("sttProvider", cfg.STT.Provider).
		Str("tokenJoin", string(TokenJoin(cfg.STT))).
		Msg("Speech stream bridge application created")
	return a, nil
}

// TokenJoin returns the configured join mode, or the provider's natural one.
// Soniox tokens are sub-words carrying their own spacing; Google finals are
// whole phrases.
func TokenJoin(cfg config.STTConfig) transcript.JoinMode {
	def := transcript.JoinNone
	if cfg.Provider == "google" {
		def = transcript.JoinSpace
	}
	return transcript.ParseJoinMode(cfg.TokenJoin, def)
}

// adapterFactory returns the per-session adapter constructor for the
// configured provider.
func (a *Application) adapterFactory() (stt.Factory, error) {
	cfg := a.Cfg
	switch cfg.STT.Provider {
	case "soniox":
		sc := soniox.Config{
			URL:                     cfg.Soniox.URL,
			APIKey:                  cfg.STT.Credential,
			Model:                   cfg.STT.Model,
			AudioFormat:             cfg.Audio.Format,
			SampleRate:              cfg.Audio.SampleRateHz,
			NumChannels:             cfg.Audio.Channels,
			LanguageHints:           cfg.STT.LanguageHints,
			EnableEndpointDetection: cfg.STT.EnableEndpointDetection,
			ConnectTimeout:          cfg.STT.ConnectTimeout,
		}
		return func(sessionID string) (stt.Adapter, error) {
			return soniox.New(sc, logging.WithSession(sessionID, "soniox"), a.Metrics), nil
		}, nil

	case "google":
		gc := google.Config{
			Model:         cfg.Google.Model,
			LanguageHints: cfg.STT.LanguageHints,
			SampleRate:    cfg.Audio.SampleRateHz,
			NumChannels:   cfg.Audio.Channels,
		}
		return func(sessionID string) (stt.Adapter, error) {
			return google.New(a.speech, gc, logging.WithSession(sessionID, "google"), a.Metrics), nil
		}, nil

	case "mock":
		return func(sessionID string) (stt.Adapter, error) {
			return mock.New(mock.Config{ConnectDelay: 50 * time.Millisecond}, logging.WithSession(sessionID, "mock"), a.Metrics), nil
		}, nil

	default:
		return nil, fmt.Errorf("unknown STT provider %q", cfg.STT.Provider)
	}
}

// Ready reports whether the service accepts new sessions.
func (a *Application) Ready() bool {
	return !a.draining.Load()
}

// Start performs any startup work required before serving traffic.
func (a *Application) Start() error {
	a.StartupTime = time.Now().UTC()
	a.Logger.Info().
		Time("startupTime", a.StartupTime).
		Msg("Speech stream bridge starting")
	return nil
}

// Drain marks the service not ready so load balancers stop routing to it.
func (a *Application) Drain() {
	a.draining.Store(true)
	a.Logger.Info().Msg("Draining, readiness now failing")
}

// Shutdown releases shared clients and flushes pending events.
func (a *Application) Shutdown() {
	a.Drain()
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event publisher")
		}
	}
	if a.speech != nil {
		if err := a.speech.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close speech client")
		}
	}
	var sessions uint64
	if a.Controller != nil {
		sessions = a.Controller.Sessions()
	}
	a.Logger.Info().
		Uint64("sessions", sessions).
		Dur("uptime", time.Since(a.StartupTime)).
		Msg("Speech stream bridge shut down")
}
