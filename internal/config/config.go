// Package config loads the service configuration from the environment,
// optionally layered over a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Fixed inbound audio format. Not negotiable per request.
const (
	AudioFormat       = "pcm_s16le"
	AudioSampleRateHz = 8000
	AudioChannels     = 1
)

// Configuration is resolved once at startup and injected into every session.
type Configuration struct {
	Service       ServiceConfig       `yaml:"service"`
	STT           STTConfig           `yaml:"stt"`
	Soniox        SonioxConfig        `yaml:"soniox"`
	Google        GoogleConfig        `yaml:"google"`
	Audio         AudioConfig         `yaml:"audio"`
	Session       SessionConfig       `yaml:"session"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServiceConfig struct {
	Principal      string `yaml:"principal" validate:"required"`
	HTTPPort       string `yaml:"http_port" validate:"required,numeric"`
	GRPCHealthPort string `yaml:"grpc_health_port" validate:"omitempty,numeric"`
}

// STTConfig holds the provider-independent upstream session parameters.
type STTConfig struct {
	Provider                string        `yaml:"provider" validate:"oneof=soniox google mock"`
	Credential              string        `yaml:"credential"` // passed through as-is, never validated
	Model                   string        `yaml:"model" validate:"required"`
	LanguageHints           []string      `yaml:"language_hints" validate:"min=1,dive,required"`
	EnableEndpointDetection bool          `yaml:"enable_endpoint_detection"`
	TokenJoin               string        `yaml:"token_join" validate:"omitempty,oneof=none space"`
	ConnectTimeout          time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	FinishTimeout           time.Duration `yaml:"finish_timeout" validate:"gt=0"`
}

type SonioxConfig struct {
	URL string `yaml:"url" validate:"required,url"`
}

type GoogleConfig struct {
	Model string `yaml:"model"`
}

type AudioConfig struct {
	Format       string `yaml:"-"`
	SampleRateHz int    `yaml:"-"`
	Channels     int    `yaml:"-"`
	ChunkBytes   int    `yaml:"chunk_bytes" validate:"gt=0"`
}

// SessionConfig caps a single session. Zero disables a limit.
type SessionConfig struct {
	MaxAudioBytes int64         `yaml:"max_audio_bytes" validate:"gte=0"`
	MaxDuration   time.Duration `yaml:"max_duration" validate:"gte=0"`
}

type KafkaConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Brokers          []string `yaml:"brokers" validate:"required_if=Enabled true"`
	TopicTranscripts string   `yaml:"topic_transcripts"`
	TopicSessions    string   `yaml:"topic_sessions"`
	Principal        string   `yaml:"principal"`
}

type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format" validate:"oneof=json console"`
	MetricsPort string `yaml:"metrics_port" validate:"omitempty,numeric"`
}

// Default returns the built-in defaults.
func Default() *Configuration {
	return &Configuration{
		Service: ServiceConfig{
			Principal:      "svc-speech-bridge",
			HTTPPort:       "6018",
			GRPCHealthPort: "50051",
		},
		STT: STTConfig{
			Provider:                "soniox",
			Model:                   "stt-rt-v3",
			LanguageHints:           []string{"en"},
			EnableEndpointDetection: true,
			ConnectTimeout:          10 * time.Second,
			FinishTimeout:           15 * time.Second,
		},
		Soniox: SonioxConfig{
			URL: "wss://stt-rt.soniox.com/transcribe-websocket",
		},
		Google: GoogleConfig{
			Model: "phone_call",
		},
		Audio: AudioConfig{
			Format:       AudioFormat,
			SampleRateHz: AudioSampleRateHz,
			Channels:     AudioChannels,
			ChunkBytes:   3200,
		},
		Session: SessionConfig{
			MaxAudioBytes: 64 * 1024 * 1024,
			MaxDuration:   75 * time.Minute,
		},
		Kafka: KafkaConfig{
			TopicTranscripts: "speech.transcript.updated",
			TopicSessions:    "speech.session.ended",
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsPort: "9090",
		},
	}
}

// Load reads configuration from environment variables over the defaults.
func Load() *Configuration {
	return applyEnv(Default())
}

// LoadFile reads a YAML file over the defaults, then applies environment overrides.
func LoadFile(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	// The audio format is fixed regardless of what the file says.
	cfg.Audio.Format = AudioFormat
	cfg.Audio.SampleRateHz = AudioSampleRateHz
	cfg.Audio.Channels = AudioChannels

	return applyEnv(cfg), nil
}

// Validate checks field constraints. The credential is intentionally not checked.
func (c *Configuration) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func applyEnv(cfg *Configuration) *Configuration {
	cfg.Service.Principal = envOrDefault("SERVICE_PRINCIPAL", cfg.Service.Principal)
	cfg.Service.HTTPPort = envOrDefault("PORT", cfg.Service.HTTPPort)
	if v, ok := os.LookupEnv("GRPC_HEALTH_PORT"); ok {
		cfg.Service.GRPCHealthPort = v // empty disables the health server
	}

	cfg.STT.Provider = strings.ToLower(envOrDefault("STT_PROVIDER", cfg.STT.Provider))
	cfg.STT.Credential = envOrDefault("SONIOX_API_KEY", cfg.STT.Credential)
	cfg.STT.Model = envOrDefault("SONIOX_SPEECH_RECOGNITION_MODEL", cfg.STT.Model)
	cfg.STT.LanguageHints = envOrDefaultList("SONIOX_SPEECH_RECOGNITION_LANGUAGE", cfg.STT.LanguageHints)
	cfg.STT.EnableEndpointDetection = envOrDefaultBool("STT_ENABLE_ENDPOINT_DETECTION", cfg.STT.EnableEndpointDetection)
	cfg.STT.TokenJoin = strings.ToLower(envOrDefault("STT_TOKEN_JOIN", cfg.STT.TokenJoin))
	cfg.STT.ConnectTimeout = envOrDefaultDuration("STT_CONNECT_TIMEOUT", cfg.STT.ConnectTimeout)
	cfg.STT.FinishTimeout = envOrDefaultDuration("STT_FINISH_TIMEOUT", cfg.STT.FinishTimeout)

	cfg.Soniox.URL = envOrDefault("SONIOX_WEBSOCKET_URL", cfg.Soniox.URL)
	cfg.Google.Model = envOrDefault("GOOGLE_SPEECH_MODEL", cfg.Google.Model)
	cfg.Audio.ChunkBytes = envOrDefaultInt("AUDIO_CHUNK_BYTES", cfg.Audio.ChunkBytes)
	cfg.Session.MaxAudioBytes = int64(envOrDefaultInt("SESSION_MAX_AUDIO_BYTES", int(cfg.Session.MaxAudioBytes)))
	cfg.Session.MaxDuration = envOrDefaultDuration("SESSION_MAX_DURATION", cfg.Session.MaxDuration)

	cfg.Kafka.Enabled = envOrDefaultBool("KAFKA_ENABLED", cfg.Kafka.Enabled)
	cfg.Kafka.Brokers = envOrDefaultList("KAFKA_BROKERS", cfg.Kafka.Brokers)
	cfg.Kafka.TopicTranscripts = envOrDefault("KAFKA_TOPIC_TRANSCRIPTS", cfg.Kafka.TopicTranscripts)
	cfg.Kafka.TopicSessions = envOrDefault("KAFKA_TOPIC_SESSIONS", cfg.Kafka.TopicSessions)
	cfg.Kafka.Principal = envOrDefault("KAFKA_PRINCIPAL", cfg.Kafka.Principal)
	if cfg.Kafka.Principal == "" {
		cfg.Kafka.Principal = cfg.Service.Principal
	}

	cfg.Observability.LogLevel = envOrDefault("LOG_LEVEL", cfg.Observability.LogLevel)
	cfg.Observability.LogFormat = envOrDefault("LOG_FORMAT", cfg.Observability.LogFormat)
	cfg.Observability.MetricsPort = envOrDefault("METRICS_PORT", cfg.Observability.MetricsPort)

	return cfg
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// envOrDefaultList splits a comma-separated value, dropping empty items.
func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
