// Package events publishes bridge events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"speech-stream-bridge/internal/models"
	"speech-stream-bridge/internal/observability/metrics"
	"speech-stream-bridge/internal/schema"
)

// Publisher publishes transcript updates and session summaries to separate Kafka topics.
// With Kafka disabled it only logs.
type Publisher struct {
	writerTranscripts *kafka.Writer
	writerSessions    *kafka.Writer
	principal         string
	topicTranscripts  string
	topicSessions     string
	enabled           bool
	validator         *schema.Validator
	metrics           *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers          []string
	TopicTranscripts string
	TopicSessions    string
	Principal        string
	Enabled          bool
}

// New creates a publisher. A nil m uses metrics.DefaultMetrics.
func New(cfg *Config, m *metrics.Metrics) *Publisher {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	p := &Publisher{validator: schema.New(), metrics: m}

	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return p
	}
	p.principal = cfg.Principal
	p.topicTranscripts = cfg.TopicTranscripts
	p.topicSessions = cfg.TopicSessions

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	// Longer dial timeout for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	p.writerTranscripts = p.newWriter(cfg.Brokers, cfg.TopicTranscripts, models.EventTranscriptUpdated, transport)
	p.writerSessions = p.newWriter(cfg.Brokers, cfg.TopicSessions, models.EventSessionEnded, transport)
	p.enabled = true

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicTranscripts", cfg.TopicTranscripts).
		Str("topicSessions", cfg.TopicSessions).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return p
}

// newWriter builds an async writer; delivery results arrive in Completion.
func (p *Publisher) newWriter(brokers []string, topic, eventType string, transport *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Transport:    transport,
		Completion: func(messages []kafka.Message, err error) {
			for range messages {
				p.metrics.RecordKafkaPublish(topic, eventType, err, 0)
			}
			if err != nil {
				log.Error().Err(err).Str("topic", topic).Int("messages", len(messages)).Msg("Failed to write to Kafka")
			}
		},
	}
}

// PublishTranscript publishes a transcript update keyed by session id.
func (p *Publisher) PublishTranscript(ctx context.Context, ev models.TranscriptUpdated) error {
	return p.publish(ctx, p.writerTranscripts, p.topicTranscripts, ev.EventType, ev.SessionID, ev)
}

// PublishSessionEnded publishes the end-of-session summary keyed by session id.
func (p *Publisher) PublishSessionEnded(ctx context.Context, ev models.SessionEnded) error {
	return p.publish(ctx, p.writerSessions, p.topicSessions, ev.EventType, ev.SessionID, ev)
}

func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic, eventType, key string, event any) error {
	start := time.Now()

	if err := p.validator.Validate(event); err != nil {
		log.Error().Err(err).Str("topic", topic).Str("key", key).Msg("Event failed schema validation")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}
	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().Err(err).Str("topic", topic).Str("key", key).Msg("Failed to enqueue Kafka message")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}
	return nil
}

// Close flushes and closes both writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerTranscripts != nil {
		if e := p.writerTranscripts.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing transcripts writer")
			err = e
		}
	}
	if p.writerSessions != nil {
		if e := p.writerSessions.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing sessions writer")
			err = e
		}
	}
	return err
}
