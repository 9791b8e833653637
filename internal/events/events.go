// Package events publishes production lifecycle notifications: jobs dispatched to the
// scheduler, jobs found held, and held jobs removed.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/sphenix-prod/slurp/internal/config"
)

// Kind classifies an event.
type Kind string

// Event kinds.
const (
	KindSubmitted Kind = "submitted"
	KindHeld      Kind = "held"
	KindRemoved   Kind = "removed"
)

const defaultTopic = "slurp.production"

// ErrPublishFailed is returned when events could not be delivered.
var ErrPublishFailed = errors.New("event publish failed")

// Event is one notification. Events of a single job share the dstfile key so a
// partitioned consumer sees them in order.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Kind       Kind      `json:"kind"`
	Invocation uuid.UUID `json:"invocation"`
	Host       string    `json:"host,omitempty"`
	DstName    string    `json:"dstname"`
	DstFile    string    `json:"dstfile"`
	Run        int       `json:"run"`
	Segment    int       `json:"segment"`
	StatusID   int       `json:"status_id,omitempty"`
	Cluster    int       `json:"cluster,omitempty"`
	Process    int       `json:"process"`
	Message    string    `json:"message,omitempty"`
	Time       time.Time `json:"time"`
}

// New returns an event with a fresh id.
func New(kind Kind, invocation uuid.UUID, at time.Time) Event {
	return Event{ID: uuid.New(), Kind: kind, Invocation: invocation, Time: at.UTC()}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, ...Event) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// Config configures the Kafka publisher.
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// LoadConfig reads KAFKA_BROKERS (comma separated), KAFKA_TOPIC and KAFKA_WRITE_TIMEOUT.
func LoadConfig() *Config {
	return &Config{
		Brokers:      config.GetEnvList("KAFKA_BROKERS", nil),
		Topic:        config.GetEnvStr("KAFKA_TOPIC", defaultTopic),
		WriteTimeout: config.GetEnvDuration("KAFKA_WRITE_TIMEOUT", 10*time.Second),
	}
}

// Enabled reports whether any broker is configured.
func (c *Config) Enabled() bool {
	return len(c.Brokers) > 0
}

// KafkaPublisher writes events as JSON messages keyed by dstfile.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafkaPublisher returns a publisher writing to cfg.Topic.
func NewKafkaPublisher(cfg *Config, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			WriteTimeout:           cfg.WriteTimeout,
			AllowAutoTopicCreation: true,
		},
		logger: logger,
	}
}

// Publish writes all events in one batch.
func (p *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(events))

	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("%w: encode %s: %w", ErrPublishFailed, e.ID, err)
		}

		msgs = append(msgs, kafka.Message{Key: []byte(e.DstFile), Value: value, Time: e.Time})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, p.writer.Topic, err)
	}

	p.logger.Debug("Published events", slog.String("topic", p.writer.Topic), slog.Int("events", len(msgs)))

	return nil
}

// Close flushes pending writes.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// FromEnv returns a Kafka publisher when brokers are configured and Nop otherwise.
func FromEnv(logger *slog.Logger) Publisher {
	cfg := LoadConfig()
	if !cfg.Enabled() {
		return Nop{}
	}

	logger.Info("Publishing production events", slog.Any("brokers", cfg.Brokers), slog.String("topic", cfg.Topic))

	return NewKafkaPublisher(cfg, logger)
}
