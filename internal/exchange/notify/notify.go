// Package notify publishes import outcomes to Kafka.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/unipago/affiliate-exchange/internal/exchange/models"
)

// Config holds the Kafka publisher configuration.
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes every import outcome as a JSON message keyed by file name.
type Kafka struct {
	w     messageWriter
	topic string

	log *slog.Logger
}

type options struct {
	newWriter func(Config) messageWriter
	logger    *slog.Logger
}

// Options represents an optional function to override Kafka default values.
type Options func(*options)

// WithLogger sets the logger used by the publisher.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.logger = l
	}
}

// New returns a Kafka publisher. No connection is made until the first message is published.
func New(cfg Config, args ...Options) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	opts := options{
		newWriter: func(cfg Config) messageWriter {
			return &kafka.Writer{
				Addr:                   kafka.TCP(cfg.Brokers...),
				Topic:                  cfg.Topic,
				Balancer:               &kafka.Hash{},
				RequiredAcks:           kafka.RequireOne,
				WriteTimeout:           cfg.WriteTimeout,
				AllowAutoTopicCreation: true,
			}
		},
		logger: slog.Default(),
	}
	for _, opt := range args {
		opt(&opts)
	}

	return &Kafka{
		w:     opts.newWriter(cfg),
		topic: cfg.Topic,
		log:   opts.logger,
	}, nil
}

// Publish sends rec to the configured topic.
func (k Kafka) Publish(ctx context.Context, rec models.ImportAudit) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal import outcome: %v", err)
	}

	msg := kafka.Message{
		Key:   []byte(rec.Filename),
		Value: value,
		Time:  rec.Timestamp,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "import-status", Value: []byte(rec.Status)},
		},
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish import outcome to %q: %w", k.topic, err)
	}

	k.log.Debug("Published import outcome", "topic", k.topic, "file", rec.Filename, "status", rec.Status)
	return nil
}

// Close flushes pending messages and closes the connections to the brokers.
func (k Kafka) Close() error {
	return k.w.Close()
}
