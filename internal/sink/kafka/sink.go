// Package kafka publishes documents as JSON messages keyed by source URL.
package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/cleancrawl/internal/crawler"
	"github.com/JakeFAU/cleancrawl/internal/sink"
)

// Config captures broker settings.
type Config struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink writes one message per document.
type Sink struct {
	writer messageWriter
	clock  crawler.Clock
}

var _ crawler.Sink = (*Sink)(nil)

// New builds a Sink around a kafka.Writer. Messages with the same URL land on
// the same partition.
func New(cfg Config, clock crawler.Clock) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 50 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
	}
	return NewWithWriter(w, clock), nil
}

// NewWithWriter builds a Sink around a custom writer (tests).
func NewWithWriter(writer messageWriter, clock crawler.Clock) *Sink {
	return &Sink{writer: writer, clock: clock}
}

// Write publishes doc and waits for the broker acknowledgement.
func (s *Sink) Write(ctx context.Context, doc crawler.ExtractedDocument) error {
	payload, err := sink.Encode(doc)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(doc.SourceURL),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "content_fingerprint", Value: []byte(doc.ContentFingerprint)},
		},
	}
	if s.clock != nil {
		msg.Time = s.clock.Now()
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish document %s: %w", doc.SourceURL, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (s *Sink) Close(context.Context) error {
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
