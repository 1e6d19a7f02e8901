// Package pubsub publishes documents to a Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/cleancrawl/internal/crawler"
	"github.com/JakeFAU/cleancrawl/internal/sink"
)

// Config captures the destination topic.
type Config struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Sink publishes one JSON message per document and waits for the server ID.
type Sink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

var _ crawler.Sink = (*Sink)(nil)

// New dials Pub/Sub with application default credentials.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, fmt.Errorf("pubsub project id is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	s := NewWithTopic(client.Topic(cfg.Topic))
	s.client = client
	return s, nil
}

// NewWithTopic wraps an existing topic handle. Close stops the topic but
// leaves the client open.
func NewWithTopic(topic *pubsub.Topic) *Sink {
	return &Sink{topic: topic}
}

// Write publishes doc.
func (s *Sink) Write(ctx context.Context, doc crawler.ExtractedDocument) error {
	if s.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	data, err := sink.Encode(doc)
	if err != nil {
		return err
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"source_url":          doc.SourceURL,
			"content_fingerprint": doc.ContentFingerprint,
			"depth":               strconv.Itoa(doc.Depth),
		},
	}
	if _, err := s.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish document %s: %w", doc.SourceURL, err)
	}
	return nil
}

// Close flushes outstanding publishes.
func (s *Sink) Close(context.Context) error {
	if s.topic != nil {
		s.topic.Stop()
	}
	if s.client == nil {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
