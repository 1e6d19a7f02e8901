// Package gcs stores each document as a Markdown object in a Cloud Storage
// bucket.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/cleancrawl/internal/crawler"
	"github.com/JakeFAU/cleancrawl/internal/sink"
)

const contentType = "text/markdown; charset=utf-8"

// Config captures the destination bucket.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// objectWriter opens a writer for one object.
type objectWriter interface {
	NewWriter(ctx context.Context, object string, metadata map[string]string) io.WriteCloser
}

type bucketWriter struct {
	bucket *storage.BucketHandle
}

func (b bucketWriter) NewWriter(ctx context.Context, object string, metadata map[string]string) io.WriteCloser {
	w := b.bucket.Object(object).NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = metadata
	return w
}

// Sink uploads one object per document. Object names derive from the content
// fingerprint, so rewriting a document is idempotent.
type Sink struct {
	objects objectWriter
	client  *storage.Client
	bucket  string
	prefix  string
}

var _ crawler.Sink = (*Sink)(nil)

// New creates a GCS-backed sink using client.
func New(client *storage.Client, cfg Config) (*Sink, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	s := newWithWriter(bucketWriter{bucket: client.Bucket(cfg.Bucket)}, cfg)
	s.client = client
	return s, nil
}

func newWithWriter(objects objectWriter, cfg Config) *Sink {
	return &Sink{objects: objects, bucket: cfg.Bucket, prefix: cfg.Prefix}
}

// Write uploads doc and returns once the object is finalized.
func (s *Sink) Write(ctx context.Context, doc crawler.ExtractedDocument) error {
	name := sink.ObjectName(s.prefix, doc)
	meta := map[string]string{
		"source_url":            doc.SourceURL,
		"final_url":             doc.FinalURL,
		"depth":                 strconv.Itoa(doc.Depth),
		"content_fingerprint":   doc.ContentFingerprint,
		"extraction_confidence": strconv.FormatFloat(doc.ExtractionConfidence, 'f', 3, 64),
	}
	if doc.Title != "" {
		meta["title"] = doc.Title
	}
	w := s.objects.NewWriter(ctx, name, meta)
	if _, err := io.WriteString(w, doc.CleanText); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return fmt.Errorf("write object %s: %w (close writer: %v)", name, err, closeErr)
		}
		return fmt.Errorf("write object %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize object gs://%s/%s: %w", s.bucket, name, err)
	}
	return nil
}

// Close releases the storage client when the sink created it.
func (s *Sink) Close(context.Context) error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close storage client: %w", err)
	}
	return nil
}
