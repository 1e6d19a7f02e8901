// Package memory collects documents in process, for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/cleancrawl/internal/crawler"
)

// Sink stores written documents for inspection.
type Sink struct {
	mu     sync.RWMutex
	docs   []crawler.ExtractedDocument
	failN  int
	closed bool
}

var _ crawler.Sink = (*Sink)(nil)

// New returns an empty Sink.
func New() *Sink {
	return &Sink{}
}

// FailNext makes the next n writes fail with crawler.ErrSinkUnavailable.
func (s *Sink) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failN = n
}

// Write records doc.
func (s *Sink) Write(_ context.Context, doc crawler.ExtractedDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory sink closed: %w", crawler.ErrSinkUnavailable)
	}
	if s.failN > 0 {
		s.failN--
		return fmt.Errorf("memory sink: %w", crawler.ErrSinkUnavailable)
	}
	doc.ExtractedLinks = append([]string(nil), doc.ExtractedLinks...)
	s.docs = append(s.docs, doc)
	return nil
}

// Documents returns a copy of everything written so far.
func (s *Sink) Documents() []crawler.ExtractedDocument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.ExtractedDocument, len(s.docs))
	copy(out, s.docs)
	return out
}

// Len reports the number of documents written.
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Close marks the sink closed.
func (s *Sink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
