// Package file writes documents to a single append-only Markdown report.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/cleancrawl/internal/crawler"
	"github.com/JakeFAU/cleancrawl/internal/sink"
)

// Config captures the report location.
type Config struct {
	// Path is the report file. Parent directories are created.
	Path string `mapstructure:"path"`
	// Append keeps an existing report instead of truncating it.
	Append bool `mapstructure:"append"`
}

// Sink appends one "# Page N" section per document.
type Sink struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	pages  int
	closed bool
	logger *zap.Logger
}

var _ crawler.Sink = (*Sink)(nil)

// New opens (or creates) the report file.
func New(cfg Config, logger *zap.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("report path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY
	if cfg.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(cfg.Path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open report %s: %w", cfg.Path, err)
	}
	return &Sink{f: f, path: cfg.Path, logger: logger}, nil
}

// Write appends doc to the report.
func (s *Sink) Write(ctx context.Context, doc crawler.ExtractedDocument) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("write report: %w", crawler.ErrSinkUnavailable)
	}
	page := sink.RenderPage(s.pages+1, doc)
	if _, err := s.f.WriteString(page); err != nil {
		return fmt.Errorf("write report %s: %w", s.path, err)
	}
	s.pages++
	return nil
}

// Pages reports how many documents were written.
func (s *Sink) Pages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages
}

// Close syncs and closes the report. It is safe to call more than once.
func (s *Sink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.f.Sync(); err != nil {
		s.logger.Warn("sync report failed", zap.String("path", s.path), zap.Error(err))
	}
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("close report %s: %w", s.path, err)
	}
	s.logger.Info("report closed", zap.String("path", s.path), zap.Int("pages", s.pages))
	return nil
}
