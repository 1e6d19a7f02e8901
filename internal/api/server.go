package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/cleancrawl/internal/crawler"
	"github.com/JakeFAU/cleancrawl/internal/identity"
	"github.com/JakeFAU/cleancrawl/internal/scheduler"
)

// StatusProvider exposes live crawl counters.
type StatusProvider interface {
	Stats() scheduler.Stats
}

// IdentityReporter exposes identity pool bookkeeping.
type IdentityReporter interface {
	Snapshot() []identity.Status
}

// BudgetReporter exposes per-domain rate budgets.
type BudgetReporter interface {
	Budgets() []crawler.DomainBudget
}

// Options wires the server to the running crawl. Nil reporters answer 503.
type Options struct {
	RunID      string
	Status     StatusProvider
	Identities IdentityReporter
	Budgets    BudgetReporter
	// Registry receives the HTTP metrics and backs /metrics. Defaults to a
	// fresh registry.
	Registry *prometheus.Registry
	APIKey   string
	Timeout  time.Duration
	Clock    crawler.Clock
	Logger   *zap.Logger
}

// Server serves the operator routes.
type Server struct {
	router  chi.Router
	opts    Options
	started time.Time
	logger  *zap.Logger
}

type statusResponse struct {
	RunID  string          `json:"run_id,omitempty"`
	Uptime string          `json:"uptime"`
	Crawl  scheduler.Stats `json:"crawl"`
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	metrics, err := newHTTPMetrics(opts.Registry)
	if err != nil {
		return nil, err
	}
	s := &Server{opts: opts, logger: opts.Logger}
	if opts.Clock != nil {
		s.started = opts.Clock.Now()
	} else {
		s.started = time.Now()
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.middleware)
	r.Use(timeoutMiddleware(opts.Timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/status", s.status)
		r.Get("/identities", s.identities)
		r.Get("/budgets", s.budgets)
		r.Get("/budgets/{domain}", s.budget)
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready while the crawl is still running.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Status == nil {
		writeError(w, http.StatusServiceUnavailable, "crawl not started")
		return
	}
	stats := s.opts.Status.Stats()
	if stats.Status != scheduler.StatusRunning {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": string(stats.Status)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Status == nil {
		writeError(w, http.StatusServiceUnavailable, "crawl not started")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		RunID:  s.opts.RunID,
		Uptime: s.now().Sub(s.started).Round(time.Second).String(),
		Crawl:  s.opts.Status.Stats(),
	})
}

func (s *Server) identities(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Identities == nil {
		writeError(w, http.StatusServiceUnavailable, "identity pool unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identities": s.opts.Identities.Snapshot()})
}

func (s *Server) budgets(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Budgets == nil {
		writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"budgets": s.opts.Budgets.Budgets()})
}

func (s *Server) budget(w http.ResponseWriter, r *http.Request) {
	if s.opts.Budgets == nil {
		writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
		return
	}
	domain := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "domain")))
	for _, b := range s.opts.Budgets.Budgets() {
		if b.Domain == domain {
			writeJSON(w, http.StatusOK, map[string]any{"budget": b})
			return
		}
	}
	writeError(w, http.StatusNotFound, "domain not seen")
}

func (s *Server) now() time.Time {
	if s.opts.Clock != nil {
		return s.opts.Clock.Now()
	}
	return time.Now()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
