// Package app assembles a crawl run from configuration and owns the
// lifetimes of everything it builds.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/cleancrawl/internal/api"
	"github.com/JakeFAU/cleancrawl/internal/checkpoint/sqlite"
	"github.com/JakeFAU/cleancrawl/internal/clock/system"
	"github.com/JakeFAU/cleancrawl/internal/config"
	"github.com/JakeFAU/cleancrawl/internal/crawler"
	"github.com/JakeFAU/cleancrawl/internal/dedup"
	"github.com/JakeFAU/cleancrawl/internal/extract"
	collyfetcher "github.com/JakeFAU/cleancrawl/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/cleancrawl/internal/fetcher/headless"
	"github.com/JakeFAU/cleancrawl/internal/fetcher/hybrid"
	"github.com/JakeFAU/cleancrawl/internal/frontier"
	"github.com/JakeFAU/cleancrawl/internal/hash/sha256"
	"github.com/JakeFAU/cleancrawl/internal/headless/detector"
	"github.com/JakeFAU/cleancrawl/internal/id/uuid"
	"github.com/JakeFAU/cleancrawl/internal/identity"
	"github.com/JakeFAU/cleancrawl/internal/policy/ratelimit"
	"github.com/JakeFAU/cleancrawl/internal/progress"
	progresssinks "github.com/JakeFAU/cleancrawl/internal/progress/sinks"
	"github.com/JakeFAU/cleancrawl/internal/scheduler"
	filesink "github.com/JakeFAU/cleancrawl/internal/sink/file"
	gcssink "github.com/JakeFAU/cleancrawl/internal/sink/gcs"
	kafkasink "github.com/JakeFAU/cleancrawl/internal/sink/kafka"
	memorysink "github.com/JakeFAU/cleancrawl/internal/sink/memory"
	postgressink "github.com/JakeFAU/cleancrawl/internal/sink/postgres"
	pubsubsink "github.com/JakeFAU/cleancrawl/internal/sink/pubsub"
	"github.com/JakeFAU/cleancrawl/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// App holds one crawl run's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock
	runID  string

	registry   *prometheus.Registry
	hub        *progress.Hub
	tracer     *sdktrace.TracerProvider
	frontier   *frontier.Frontier
	pool       *identity.Pool
	limiter    *ratelimit.Limiter
	headless   *headlessfetcher.Fetcher
	dedup      crawler.DedupCache
	redis      *dedup.Redis
	sink       crawler.Sink
	checkpoint *sqlite.Store
	scheduler  *scheduler.Scheduler
	httpServer *http.Server

	closeOnce sync.Once
	closeErr  error
}

// Build wires every component named by cfg. On error, anything already
// opened is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := uuid.New()
	runID, err := ids.NewRunID()
	if err != nil {
		return nil, err
	}
	a := &App{
		cfg:      cfg,
		logger:   logger.With(zap.String("run_id", runID.String())),
		clock:    system.New(),
		runID:    runID.String(),
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	emitter, err := a.setupProgress(progress.UUIDToBytes(runID))
	if err != nil {
		return nil, err
	}
	tracer, err := a.setupTracing(ctx)
	if err != nil {
		return nil, err
	}

	a.frontier = frontier.New(frontier.Config{
		MaxRetries:    cfg.Frontier.MaxRetries,
		MaxAge:        cfg.Frontier.MaxAge,
		PriorityDecay: cfg.Frontier.PriorityDecay,
		RequeueDecay:  cfg.Frontier.RequeueDecay,
		RequeueDelay:  cfg.Frontier.RequeueDelay,
		Backoff:       crawler.NewExponentialBackoff(cfg.Frontier.BackoffBase, cfg.Frontier.BackoffMax),
	}, a.clock)

	if err = a.setupIdentities(ids, emitter); err != nil {
		return nil, err
	}
	a.limiter = ratelimit.New(ratelimit.Config{
		DefaultRPS:             cfg.RateLimit.DefaultRPS,
		DefaultBurst:           cfg.RateLimit.DefaultBurst,
		MaxConcurrentPerDomain: cfg.RateLimit.MaxConcurrentPerDomain,
		GlobalMaxInflight:      cfg.RateLimit.GlobalMaxInflight,
		AcquireTimeout:         cfg.RateLimit.AcquireTimeout,
		DecreaseFactor:         cfg.RateLimit.DecreaseFactor,
		RecoveryStep:           cfg.RateLimit.RecoveryStep,
		MinRPS:                 cfg.RateLimit.MinRPS,
		Overrides:              cfg.RateLimit.OverrideMap(),
	}, emitter)

	fetcher, err := a.setupFetcher()
	if err != nil {
		return nil, err
	}
	if err = a.setupDedup(ctx); err != nil {
		return nil, err
	}
	if a.sink, err = a.setupSink(ctx); err != nil {
		return nil, err
	}
	if err = a.setupCheckpoint(ctx); err != nil {
		return nil, err
	}

	links := crawler.NewLinkPolicy(crawler.LinkPolicyConfig{
		Scope:          cfg.Crawler.Scope,
		AllowedDomains: cfg.Crawler.AllowedDomains,
		BlockedDomains: cfg.Crawler.BlockedDomains,
	})
	if err = a.resume(ctx, links); err != nil {
		return nil, err
	}

	extractor := extract.New(extract.Config{
		MinContentLength: cfg.Extract.MinContentLength,
		SiblingThreshold: cfg.Extract.SiblingThreshold,
		AdSelectors:      cfg.Extract.AdSelectors,
	}, sha256.New(), a.clock, a.logger.Named("extract"))

	a.scheduler, err = scheduler.New(scheduler.Config{
		MaxConcurrency:     cfg.Crawler.Concurrency,
		MaxDepth:           cfg.Crawler.MaxDepth,
		MaxPages:           cfg.Crawler.MaxPages,
		FetchTimeout:       cfg.Crawler.FetchTimeout,
		GracePeriod:        cfg.Crawler.GracePeriod,
		MaxWriteRetries:    cfg.Output.MaxWriteRetries,
		WriteBackoff:       crawler.NewExponentialBackoff(cfg.Output.BackoffBase, cfg.Output.BackoffMax),
		SinkFatalAfter:     cfg.Output.SinkFatalAfter,
		SeedPriority:       cfg.Crawler.SeedPriority,
		LinkPriorityFactor: cfg.Crawler.LinkPriorityFactor,
	}, scheduler.Deps{
		Frontier:   a.frontier,
		Identities: a.pool,
		Limiter:    a.limiter,
		Fetcher:    fetcher,
		Extractor:  extractor,
		Dedup:      a.dedup,
		Sink:       a.sink,
		Robots: crawler.NewRobotsEnforcer(
			cfg.Crawler.RespectRobots,
			cfg.Crawler.RobotsUserAgent,
			nil,
			a.logger.Named("robots"),
		),
		Links:   links,
		Emitter: emitter,
		Tracer:  tracer,
		Clock:   a.clock,
		Logger:  a.logger.Named("scheduler"),
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}

	if err = a.setupServer(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) setupProgress(runID [16]byte) (progress.Emitter, error) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return progress.Nop{}, nil
	}
	var sinks []progress.Sink
	if a.cfg.Progress.LogEnabled {
		sinks = append(sinks, progresssinks.NewLogSink(a.logger.Named("progress")))
	}
	if a.cfg.Progress.PrometheusEnabled {
		promSink, err := progresssinks.NewPrometheusSink(a.registry)
		if err != nil {
			return nil, fmt.Errorf("progress metrics init failed: %w", err)
		}
		sinks = append(sinks, promSink)
	}
	if len(sinks) == 0 {
		a.logger.Warn("progress tracking enabled but no sinks configured")
		return progress.Nop{}, nil
	}
	hubCfg := progress.Config{
		RunID:          runID,
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinks...)
	a.logger.Debug("progress hub initialized",
		zap.Int("sinks", len(sinks)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return a.hub, nil
}

// setupTracing returns nil when tracing is off so the scheduler falls back to
// the global tracer.
func (a *App) setupTracing(ctx context.Context) (trace.Tracer, error) {
	if !a.cfg.Tracing.Enabled {
		return nil, nil
	}
	tp, err := telemetry.NewTracerProvider(ctx, a.cfg.Tracing.ServiceName, a.runID,
		sdktrace.WithBatcher(telemetry.NewLogExporter(a.logger.Named("trace"))),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing init failed: %w", err)
	}
	a.tracer = tp
	a.logger.Info("tracing enabled", zap.String("service", a.cfg.Tracing.ServiceName))
	return tp.Tracer(telemetry.TracerName), nil
}

func (a *App) setupIdentities(ids crawler.IDGenerator, emitter progress.Emitter) error {
	identities, err := identity.Build(identity.Spec{
		Proxies:     a.cfg.Identity.Proxies,
		UserAgents:  a.cfg.Identity.UserAgents,
		Headers:     a.cfg.Identity.Headers,
		DirectCount: a.cfg.Identity.DirectCount,
	}, ids)
	if err != nil {
		return fmt.Errorf("identity build failed: %w", err)
	}
	a.pool, err = identity.New(identities, identity.Config{
		Strategy:             identity.Strategy(a.cfg.Identity.Strategy),
		MaxLeasesPerIdentity: a.cfg.Identity.MaxLeasesPerIdentity,
		CheckoutTimeout:      a.cfg.Identity.CheckoutTimeout,
		CooldownBase:         a.cfg.Identity.CooldownBase,
		CooldownMax:          a.cfg.Identity.CooldownMax,
		RecoveryPerSecond:    a.cfg.Identity.RecoveryPerSecond,
	}, a.clock, emitter, a.logger.Named("identity"))
	if err != nil {
		return fmt.Errorf("identity pool init failed: %w", err)
	}
	a.logger.Info("identity pool ready",
		zap.Int("identities", len(identities)),
		zap.Int("proxies", len(a.cfg.Identity.Proxies)),
		zap.String("strategy", a.cfg.Identity.Strategy),
	)
	return nil
}

func (a *App) setupFetcher() (crawler.Fetcher, error) {
	probe := collyfetcher.New(collyfetcher.Config{
		Timeout:      a.cfg.HTTP.Timeout,
		MaxBodyBytes: a.cfg.HTTP.MaxBodyBytes,
	}, a.logger.Named("colly"))
	if !a.cfg.Headless.Enabled {
		a.logger.Info("using colly fetcher")
		return probe, nil
	}
	var err error
	a.headless, err = headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		NavigationTimeout: a.cfg.Headless.NavigationTimeout,
		SettleDelay:       a.cfg.Headless.SettleDelay,
		ExecPath:          a.cfg.Headless.ExecPath,
	}, a.logger.Named("headless"))
	if err != nil {
		return nil, fmt.Errorf("headless fetcher init failed: %w", err)
	}
	a.logger.Info("using hybrid fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	return hybrid.New(
		probe,
		a.headless,
		detector.NewHeuristic(a.cfg.Headless.BodyThreshold, a.cfg.Headless.MinTextChars),
		a.logger.Named("hybrid"),
	), nil
}

func (a *App) setupDedup(ctx context.Context) error {
	switch a.cfg.Dedup.Backend {
	case config.DedupRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Dedup.Redis.Addr,
			Password: a.cfg.Dedup.Redis.Password,
			DB:       a.cfg.Dedup.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("redis ping failed: %w", err)
		}
		a.redis = dedup.NewRedis(client, a.cfg.Dedup.Redis.Prefix, a.cfg.Dedup.Redis.TTL)
		a.dedup = a.redis
		a.logger.Info("using redis dedup cache", zap.String("addr", a.cfg.Dedup.Redis.Addr))
	default:
		a.dedup = dedup.NewMemory(a.cfg.Dedup.Capacity)
		a.logger.Info("using in-memory dedup cache", zap.Int("capacity", a.cfg.Dedup.Capacity))
	}
	return nil
}

func (a *App) setupSink(ctx context.Context) (crawler.Sink, error) {
	out := a.cfg.Output
	switch out.Backend {
	case config.OutputMemory:
		a.logger.Info("using in-memory output sink")
		return memorysink.New(), nil
	case config.OutputKafka:
		a.logger.Info("using kafka output sink", zap.String("topic", out.Kafka.Topic))
		s, err := kafkasink.New(out.Kafka, a.clock)
		if err != nil {
			return nil, fmt.Errorf("kafka sink init failed: %w", err)
		}
		return s, nil
	case config.OutputGCS:
		a.logger.Info("using gcs output sink", zap.String("bucket", out.GCS.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		s, err := gcssink.New(client, out.GCS)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("gcs sink init failed: %w", err)
		}
		return s, nil
	case config.OutputPostgres:
		a.logger.Info("using postgres output sink", zap.String("table", out.Postgres.Table))
		s, err := postgressink.New(ctx, out.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres sink init failed: %w", err)
		}
		return s, nil
	case config.OutputPubSub:
		a.logger.Info("using pubsub output sink",
			zap.String("project", out.PubSub.ProjectID),
			zap.String("topic", out.PubSub.Topic),
		)
		s, err := pubsubsink.New(ctx, out.PubSub)
		if err != nil {
			return nil, fmt.Errorf("pubsub sink init failed: %w", err)
		}
		return s, nil
	default:
		a.logger.Info("using file output sink", zap.String("path", out.File.Path))
		s, err := filesink.New(out.File, a.logger.Named("file_sink"))
		if err != nil {
			return nil, fmt.Errorf("file sink init failed: %w", err)
		}
		return s, nil
	}
}

func (a *App) setupCheckpoint(ctx context.Context) error {
	if a.cfg.Checkpoint.Path == "" {
		return nil
	}
	store, err := sqlite.Open(ctx, a.cfg.Checkpoint.Path, a.logger.Named("checkpoint"))
	if err != nil {
		return fmt.Errorf("checkpoint init failed: %w", err)
	}
	a.checkpoint = store
	return nil
}

// resume restores the frontier from the checkpoint. Restored seeds re-anchor
// the link scope.
func (a *App) resume(ctx context.Context, links *crawler.LinkPolicy) error {
	if a.checkpoint == nil || !a.cfg.Checkpoint.Resume {
		return nil
	}
	tasks, err := a.checkpoint.Load(ctx)
	if err != nil {
		return fmt.Errorf("checkpoint load failed: %w", err)
	}
	if len(tasks) == 0 {
		return nil
	}
	for _, task := range tasks {
		if task.DiscoveredFrom == "" {
			links.AddSeed(task.URL)
		}
	}
	restored := a.frontier.Restore(tasks)
	stats := a.frontier.Stats()
	a.logger.Info("resumed from checkpoint",
		zap.String("path", a.cfg.Checkpoint.Path),
		zap.Int("restored", restored),
		zap.Int("pending", stats.Pending),
		zap.Int("succeeded", stats.Succeeded),
	)
	return nil
}

func (a *App) setupServer() error {
	if !a.cfg.Server.Enabled {
		return nil
	}
	server, err := api.NewServer(api.Options{
		RunID:      a.runID,
		Status:     a.scheduler,
		Identities: a.pool,
		Budgets:    a.limiter,
		Registry:   a.registry,
		APIKey:     a.cfg.Server.APIKey,
		Clock:      a.clock,
		Logger:     a.logger.Named("api"),
	})
	if err != nil {
		return fmt.Errorf("api init failed: %w", err)
	}
	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// RunID identifies this crawl in events and checkpoints.
func (a *App) RunID() string {
	return a.runID
}

// Sink returns the document sink in use.
func (a *App) Sink() crawler.Sink {
	return a.sink
}

// Run crawls from seeds until the frontier drains, ctx is canceled, or the
// crawl fails. The operator API and checkpoint loop live exactly as long as
// the crawl.
func (a *App) Run(ctx context.Context, seeds []crawler.Seed) (scheduler.Result, error) {
	g, gctx := errgroup.WithContext(ctx)
	crawlDone := make(chan struct{})

	var result scheduler.Result
	g.Go(func() error {
		defer close(crawlDone)
		var err error
		result, err = a.scheduler.Run(gctx, seeds)
		if err != nil {
			return fmt.Errorf("crawl: %w", err)
		}
		return nil
	})
	if a.checkpoint != nil {
		g.Go(func() error {
			a.checkpointLoop(crawlDone)
			return nil
		})
	}
	if a.httpServer != nil {
		g.Go(func() error {
			a.logger.Info("http server started", zap.String("addr", a.httpServer.Addr))
			if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-crawlDone:
			case <-gctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("http server shutdown failed", zap.Error(err))
			}
			return nil
		})
	}

	err := g.Wait()
	return result, err
}

func (a *App) checkpointLoop(done <-chan struct{}) {
	interval := a.cfg.Checkpoint.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			a.saveCheckpoint()
			return
		case <-ticker.C:
			a.saveCheckpoint()
		}
	}
}

func (a *App) saveCheckpoint() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.checkpoint.Save(ctx, a.runID, a.frontier.Snapshot(), a.clock.Now()); err != nil {
		a.logger.Warn("checkpoint save failed", zap.Error(err))
	}
}

// Close releases every resource Build opened. It is safe to call on a
// partially built App and more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeErr = a.close(ctx)
	})
	return a.closeErr
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	if a.sink != nil {
		if err := a.sink.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.checkpoint != nil {
		if err := a.checkpoint.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
	}
	return errors.Join(errs...)
}
