// Package config loads and validates crawl configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/cleancrawl/internal/crawler"
	"github.com/JakeFAU/cleancrawl/internal/identity"
	"github.com/JakeFAU/cleancrawl/internal/policy/ratelimit"
	filesink "github.com/JakeFAU/cleancrawl/internal/sink/file"
	gcssink "github.com/JakeFAU/cleancrawl/internal/sink/gcs"
	kafkasink "github.com/JakeFAU/cleancrawl/internal/sink/kafka"
	postgressink "github.com/JakeFAU/cleancrawl/internal/sink/postgres"
	pubsubsink "github.com/JakeFAU/cleancrawl/internal/sink/pubsub"
)

// EnvPrefix namespaces environment overrides, e.g. CRAWLER_CRAWLER_CONCURRENCY.
const EnvPrefix = "CRAWLER"

// Output backends.
const (
	OutputFile     = "file"
	OutputMemory   = "memory"
	OutputKafka    = "kafka"
	OutputGCS      = "gcs"
	OutputPostgres = "postgres"
	OutputPubSub   = "pubsub"
)

// Dedup backends.
const (
	DedupMemory = "memory"
	DedupRedis  = "redis"
)

// Config captures every knob of a crawl run.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Frontier   FrontierConfig   `mapstructure:"frontier"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Extract    ExtractConfig    `mapstructure:"extract"`
	Dedup      DedupConfig      `mapstructure:"dedup"`
	Output     OutputConfig     `mapstructure:"output"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig controls the operator HTTP surface.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs the scheduler and link discovery.
type CrawlerConfig struct {
	Seeds              []crawler.Seed `mapstructure:"seeds"`
	Concurrency        int            `mapstructure:"concurrency"`
	MaxDepth           int            `mapstructure:"max_depth"`
	MaxPages           int            `mapstructure:"max_pages"`
	FetchTimeout       time.Duration  `mapstructure:"fetch_timeout"`
	GracePeriod        time.Duration  `mapstructure:"grace_period"`
	SeedPriority       float64        `mapstructure:"seed_priority"`
	LinkPriorityFactor float64        `mapstructure:"link_priority_factor"`
	Scope              string         `mapstructure:"scope"`
	AllowedDomains     []string       `mapstructure:"allowed_domains"`
	BlockedDomains     []string       `mapstructure:"blocked_domains"`
	RespectRobots      bool           `mapstructure:"respect_robots"`
	RobotsUserAgent    string         `mapstructure:"robots_user_agent"`
}

// FrontierConfig tunes retries and requeues.
type FrontierConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	PriorityDecay float64       `mapstructure:"priority_decay"`
	RequeueDecay  float64       `mapstructure:"requeue_decay"`
	RequeueDelay  time.Duration `mapstructure:"requeue_delay"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
}

// IdentityConfig describes the identity pool.
type IdentityConfig struct {
	Strategy             string            `mapstructure:"strategy"`
	Proxies              []string          `mapstructure:"proxies"`
	UserAgents           []string          `mapstructure:"user_agents"`
	Headers              map[string]string `mapstructure:"headers"`
	DirectCount          int               `mapstructure:"direct_count"`
	MaxLeasesPerIdentity int               `mapstructure:"max_leases_per_identity"`
	CheckoutTimeout      time.Duration     `mapstructure:"checkout_timeout"`
	CooldownBase         time.Duration     `mapstructure:"cooldown_base"`
	CooldownMax          time.Duration     `mapstructure:"cooldown_max"`
	RecoveryPerSecond    float64           `mapstructure:"recovery_per_second"`
}

// RateLimitConfig holds per-domain budgets and the global cap.
type RateLimitConfig struct {
	DefaultRPS             float64                          `mapstructure:"default_rps"`
	DefaultBurst           int                              `mapstructure:"default_burst"`
	MaxConcurrentPerDomain int                              `mapstructure:"max_concurrent_per_domain"`
	GlobalMaxInflight      int                              `mapstructure:"global_max_inflight"`
	AcquireTimeout         time.Duration                    `mapstructure:"acquire_timeout"`
	DecreaseFactor         float64                          `mapstructure:"decrease_factor"`
	RecoveryStep           float64                          `mapstructure:"recovery_step"`
	MinRPS                 float64                          `mapstructure:"min_rps"`
	Overrides              []DomainOverride                 `mapstructure:"overrides"`
}

// DomainOverride is a per-domain budget. It is a list entry rather than a map
// key because Viper splits keys on dots.
type DomainOverride struct {
	Domain                string `mapstructure:"domain"`
	ratelimit.DomainLimit `mapstructure:",squash"`
}

// OverrideMap indexes overrides by lower-cased domain.
func (c RateLimitConfig) OverrideMap() map[string]ratelimit.DomainLimit {
	if len(c.Overrides) == 0 {
		return nil
	}
	out := make(map[string]ratelimit.DomainLimit, len(c.Overrides))
	for _, o := range c.Overrides {
		out[strings.ToLower(strings.TrimSpace(o.Domain))] = o.DomainLimit
	}
	return out
}

// HTTPConfig configures the plain HTTP fetcher.
type HTTPConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures JS rendering and promotion.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	ExecPath          string        `mapstructure:"exec_path"`
	BodyThreshold     int           `mapstructure:"body_threshold"`
	MinTextChars      int           `mapstructure:"min_text_chars"`
}

// ExtractConfig tunes main-content extraction.
type ExtractConfig struct {
	MinContentLength int      `mapstructure:"min_content_length"`
	SiblingThreshold float64  `mapstructure:"sibling_threshold"`
	AdSelectors      []string `mapstructure:"ad_selectors"`
}

// DedupConfig selects the fingerprint cache.
type DedupConfig struct {
	Backend  string      `mapstructure:"backend"`
	Capacity int         `mapstructure:"capacity"`
	Redis    RedisConfig `mapstructure:"redis"`
}

// RedisConfig points the dedup cache at a Redis server.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// OutputConfig selects the document sink and its write policy.
type OutputConfig struct {
	Backend         string              `mapstructure:"backend"`
	MaxWriteRetries int                 `mapstructure:"max_write_retries"`
	BackoffBase     time.Duration       `mapstructure:"backoff_base"`
	BackoffMax      time.Duration       `mapstructure:"backoff_max"`
	SinkFatalAfter  int                 `mapstructure:"sink_fatal_after"`
	File            filesink.Config     `mapstructure:"file"`
	Kafka           kafkasink.Config    `mapstructure:"kafka"`
	GCS             gcssink.Config      `mapstructure:"gcs"`
	Postgres        postgressink.Config `mapstructure:"postgres"`
	PubSub          pubsubsink.Config   `mapstructure:"pubsub"`
}

// ProgressConfig controls the event hub and its sinks.
type ProgressConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	LogEnabled        bool          `mapstructure:"log_enabled"`
	PrometheusEnabled bool          `mapstructure:"prometheus_enabled"`
	BufferSize        int           `mapstructure:"buffer_size"`
	MaxBatchEvents    int           `mapstructure:"max_batch_events"`
	MaxBatchWait      time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout       time.Duration `mapstructure:"sink_timeout"`
}

// CheckpointConfig controls crawl-state persistence.
type CheckpointConfig struct {
	Path     string        `mapstructure:"path"`
	Interval time.Duration `mapstructure:"interval"`
	Resume   bool          `mapstructure:"resume"`
}

// TracingConfig turns on per-task OpenTelemetry spans, logged at debug level.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from an optional file plus CRAWLER_* environment
// overrides. The result is not validated; call Validate once seeds are final.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("crawler.concurrency", 8)
	v.SetDefault("crawler.max_depth", 2)
	v.SetDefault("crawler.max_pages", 0)
	v.SetDefault("crawler.fetch_timeout", "30s")
	v.SetDefault("crawler.grace_period", "10s")
	v.SetDefault("crawler.seed_priority", 1.0)
	v.SetDefault("crawler.link_priority_factor", 0.9)
	v.SetDefault("crawler.scope", crawler.ScopeSameSite)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.robots_user_agent", "cleancrawl")

	v.SetDefault("frontier.max_retries", 3)
	v.SetDefault("frontier.max_age", "0s")
	v.SetDefault("frontier.priority_decay", 0.5)
	v.SetDefault("frontier.requeue_decay", 0.9)
	v.SetDefault("frontier.requeue_delay", "1s")
	v.SetDefault("frontier.backoff_base", "1s")
	v.SetDefault("frontier.backoff_max", "1m")

	v.SetDefault("identity.strategy", string(identity.StrategyRotate))
	v.SetDefault("identity.max_leases_per_identity", 1)
	v.SetDefault("identity.checkout_timeout", "30s")
	v.SetDefault("identity.cooldown_base", "5s")
	v.SetDefault("identity.cooldown_max", "10m")
	v.SetDefault("identity.recovery_per_second", 0.01)

	v.SetDefault("ratelimit.default_rps", 1.0)
	v.SetDefault("ratelimit.default_burst", 1)
	v.SetDefault("ratelimit.max_concurrent_per_domain", 2)
	v.SetDefault("ratelimit.global_max_inflight", 0)
	v.SetDefault("ratelimit.acquire_timeout", "30s")
	v.SetDefault("ratelimit.decrease_factor", 0.5)
	v.SetDefault("ratelimit.recovery_step", 0.1)
	v.SetDefault("ratelimit.min_rps", 0.05)

	v.SetDefault("http.timeout", "15s")
	v.SetDefault("http.max_body_bytes", 10<<20)

	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.navigation_timeout", "45s")
	v.SetDefault("headless.settle_delay", "0s")
	v.SetDefault("headless.body_threshold", 2048)
	v.SetDefault("headless.min_text_chars", 200)

	v.SetDefault("extract.min_content_length", 100)
	v.SetDefault("extract.sibling_threshold", 0.2)

	v.SetDefault("dedup.backend", DedupMemory)
	v.SetDefault("dedup.capacity", 0)
	v.SetDefault("dedup.redis.addr", "localhost:6379")
	v.SetDefault("dedup.redis.prefix", "cleancrawl:fp:")
	v.SetDefault("dedup.redis.ttl", "0s")

	v.SetDefault("output.backend", OutputFile)
	v.SetDefault("output.max_write_retries", 3)
	v.SetDefault("output.backoff_base", "200ms")
	v.SetDefault("output.backoff_max", "5s")
	v.SetDefault("output.sink_fatal_after", 5)
	v.SetDefault("output.file.path", "crawl_results.md")
	v.SetDefault("output.file.append", false)
	v.SetDefault("output.kafka.batch_timeout", "100ms")
	v.SetDefault("output.kafka.write_timeout", "10s")
	v.SetDefault("output.gcs.prefix", "documents")
	v.SetDefault("output.postgres.table", "documents")
	v.SetDefault("output.postgres.max_conns", 4)
	v.SetDefault("output.postgres.max_conn_lifetime", "30m")
	v.SetDefault("output.postgres.create_table", true)

	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.prometheus_enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait", "250ms")
	v.SetDefault("progress.sink_timeout", "5s")

	v.SetDefault("checkpoint.path", "")
	v.SetDefault("checkpoint.interval", "30s")
	v.SetDefault("checkpoint.resume", true)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "cleancrawl")
}

// Validate enforces required values and reasonable limits. All problems are
// reported together.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(len(c.Crawler.Seeds) > 0 || (c.Checkpoint.Path != "" && c.Checkpoint.Resume),
		"crawler.seeds must list at least one URL")
	for _, seed := range c.Crawler.Seeds {
		_, err := crawler.NormalizeURL(seed.URL)
		check(err == nil && (strings.HasPrefix(seed.URL, "http://") || strings.HasPrefix(seed.URL, "https://")),
			"crawler.seeds: %q is not an absolute http(s) URL", seed.URL)
	}
	check(c.Crawler.Concurrency > 0, "crawler.concurrency must be > 0")
	check(c.Crawler.MaxDepth >= 0, "crawler.max_depth must be >= 0")
	check(c.Crawler.MaxPages >= 0, "crawler.max_pages must be >= 0")
	check(c.Crawler.FetchTimeout > 0, "crawler.fetch_timeout must be > 0")
	check(c.Crawler.GracePeriod >= 0, "crawler.grace_period must be >= 0")
	switch c.Crawler.Scope {
	case crawler.ScopeSameSite, crawler.ScopeSameHost, crawler.ScopeAny:
	default:
		check(false, "crawler.scope %q must be one of same_site, same_host, any", c.Crawler.Scope)
	}
	check(c.Frontier.MaxRetries >= 0, "frontier.max_retries must be >= 0")

	switch identity.Strategy(c.Identity.Strategy) {
	case identity.StrategyRotate, identity.StrategySticky:
	default:
		check(false, "identity.strategy %q must be rotate or sticky", c.Identity.Strategy)
	}
	check(c.RateLimit.DefaultRPS >= 0, "ratelimit.default_rps must be >= 0")
	check(c.RateLimit.MaxConcurrentPerDomain > 0, "ratelimit.max_concurrent_per_domain must be > 0")
	for i, o := range c.RateLimit.Overrides {
		check(strings.TrimSpace(o.Domain) != "", "ratelimit.overrides[%d].domain is required", i)
	}

	if c.Headless.Enabled {
		check(c.Headless.MaxParallel > 0, "headless.max_parallel must be > 0 when headless is enabled")
	}

	switch c.Dedup.Backend {
	case DedupMemory:
	case DedupRedis:
		check(c.Dedup.Redis.Addr != "", "dedup.redis.addr is required for the redis backend")
	default:
		check(false, "dedup.backend %q must be memory or redis", c.Dedup.Backend)
	}

	check(c.Output.MaxWriteRetries >= 0, "output.max_write_retries must be >= 0")
	switch c.Output.Backend {
	case OutputFile:
		check(c.Output.File.Path != "", "output.file.path is required for the file backend")
	case OutputMemory:
	case OutputKafka:
		check(len(c.Output.Kafka.Brokers) > 0 && c.Output.Kafka.Topic != "",
			"output.kafka.brokers and output.kafka.topic are required for the kafka backend")
	case OutputGCS:
		check(c.Output.GCS.Bucket != "", "output.gcs.bucket is required for the gcs backend")
	case OutputPostgres:
		check(c.Output.Postgres.DSN != "", "output.postgres.dsn is required for the postgres backend")
	case OutputPubSub:
		check(c.Output.PubSub.ProjectID != "" && c.Output.PubSub.Topic != "",
			"output.pubsub.project_id and output.pubsub.topic are required for the pubsub backend")
	default:
		check(false, "output.backend %q is not supported", c.Output.Backend)
	}

	if c.Server.Enabled {
		check(c.Server.Port > 0, "server.port must be > 0")
	}
	if c.Checkpoint.Path != "" {
		check(c.Checkpoint.Interval > 0, "checkpoint.interval must be > 0")
	}
	return errors.Join(errs...)
}
