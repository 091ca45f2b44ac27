// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/quizdom-app/backend/internal/domain"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`
	DBURL  string `env:"DB_URL"`
	// RedisURL carries the coordination substrate DSN (cache, queue,
	// quota, feeds, pub/sub). May be a cloud variant with TLS + token,
	// e.g. rediss://:token@host:port.
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	// KafkaBrokers enables the domain event stream when non-empty.
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	JWTSecret    string   `env:"JWT_SECRET"`
	// CachePrefix namespaces every Redis key this deployment writes.
	CachePrefix string `env:"CACHE_PREFIX" envDefault:"quizdom"`

	// AI upstream
	AIBaseURL     string        `env:"AI_BASE_URL" envDefault:"https://openrouter.ai/api/v1"`
	AIAPIKey      string        `env:"AI_API_KEY"`
	AIModel       string        `env:"AI_MODEL" envDefault:"meta-llama/llama-3.3-70b-instruct"`
	AITimeout     time.Duration `env:"AI_TIMEOUT" envDefault:"15s"`
	AIMinInterval time.Duration `env:"AI_MIN_INTERVAL" envDefault:"0s"`
	AIMaxTokens   int           `env:"AI_MAX_TOKENS" envDefault:"4096"`

	// Circuit breaker
	BreakerResetTimeout  time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`
	BreakerWindowBuckets int           `env:"BREAKER_WINDOW_BUCKETS" envDefault:"10"`
	BreakerMinObserved   int           `env:"BREAKER_MIN_OBSERVED" envDefault:"5"`

	// Text extraction (Apache Tika server for pdf uploads)
	TikaURL     string `env:"TIKA_URL" envDefault:"http://tika:9998"`
	MaxUploadMB int64  `env:"MAX_UPLOAD_MB" envDefault:"10"`

	// Daily generation quota per role; overridable via QuotaLimitsFile.
	QuotaLimitsFile     string `env:"QUOTA_LIMITS_FILE"`
	DailyLimitStudent   int    `env:"DAILY_LIMIT_STUDENT" envDefault:"5"`
	DailyLimitTeacher   int    `env:"DAILY_LIMIT_TEACHER" envDefault:"20"`
	DailyLimitModerator int    `env:"DAILY_LIMIT_MODERATOR" envDefault:"100"`
	DailyLimitAdmin     int    `env:"DAILY_LIMIT_ADMIN" envDefault:"100"`

	// Queue tuning
	GenConcurrency    int           `env:"GEN_CONCURRENCY" envDefault:"3"`
	FeedConcurrency   int           `env:"FEED_CONCURRENCY" envDefault:"5"`
	NotifyConcurrency int           `env:"NOTIFY_CONCURRENCY" envDefault:"10"`
	JobTimeout        time.Duration `env:"JOB_TIMEOUT" envDefault:"30s"`
	JobMaxAttempts    int           `env:"JOB_MAX_ATTEMPTS" envDefault:"3"`
	RetryInitialDelay time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"2s"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`
	RetryMultiplier   float64       `env:"RETRY_MULTIPLIER" envDefault:"2.0"`
	KeepCompletedJobs int           `env:"KEEP_COMPLETED_JOBS" envDefault:"100"`
	KeepFailedJobs    int           `env:"KEEP_FAILED_JOBS" envDefault:"500"`

	// Social plane
	MaxFeedItems     int `env:"MAX_FEED_ITEMS" envDefault:"1000"`
	TrendingSize     int `env:"TRENDING_SIZE" envDefault:"100"`
	FanoutBatchSize  int `env:"FANOUT_BATCH_SIZE" envDefault:"100"`
	NotifyBatchSize  int `env:"NOTIFY_BATCH_SIZE" envDefault:"50"`
	FanoutIdemMinFol int `env:"FANOUT_IDEM_MIN_FOLLOWERS" envDefault:"200"`

	// HTTP edge
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateGeneralPer15Min   int           `env:"RATE_GENERAL_PER_15MIN" envDefault:"300"`
	RateAuthPer15Min      int           `env:"RATE_AUTH_PER_15MIN" envDefault:"5"`
	RateHeavyPer15Min     int           `env:"RATE_HEAVY_PER_15MIN" envDefault:"20"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	StatusLookupTimeout   time.Duration `env:"STATUS_LOOKUP_TIMEOUT" envDefault:"30s"`

	// Soft-deleted posts/comments are purged after this many days.
	PurgeRetentionDays int           `env:"PURGE_RETENTION_DAYS" envDefault:"30"`
	CleanupInterval    time.Duration `env:"CLEANUP_INTERVAL" envDefault:"24h"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"quizdom-backend"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// EventStreamEnabled reports whether the Kafka event stream is wired.
func (c Config) EventStreamEnabled() bool { return len(c.KafkaBrokers) > 0 }

// MaxUploadBytes returns the upload cap in bytes.
func (c Config) MaxUploadBytes() int64 { return c.MaxUploadMB * 1024 * 1024 }

// RetryPolicy builds the worker retry policy from the configured knobs.
func (c Config) RetryPolicy() domain.RetryConfig {
	return domain.RetryConfig{
		MaxAttempts:  c.JobMaxAttempts,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
		Multiplier:   c.RetryMultiplier,
	}
}
