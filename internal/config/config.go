package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database. DatabaseURL wins over the individual fields when set.
	DatabaseURL string
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string
	DBMaxConns  int

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Provider API. An empty base URL selects the logging provider.
	ProviderBaseURL   string
	ProviderAPIToken  string
	ProviderTimeout   time.Duration
	ProviderRateLimit int // requests per second, shared across replicas via Redis
	ProviderBurst     int // in-process limiter burst when Redis is unavailable

	// Retry policy for provider calls
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMultiplier   float64

	// Circuit breakers
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration

	// Reconciler
	ReconcileInterval    time.Duration
	ReconcileBatchSize   int
	ReconcileMinAge      time.Duration
	ReconcileConcurrency int

	// AWS Services
	AWSRegion       string
	AWSEndpoint     string // optional, for LocalStack
	AuditTopicARN   string // SNS topic for audit events; empty logs them instead
	AuditTimeout    time.Duration
	SQSQueueURL     string // reconciliation queue; empty disables it
	SQSDelaySeconds int

	// HTTP API
	APIRateLimit    int // requests per minute per tenant
	IdempotencyTTL  time.Duration
	CallbackToken   string
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file (or the file named by ENV_FILE) is loaded first when present;
// variables already set in the environment win.
func Load() (*Config, error) {
	envFile := ".env"
	if f := os.Getenv("ENV_FILE"); f != "" {
		envFile = f
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "stencil",
		DBPassword: "",
		DBName:     "stencil",
		DBSSLMode:  "disable",
		DBMaxConns: 10,

		// Redis defaults
		RedisHost: "localhost",
		RedisPort: 6379,

		ProviderTimeout:   10 * time.Second,
		ProviderRateLimit: 20,
		ProviderBurst:     5,

		RetryMaxAttempts:  3,
		RetryInitialDelay: time.Second,
		RetryMaxDelay:     10 * time.Second,
		RetryMultiplier:   2,

		BreakerMaxFailures:  5,
		BreakerResetTimeout: 60 * time.Second,

		ReconcileInterval:    30 * time.Second,
		ReconcileBatchSize:   50,
		ReconcileMinAge:      time.Minute,
		ReconcileConcurrency: 4,

		AWSRegion:       "us-east-1",
		AuditTimeout:    5 * time.Second,
		SQSDelaySeconds: 60,
		APIRateLimit:    100,
		IdempotencyTTL:  24 * time.Hour,
		ShutdownTimeout: 10 * time.Second,
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.DatabaseURL = url
	}

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	// Provider config
	if url := os.Getenv("PROVIDER_BASE_URL"); url != "" {
		cfg.ProviderBaseURL = url
	}

	if token := os.Getenv("PROVIDER_API_TOKEN"); token != "" {
		cfg.ProviderAPIToken = token
	}

	// AWS config
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if endpoint := os.Getenv("AWS_ENDPOINT"); endpoint != "" {
		cfg.AWSEndpoint = endpoint
	}

	if arn := os.Getenv("AUDIT_TOPIC_ARN"); arn != "" {
		cfg.AuditTopicARN = arn
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	if token := os.Getenv("CALLBACK_TOKEN"); token != "" {
		cfg.CallbackToken = token
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"PORT", &cfg.Port},
		{"DB_PORT", &cfg.DBPort},
		{"DB_MAX_CONNS", &cfg.DBMaxConns},
		{"REDIS_PORT", &cfg.RedisPort},
		{"REDIS_DB", &cfg.RedisDB},
		{"PROVIDER_RATE_LIMIT", &cfg.ProviderRateLimit},
		{"PROVIDER_BURST", &cfg.ProviderBurst},
		{"RETRY_MAX_ATTEMPTS", &cfg.RetryMaxAttempts},
		{"BREAKER_MAX_FAILURES", &cfg.BreakerMaxFailures},
		{"RECONCILE_BATCH_SIZE", &cfg.ReconcileBatchSize},
		{"RECONCILE_CONCURRENCY", &cfg.ReconcileConcurrency},
		{"SQS_DELAY_SECONDS", &cfg.SQSDelaySeconds},
		{"API_RATE_LIMIT", &cfg.APIRateLimit},
	}
	for _, v := range ints {
		if err := parseInt(v.name, v.dst); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"PROVIDER_TIMEOUT", &cfg.ProviderTimeout},
		{"RETRY_INITIAL_DELAY", &cfg.RetryInitialDelay},
		{"RETRY_MAX_DELAY", &cfg.RetryMaxDelay},
		{"BREAKER_RESET_TIMEOUT", &cfg.BreakerResetTimeout},
		{"RECONCILE_INTERVAL", &cfg.ReconcileInterval},
		{"RECONCILE_MIN_AGE", &cfg.ReconcileMinAge},
		{"AUDIT_TIMEOUT", &cfg.AuditTimeout},
		{"IDEMPOTENCY_TTL", &cfg.IdempotencyTTL},
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
	}
	for _, v := range durations {
		if err := parseDuration(v.name, v.dst); err != nil {
			return nil, err
		}
	}

	if m := os.Getenv("RETRY_MULTIPLIER"); m != "" {
		f, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid RETRY_MULTIPLIER: %w", err)
		}
		cfg.RetryMultiplier = f
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.RetryMultiplier < 1 {
		return fmt.Errorf("RETRY_MULTIPLIER must be at least 1, got %g", c.RetryMultiplier)
	}
	if c.RetryMaxDelay < c.RetryInitialDelay {
		return fmt.Errorf("RETRY_MAX_DELAY (%s) is below RETRY_INITIAL_DELAY (%s)", c.RetryMaxDelay, c.RetryInitialDelay)
	}
	if c.BreakerMaxFailures < 1 {
		return fmt.Errorf("BREAKER_MAX_FAILURES must be at least 1, got %d", c.BreakerMaxFailures)
	}
	if c.SQSDelaySeconds < 0 || c.SQSDelaySeconds > 900 {
		return fmt.Errorf("SQS_DELAY_SECONDS must be between 0 and 900, got %d", c.SQSDelaySeconds)
	}
	return nil
}

func parseInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = n
	return nil
}

// parseDuration accepts Go durations ("1.5s") or a bare number of seconds.
func parseDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = d
	return nil
}
