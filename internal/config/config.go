package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the pipeline server.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Catalog    CatalogConfig
	Processing ProcessingConfig
	Quota      QuotaConfig
	Queue      QueueConfig
	Workers    WorkerConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// CatalogConfig points at the acquisition metadata service used to resolve
// granule download locations.
type CatalogConfig struct {
	BaseURL string
	Timeout time.Duration
}

// ProcessingConfig selects and configures the external InSAR processing
// backend. Deadline bounds the synchronous submission call.
type ProcessingConfig struct {
	Backend    string
	Deadline   time.Duration
	WebhookURL string
	RunPod     RunPodConfig
	Direct     DirectConfig
}

type RunPodConfig struct {
	EndpointURL string
	APIKey      string
}

type DirectConfig struct {
	BaseURL string
}

// QuotaConfig holds the admission ceilings evaluated per owner.
type QuotaConfig struct {
	MaxJobsPerHour    int
	MaxJobsPerDay     int
	MaxConcurrentJobs int
}

// QueueConfig holds the per-class delivery policies. The processing queue uses
// a fixed delay sized to the external service's polling cadence; the recompute
// queue backs off exponentially from RecomputeBackoffBase. Claim timeouts
// bound how long a crashed worker can strand a delivery before it is requeued;
// the process claim timeout must exceed the processing deadline.
type QueueConfig struct {
	ProcessAttempts       int
	ProcessRetryDelay     time.Duration
	ProcessCompletedTTL   time.Duration
	ProcessFailedTTL      time.Duration
	ProcessClaimTimeout   time.Duration
	RecomputeAttempts     int
	RecomputeBackoffBase  time.Duration
	RecomputeRetainedTTL  time.Duration
	RecomputeClaimTimeout time.Duration
}

type WorkerConfig struct {
	ProcessConcurrency   int
	RecomputeConcurrency int
	DequeueRateLimit     int
	DequeueRateWindow    time.Duration
}

var validBackends = map[string]bool{
	"runpod": true,
	"direct": true,
}

// Load reads configuration from environment variables and returns a validated
// Config. Returns an error with a descriptive message if any required value is
// missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("SENTRYAL_PORT", 8080),
			Env:  envString("SENTRYAL_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Catalog: CatalogConfig{
			BaseURL: envString("ASF_SEARCH_BASE_URL", "https://api.daac.asf.alaska.edu"),
			Timeout: envDuration("ASF_SEARCH_TIMEOUT", 30*time.Second),
		},
		Processing: ProcessingConfig{
			Backend:    envString("PROCESSING_BACKEND", "runpod"),
			Deadline:   envDuration("PROCESSING_DEADLINE", 5*time.Minute),
			WebhookURL: os.Getenv("PROCESSING_WEBHOOK_URL"),
			RunPod: RunPodConfig{
				EndpointURL: os.Getenv("RUNPOD_ENDPOINT_URL"),
				APIKey:      os.Getenv("RUNPOD_API_KEY"),
			},
			Direct: DirectConfig{
				BaseURL: os.Getenv("PROCESSING_DIRECT_BASE_URL"),
			},
		},
		Quota: QuotaConfig{
			MaxJobsPerHour:    envInt("QUOTA_MAX_JOBS_PER_HOUR", 5),
			MaxJobsPerDay:     envInt("QUOTA_MAX_JOBS_PER_DAY", 20),
			MaxConcurrentJobs: envInt("QUOTA_MAX_CONCURRENT_JOBS", 3),
		},
		Queue: QueueConfig{
			ProcessAttempts:       envInt("QUEUE_PROCESS_ATTEMPTS", 120),
			ProcessRetryDelay:     envDuration("QUEUE_PROCESS_RETRY_DELAY", 30*time.Second),
			ProcessCompletedTTL:   envDuration("QUEUE_PROCESS_COMPLETED_TTL", 24*time.Hour),
			ProcessFailedTTL:      envDuration("QUEUE_PROCESS_FAILED_TTL", 7*24*time.Hour),
			ProcessClaimTimeout:   envDuration("QUEUE_PROCESS_CLAIM_TIMEOUT", 10*time.Minute),
			RecomputeAttempts:     envInt("QUEUE_RECOMPUTE_ATTEMPTS", 3),
			RecomputeBackoffBase:  envDuration("QUEUE_RECOMPUTE_BACKOFF_BASE", 5*time.Second),
			RecomputeRetainedTTL:  envDuration("QUEUE_RECOMPUTE_RETAINED_TTL", time.Hour),
			RecomputeClaimTimeout: envDuration("QUEUE_RECOMPUTE_CLAIM_TIMEOUT", 2*time.Minute),
		},
		Workers: WorkerConfig{
			ProcessConcurrency:   envInt("WORKER_PROCESS_CONCURRENCY", 5),
			RecomputeConcurrency: envInt("WORKER_RECOMPUTE_CONCURRENCY", 2),
			DequeueRateLimit:     envInt("WORKER_DEQUEUE_RATE_LIMIT", 10),
			DequeueRateWindow:    envDuration("WORKER_DEQUEUE_RATE_WINDOW", 60*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !strings.HasPrefix(c.Catalog.BaseURL, "http://") && !strings.HasPrefix(c.Catalog.BaseURL, "https://") {
		return fmt.Errorf("ASF_SEARCH_BASE_URL must start with http:// or https://, got %q", c.Catalog.BaseURL)
	}

	if !validBackends[c.Processing.Backend] {
		return fmt.Errorf("PROCESSING_BACKEND must be one of runpod, direct; got %q", c.Processing.Backend)
	}
	if c.Processing.Backend == "runpod" && c.Processing.RunPod.EndpointURL == "" {
		return fmt.Errorf("RUNPOD_ENDPOINT_URL is required when PROCESSING_BACKEND is runpod")
	}
	if c.Processing.Backend == "direct" && c.Processing.Direct.BaseURL == "" {
		return fmt.Errorf("PROCESSING_DIRECT_BASE_URL is required when PROCESSING_BACKEND is direct")
	}

	if c.Quota.MaxJobsPerHour <= 0 || c.Quota.MaxJobsPerDay <= 0 || c.Quota.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("quota limits must be positive")
	}

	if c.Queue.ProcessAttempts <= 0 || c.Queue.RecomputeAttempts <= 0 {
		return fmt.Errorf("queue attempt ceilings must be positive")
	}
	if c.Queue.ProcessClaimTimeout <= c.Processing.Deadline {
		return fmt.Errorf("QUEUE_PROCESS_CLAIM_TIMEOUT must exceed PROCESSING_DEADLINE (a live handler may legitimately hold a claim for the full deadline)")
	}
	if c.Queue.RecomputeClaimTimeout <= 0 {
		return fmt.Errorf("QUEUE_RECOMPUTE_CLAIM_TIMEOUT must be positive")
	}

	if c.Workers.ProcessConcurrency <= 0 || c.Workers.RecomputeConcurrency <= 0 {
		return fmt.Errorf("worker concurrency must be positive")
	}
	if c.Workers.DequeueRateLimit <= 0 || c.Workers.DequeueRateWindow <= 0 {
		return fmt.Errorf("dequeue rate limit and window must be positive")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
