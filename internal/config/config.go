package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the grinn-web server and workers.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Storage   StorageConfig
	Scheduler SchedulerConfig
	Retention RetentionConfig
	Limits    LimitsConfig
	Worker    WorkerConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RateLimit       int
	StatusCacheTTL  time.Duration
	WorkerTokenHash string
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

type QueueConfig struct {
	Backend      string
	AMQPURL      string
	AMQPExchange string
}

type StorageConfig struct {
	Backend     string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool
	LocalPath   string
}

type SchedulerConfig struct {
	Interval          time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReclaimGrace      time.Duration
	ReclaimInterval   time.Duration
	ReconcileInterval time.Duration
	BatchSize         int
}

type RetentionConfig struct {
	Window    time.Duration
	Interval  time.Duration
	BatchSize int
}

type LimitsConfig struct {
	MaxTrajectoryBytes int64
	MaxFileBytes       int64
}

type WorkerConfig struct {
	WorkerID           string
	Facility           string
	Hostname           string
	MaxConcurrentJobs  int
	Capabilities       []string
	DockerImage        string
	DockerBinary       string
	DockerTimeout      time.Duration
	DockerMemory       string
	DockerCPUs         string
	WorkDir            string
	StorageRetries     int
	StorageRetryDelay  time.Duration
	JobPollInterval    time.Duration
	HeartbeatInterval  time.Duration
	RegistrationWindow time.Duration
}

const (
	QueueBackendRedis = "redis"
	QueueBackendAMQP  = "amqp"

	StorageBackendS3    = "s3"
	StorageBackendLocal = "local"
)

// Load reads configuration from environment variables and returns a validated Config.
// Worker-only settings are loaded too but only checked by ValidateWorker.
func Load() (*Config, error) {
	hostname, _ := os.Hostname()

	heartbeat := envDuration("GRINN_HEARTBEAT_INTERVAL", 30*time.Second)

	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("GRINN_PORT", 8080),
			Env:             envString("GRINN_ENV", "development"),
			ReadTimeout:     envDuration("GRINN_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    envDuration("GRINN_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     envDuration("GRINN_IDLE_TIMEOUT", 60*time.Second),
			RateLimit:       envInt("GRINN_RATE_LIMIT", 60),
			StatusCacheTTL:  envDuration("GRINN_STATUS_CACHE_TTL", 2*time.Second),
			WorkerTokenHash: os.Getenv("GRINN_WORKER_TOKEN_HASH"),
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
		Queue: QueueConfig{
			Backend:      envString("GRINN_QUEUE_BACKEND", QueueBackendRedis),
			AMQPURL:      os.Getenv("AMQP_URL"),
			AMQPExchange: envString("GRINN_AMQP_EXCHANGE", "grinn.dispatch"),
		},
		Storage: StorageConfig{
			Backend:     envString("GRINN_STORAGE_BACKEND", StorageBackendS3),
			S3Endpoint:  os.Getenv("S3_ENDPOINT"),
			S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
			S3SecretKey: os.Getenv("S3_SECRET_KEY"),
			S3Bucket:    envString("S3_BUCKET", "grinn-jobs"),
			S3UseSSL:    envBool("S3_USE_SSL", false),
			LocalPath:   envString("GRINN_STORAGE_PATH", "/data/grinn-jobs"),
		},
		Scheduler: SchedulerConfig{
			Interval:          envDuration("GRINN_SCHEDULER_INTERVAL", 5*time.Second),
			HeartbeatInterval: heartbeat,
			HeartbeatTimeout:  envDuration("GRINN_HEARTBEAT_TIMEOUT", 120*time.Second),
			ReclaimGrace:      envDuration("GRINN_RECLAIM_GRACE", 60*time.Second),
			ReclaimInterval:   envDuration("GRINN_RECLAIM_INTERVAL", 30*time.Second),
			ReconcileInterval: envDuration("GRINN_RECONCILE_INTERVAL", 5*time.Minute),
			BatchSize:         envInt("GRINN_SCHEDULER_BATCH", 100),
		},
		Retention: RetentionConfig{
			Window:    envDuration("GRINN_RETENTION", 72*time.Hour),
			Interval:  envDuration("GRINN_SWEEP_INTERVAL", 6*time.Hour),
			BatchSize: envInt("GRINN_SWEEP_BATCH", 200),
		},
		Limits: LimitsConfig{
			MaxTrajectoryBytes: envInt64("GRINN_MAX_TRAJECTORY_BYTES", 100<<20),
			MaxFileBytes:       envInt64("GRINN_MAX_FILE_BYTES", 10<<20),
		},
		Worker: WorkerConfig{
			WorkerID:           os.Getenv("GRINN_WORKER_ID"),
			Facility:           os.Getenv("GRINN_FACILITY"),
			Hostname:           envString("GRINN_HOSTNAME", hostname),
			MaxConcurrentJobs:  envInt("GRINN_MAX_CONCURRENT_JOBS", 1),
			Capabilities:       envList("GRINN_CAPABILITIES"),
			DockerImage:        envString("GRINN_DOCKER_IMAGE", "grinn:latest"),
			DockerBinary:       envString("GRINN_DOCKER_BINARY", "docker"),
			DockerTimeout:      envDurationSecs("GRINN_DOCKER_TIMEOUT", time.Hour),
			DockerMemory:       envString("GRINN_DOCKER_MEMORY", "8g"),
			DockerCPUs:         envString("GRINN_DOCKER_CPUS", "4"),
			WorkDir:            envString("GRINN_WORK_DIR", os.TempDir()),
			StorageRetries:     envInt("GRINN_STORAGE_RETRIES", 3),
			StorageRetryDelay:  envDuration("GRINN_STORAGE_RETRY_INTERVAL", 2*time.Second),
			JobPollInterval:    envDuration("GRINN_JOB_POLL_INTERVAL", 10*time.Second),
			HeartbeatInterval:  heartbeat,
			RegistrationWindow: envDuration("GRINN_REGISTRATION_WINDOW", 5*time.Minute),
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

	switch c.Queue.Backend {
	case QueueBackendRedis:
	case QueueBackendAMQP:
		if c.Queue.AMQPURL == "" {
			return fmt.Errorf("AMQP_URL is required when GRINN_QUEUE_BACKEND is amqp")
		}
	default:
		return fmt.Errorf("GRINN_QUEUE_BACKEND must be one of redis, amqp; got %q", c.Queue.Backend)
	}

	switch c.Storage.Backend {
	case StorageBackendS3:
		if c.Storage.S3Endpoint == "" {
			return fmt.Errorf("S3_ENDPOINT is required when GRINN_STORAGE_BACKEND is s3")
		}
		if c.Storage.S3AccessKey == "" || c.Storage.S3SecretKey == "" {
			return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY are required when GRINN_STORAGE_BACKEND is s3")
		}
	case StorageBackendLocal:
		if c.Storage.LocalPath == "" {
			return fmt.Errorf("GRINN_STORAGE_PATH is required when GRINN_STORAGE_BACKEND is local")
		}
	default:
		return fmt.Errorf("GRINN_STORAGE_BACKEND must be one of s3, local; got %q", c.Storage.Backend)
	}

	if c.Scheduler.HeartbeatInterval <= 0 || c.Scheduler.HeartbeatTimeout <= c.Scheduler.HeartbeatInterval {
		return fmt.Errorf("GRINN_HEARTBEAT_TIMEOUT (%s) must exceed GRINN_HEARTBEAT_INTERVAL (%s)",
			c.Scheduler.HeartbeatTimeout, c.Scheduler.HeartbeatInterval)
	}
	if c.Scheduler.ReclaimGrace < 0 {
		return fmt.Errorf("GRINN_RECLAIM_GRACE must not be negative")
	}

	// these drive tickers and batch loops
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"GRINN_SCHEDULER_INTERVAL", c.Scheduler.Interval},
		{"GRINN_RECLAIM_INTERVAL", c.Scheduler.ReclaimInterval},
		{"GRINN_RECONCILE_INTERVAL", c.Scheduler.ReconcileInterval},
		{"GRINN_RETENTION", c.Retention.Window},
		{"GRINN_SWEEP_INTERVAL", c.Retention.Interval},
	} {
		if d.val <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.val)
		}
	}
	if c.Scheduler.BatchSize < 1 {
		return fmt.Errorf("GRINN_SCHEDULER_BATCH must be at least 1, got %d", c.Scheduler.BatchSize)
	}
	if c.Retention.BatchSize < 1 {
		return fmt.Errorf("GRINN_SWEEP_BATCH must be at least 1, got %d", c.Retention.BatchSize)
	}

	return nil
}

// ValidateWorker checks the settings only a worker process needs.
func (c *Config) ValidateWorker() error {
	w := c.Worker
	if w.Facility == "" {
		return fmt.Errorf("GRINN_FACILITY is required for workers")
	}
	if w.MaxConcurrentJobs < 1 {
		return fmt.Errorf("GRINN_MAX_CONCURRENT_JOBS must be at least 1, got %d", w.MaxConcurrentJobs)
	}
	if w.DockerImage == "" {
		return fmt.Errorf("GRINN_DOCKER_IMAGE is required for workers")
	}
	if w.DockerTimeout <= 0 {
		return fmt.Errorf("GRINN_DOCKER_TIMEOUT must be positive")
	}
	if w.StorageRetries < 0 {
		return fmt.Errorf("GRINN_STORAGE_RETRIES must not be negative")
	}
	if w.StorageRetryDelay <= 0 {
		return fmt.Errorf("GRINN_STORAGE_RETRY_INTERVAL must be positive")
	}
	if w.JobPollInterval <= 0 {
		return fmt.Errorf("GRINN_JOB_POLL_INTERVAL must be positive, got %s", w.JobPollInterval)
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

func envInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
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

// envDurationSecs accepts a plain number of seconds, matching the historical
// DOCKER_TIMEOUT format, or a Go duration string.
func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		if d, derr := time.ParseDuration(v); derr == nil {
			return d
		}
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
