package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

const (
	QueueBackendMemory   = "memory"
	QueueBackendRabbitMQ = "rabbitmq"

	DedupBackendMemory = "memory"
	DedupBackendRedis  = "redis"
)

type Config struct {
	DatabaseDSN   string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL   string `env:"RABBITMQ_URL"`
	RedisURL      string `env:"REDIS_URL"`
	PushEndpoint  string `env:"PUSH_ENDPOINT_URL,required=true"`
	PushAuthToken string `env:"PUSH_AUTH_TOKEN"`

	QueueBackend  string `env:"QUEUE_BACKEND,default=rabbitmq"`
	DedupBackend  string `env:"DEDUP_BACKEND,default=redis"`
	AllowedTopics string `env:"ALLOWED_TOPICS,default=alerts"`

	MaxAttempts       int `env:"MAX_ATTEMPTS,default=5"`
	BaseBackoffMs     int `env:"BASE_BACKOFF_MS,default=1000"`
	BackoffCapMs      int `env:"BACKOFF_CAP_MS,default=60000"`
	DedupTTLMs        int `env:"DEDUP_TTL_MS,default=86400000"`
	DispatchTimeoutMs int `env:"DISPATCH_TIMEOUT_MS,default=10000"`

	QueueCapacity          int `env:"QUEUE_CAPACITY,default=1024"`
	IntakePublishTimeoutMs int `env:"INTAKE_PUBLISH_TIMEOUT_MS,default=2000"`
	RetryScanIntervalMs    int `env:"RETRY_SCAN_INTERVAL_MS,default=5000"`
	RetryScanGraceMs       int `env:"RETRY_SCAN_GRACE_MS,default=30000"`
	BreakerFailures        int `env:"BREAKER_CONSECUTIVE_FAILURES,default=5"`
	BreakerOpenMs          int `env:"BREAKER_OPEN_MS,default=30000"`

	RateLimitPerSec   int    `env:"RATE_LIMIT_PER_SEC,default=100"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY,default=16"`
	APIPort           int    `env:"API_PORT,default=8080"`
	LogLevel          string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	c.QueueBackend = strings.ToLower(strings.TrimSpace(c.QueueBackend))
	c.DedupBackend = strings.ToLower(strings.TrimSpace(c.DedupBackend))

	switch c.QueueBackend {
	case QueueBackendMemory:
	case QueueBackendRabbitMQ:
		if strings.TrimSpace(c.RabbitMQURL) == "" {
			return fmt.Errorf("RABBITMQ_URL is required when QUEUE_BACKEND=%s", QueueBackendRabbitMQ)
		}
	default:
		return fmt.Errorf("unsupported QUEUE_BACKEND %q", c.QueueBackend)
	}

	switch c.DedupBackend {
	case DedupBackendMemory:
	case DedupBackendRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("REDIS_URL is required when DEDUP_BACKEND=%s", DedupBackendRedis)
		}
	default:
		return fmt.Errorf("unsupported DEDUP_BACKEND %q", c.DedupBackend)
	}

	if len(c.Topics()) == 0 {
		return fmt.Errorf("ALLOWED_TOPICS must list at least one topic")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be >= 1")
	}
	if c.BaseBackoffMs <= 0 || c.BackoffCapMs <= 0 {
		return fmt.Errorf("BASE_BACKOFF_MS and BACKOFF_CAP_MS must be positive")
	}
	if c.BackoffCapMs < c.BaseBackoffMs {
		return fmt.Errorf("BACKOFF_CAP_MS must be >= BASE_BACKOFF_MS")
	}
	if c.DedupTTLMs <= 0 {
		return fmt.Errorf("DEDUP_TTL_MS must be positive")
	}
	if c.DispatchTimeoutMs <= 0 {
		return fmt.Errorf("DISPATCH_TIMEOUT_MS must be positive")
	}

	return nil
}

// Topics returns the de-duplicated, trimmed allow-set of topics.
func (c *Config) Topics() []string {
	seen := make(map[string]struct{})
	topics := make([]string, 0)
	for _, raw := range strings.Split(c.AllowedTopics, ",") {
		topic := strings.TrimSpace(raw)
		if topic == "" {
			continue
		}
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	return topics
}

func (c *Config) BaseBackoff() time.Duration { return ms(c.BaseBackoffMs) }

func (c *Config) BackoffCap() time.Duration { return ms(c.BackoffCapMs) }

func (c *Config) DedupTTL() time.Duration { return ms(c.DedupTTLMs) }

func (c *Config) DispatchTimeout() time.Duration { return ms(c.DispatchTimeoutMs) }

func (c *Config) IntakePublishTimeout() time.Duration { return ms(c.IntakePublishTimeoutMs) }

func (c *Config) RetryScanInterval() time.Duration { return ms(c.RetryScanIntervalMs) }

func (c *Config) RetryScanGrace() time.Duration { return ms(c.RetryScanGraceMs) }

func (c *Config) BreakerOpenTimeout() time.Duration { return ms(c.BreakerOpenMs) }

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
