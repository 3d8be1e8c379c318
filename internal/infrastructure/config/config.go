// Package config provides 12-factor configuration for the backbone services.
//
// Configuration is loaded from environment variables with safe defaults, so
// an unset variable degrades behaviour rather than failing startup.
//
// Configuration Sections:
//   - Server: HTTP listen address and service name
//   - Logging: Log level and output format
//   - Redis: Broker connection shared by the event bus and job queues
//   - RateLimit: Per-IP window and limit
//   - Auth: JWT verification
//   - Breaker: Circuit breaker thresholds
//   - Queue: Worker concurrency, retry policy defaults and DLQ log
//   - Trace: Capture buffer and OTLP export
//   - Gateway: Proxied route table
//   - Notify: Webhook delivery for notification jobs
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Logging   LogConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Auth      AuthConfig
	Breaker   BreakerConfig
	Queue     QueueConfig
	Trace     TraceConfig
	Gateway   GatewayConfig
	Notify    NotifyConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Host        string `envconfig:"HOST" default:"0.0.0.0"`
	ServiceName string `envconfig:"SERVICE_NAME" default:"gateway"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RedisConfig holds the broker connection target.
type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Window  time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"15m"`
	Max     int           `envconfig:"RATE_LIMIT_MAX" default:"100"`
	Enabled bool          `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
	Store   string        `envconfig:"RATE_LIMIT_STORE" default:"memory"`
}

// AuthConfig holds bearer token verification settings.
type AuthConfig struct {
	JWTSecret string `envconfig:"JWT_SECRET" default:""`
	Issuer    string `envconfig:"JWT_ISSUER" default:""`
	Audience  string `envconfig:"JWT_AUDIENCE" default:""`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	ErrorThresholdPercentage float64       `envconfig:"BREAKER_ERROR_THRESHOLD" default:"50"`
	VolumeThreshold          int           `envconfig:"BREAKER_VOLUME_THRESHOLD" default:"5"`
	RollingWindow            time.Duration `envconfig:"BREAKER_ROLLING_WINDOW" default:"10s"`
	ResetTimeout             time.Duration `envconfig:"BREAKER_RESET_TIMEOUT" default:"30s"`
	CallTimeout              time.Duration `envconfig:"BREAKER_CALL_TIMEOUT" default:"5s"`
}

// QueueConfig holds job queue defaults.
type QueueConfig struct {
	Names            []string      `envconfig:"QUEUE_NAMES" default:"notifications,analytics"`
	Concurrency      int           `envconfig:"QUEUE_CONCURRENCY" default:"5"`
	MaxAttempts      int           `envconfig:"QUEUE_MAX_ATTEMPTS" default:"3"`
	BackoffType      string        `envconfig:"QUEUE_BACKOFF_TYPE" default:"fixed"`
	BackoffDelay     time.Duration `envconfig:"QUEUE_BACKOFF_DELAY" default:"500ms"`
	PollInterval     time.Duration `envconfig:"QUEUE_POLL_INTERVAL" default:"500ms"`
	RemoveOnComplete bool          `envconfig:"QUEUE_REMOVE_ON_COMPLETE" default:"true"`
	DLQLogPath       string        `envconfig:"DLQ_LOG_PATH" default:"dlq.log"`
}

// TraceConfig holds trace capture and export settings.
type TraceConfig struct {
	Capacity     int     `envconfig:"TRACE_BUFFER_CAPACITY" default:"200"`
	OTLPEndpoint string  `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:""`
	OTLPInsecure bool    `envconfig:"OTEL_EXPORTER_OTLP_INSECURE" default:"true"`
	SampleRate   float64 `envconfig:"TRACE_SAMPLE_RATE" default:"1"`
}

// GatewayConfig holds the proxied route table. Routes is a comma separated
// list of prefix=origin pairs; RoutesFile points at a YAML or TOML file and
// takes precedence when set.
type GatewayConfig struct {
	Routes          string `envconfig:"GATEWAY_ROUTES" default:"/api/payments=http://localhost:3001,/api/analytics=http://localhost:3002,/api/notifications=http://localhost:3003"`
	RoutesFile      string `envconfig:"GATEWAY_ROUTES_FILE" default:""`
	BreakerOnRoutes bool   `envconfig:"GATEWAY_BREAKER" default:"true"`
}

// NotifyConfig holds webhook delivery settings. Events lists the bus event
// types turned into notification jobs on Queue.
type NotifyConfig struct {
	WebhookURL    string        `envconfig:"NOTIFY_WEBHOOK_URL" default:""`
	SigningSecret string        `envconfig:"NOTIFY_SIGNING_SECRET" default:""`
	Timeout       time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"10s"`
	RatePerSecond float64       `envconfig:"NOTIFY_RATE" default:"0"`
	Queue         string        `envconfig:"NOTIFY_QUEUE" default:"notifications"`
	Channel       string        `envconfig:"NOTIFY_CHANNEL" default:"events"`
	Events        []string      `envconfig:"NOTIFY_EVENTS" default:"payment.completed,payment.refunded"`
}

// Addr returns the HTTP listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8080",
			Host:        "0.0.0.0",
			ServiceName: "gateway",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		RateLimit: RateLimitConfig{
			Window:  15 * time.Minute,
			Max:     100,
			Enabled: true,
			Store:   "memory",
		},
		Breaker: BreakerConfig{
			ErrorThresholdPercentage: 50,
			VolumeThreshold:          5,
			RollingWindow:            10 * time.Second,
			ResetTimeout:             30 * time.Second,
			CallTimeout:              5 * time.Second,
		},
		Queue: QueueConfig{
			Names:            []string{"notifications", "analytics"},
			Concurrency:      5,
			MaxAttempts:      3,
			BackoffType:      "fixed",
			BackoffDelay:     500 * time.Millisecond,
			PollInterval:     500 * time.Millisecond,
			RemoveOnComplete: true,
			DLQLogPath:       "dlq.log",
		},
		Trace: TraceConfig{
			Capacity:     200,
			OTLPInsecure: true,
			SampleRate:   1,
		},
		Gateway: GatewayConfig{
			Routes:          "/api/payments=http://localhost:3001,/api/analytics=http://localhost:3002,/api/notifications=http://localhost:3003",
			BreakerOnRoutes: true,
		},
		Notify: NotifyConfig{
			Timeout: 10 * time.Second,
			Queue:   "notifications",
			Channel: "events",
			Events:  []string{"payment.completed", "payment.refunded"},
		},
	}
}
