// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// Engine is the remote execution endpoint.
	Engine EngineConfig

	// SSE controls the browser-facing stream endpoints.
	SSE SSEConfig

	// RateLimit throttles execute requests per user.
	RateLimit RateLimitConfig

	// SessionTTL evicts idle run sessions.
	SessionTTL time.Duration

	// RunRetention bounds how long finished runs stay in history.
	RunRetention time.Duration
}

// EngineConfig configures the remote execution engine client.
type EngineConfig struct {
	BaseURL        string
	ConnectTimeout time.Duration
	MaxRawBytes    int
	MaxSteps       int
}

// SSEConfig controls server-sent event streaming behavior.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
	ReplayQueueSize    int
	MaxRequestBodySize int64
}

// RateLimitConfig controls per-user execute throttling.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/agentdeck.db"),
		Engine: EngineConfig{
			BaseURL:        getEnv("ENGINE_BASE_URL", "http://localhost:9090"),
			ConnectTimeout: getEnvDuration("ENGINE_CONNECT_TIMEOUT", 15*time.Second),
			MaxRawBytes:    getEnvInt("ENGINE_MAX_RAW_BYTES", 2<<20),
			MaxSteps:       getEnvInt("ENGINE_MAX_STEPS", 1000),
		},
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			ReplayQueueSize:    getEnvInt("SSE_REPLAY_QUEUE_SIZE", 100),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SessionTTL:   getEnvDuration("SESSION_TTL", 60*time.Minute),
		RunRetention: getEnvDuration("RUN_RETENTION", 7*24*time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Engine.BaseURL == "" {
		return fmt.Errorf("ENGINE_BASE_URL cannot be empty")
	}
	if c.Engine.MaxRawBytes <= 0 {
		return fmt.Errorf("ENGINE_MAX_RAW_BYTES must be > 0")
	}
	if c.SSE.ReplayQueueSize <= 0 {
		return fmt.Errorf("SSE_REPLAY_QUEUE_SIZE must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
