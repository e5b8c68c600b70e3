// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Metering
	DefaultReserveAmount float64
	MinReserveAmount     float64
	MaxSessionDuration   time.Duration // 0 disables the reaper
	ReaperInterval       time.Duration

	// Payment gateway
	FinternetBase          string // empty selects the in-process simulator
	FinternetKey           string
	GatewayMaxRetries      int
	GatewayRetryDelay      time.Duration
	GatewayTimeout         time.Duration
	GatewayBreakerFailures int
	GatewayBreakerCooldown time.Duration

	// HTTP
	AllowedOrigins []string
	RateLimitRPS   int
	AdminSecret    string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort                   = "8080"
	DefaultEnv                    = "development"
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "json"
	DefaultReserveAmount          = 30.0
	DefaultMinReserveAmount       = 1.0
	DefaultReaperInterval         = time.Minute
	DefaultGatewayMaxRetries      = 3
	DefaultGatewayRetryDelay      = time.Second
	DefaultGatewayTimeout         = 10 * time.Second
	DefaultGatewayBreakerFails    = 5
	DefaultGatewayBreakerCooldown = 30 * time.Second
	DefaultAllowedOrigins         = "http://localhost:5173"
	DefaultRateLimit              = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		DefaultReserveAmount:   getEnvFloat("DEFAULT_RESERVE_AMOUNT", DefaultReserveAmount),
		MinReserveAmount:       getEnvFloat("MIN_RESERVE_AMOUNT", DefaultMinReserveAmount),
		MaxSessionDuration:     getEnvDuration("MAX_SESSION_DURATION", 0),
		ReaperInterval:         getEnvDuration("REAPER_INTERVAL", DefaultReaperInterval),
		FinternetBase:          strings.TrimRight(os.Getenv("FINTERNET_BASE"), "/"),
		FinternetKey:           os.Getenv("FINTERNET_KEY"),
		GatewayMaxRetries:      int(getEnvInt64("GATEWAY_MAX_RETRIES", DefaultGatewayMaxRetries)),
		GatewayRetryDelay:      getEnvDuration("GATEWAY_RETRY_DELAY", DefaultGatewayRetryDelay),
		GatewayTimeout:         getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		GatewayBreakerFailures: int(getEnvInt64("GATEWAY_BREAKER_FAILURES", DefaultGatewayBreakerFails)),
		GatewayBreakerCooldown: getEnvDuration("GATEWAY_BREAKER_COOLDOWN", DefaultGatewayBreakerCooldown),
		AllowedOrigins:         splitList(getEnv("ALLOWED_ORIGINS", DefaultAllowedOrigins)),
		RateLimitRPS:           int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		AdminSecret:            os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.MinReserveAmount <= 0 {
		return fmt.Errorf("MIN_RESERVE_AMOUNT must be positive")
	}
	if c.DefaultReserveAmount < c.MinReserveAmount {
		return fmt.Errorf("DEFAULT_RESERVE_AMOUNT must be at least MIN_RESERVE_AMOUNT (%.2f)", c.MinReserveAmount)
	}
	if c.MaxSessionDuration < 0 {
		return fmt.Errorf("MAX_SESSION_DURATION must not be negative")
	}
	if c.MaxSessionDuration > 0 && c.ReaperInterval <= 0 {
		return fmt.Errorf("REAPER_INTERVAL must be positive when MAX_SESSION_DURATION is set")
	}
	if c.GatewayMaxRetries < 1 {
		return fmt.Errorf("GATEWAY_MAX_RETRIES must be at least 1")
	}
	if c.FinternetBase != "" {
		u, err := url.Parse(c.FinternetBase)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("FINTERNET_BASE must be an absolute URL")
		}
	}
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.FinternetBase == "" {
			return fmt.Errorf("FINTERNET_BASE is required in production")
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesSimulator reports whether the in-process gateway simulator is selected.
func (c *Config) UsesSimulator() bool {
	return c.FinternetBase == ""
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
