/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Environment-driven configuration for the event-sourced
             core, the HTTP surface, the webhook delivery pump and
             the ops auth gate.
Root Cause:  main.go needs one place to resolve every knob named in
             the external interface (data directory, role, rate
             limits, webhook retry policy, lock timing, ops token).
Context:     Loaded once at process start; a .env file is honored if
             present, for local development.
Suitability: L3 — environment parsing with defaults, no business
             logic.
──────────────────────────────────────────────────────────────
*/

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-derived setting flyback needs.
type Config struct {
	// Server
	Addr            string
	Env             string
	GracefulTimeout time.Duration
	RequestTimeout  time.Duration
	MaxBodyBytes    int64

	// Event-sourced core
	DataDir          string
	Role             string // "writer" | "replica"
	LockTimeout      time.Duration
	LockRetry        time.Duration
	SnapshotInterval int64

	// Webhook delivery
	WebhookURL      string
	WebhookTimeout  time.Duration
	WebhookSecret   string
	WebhookMaxRetry int
	WebhookBaseBack time.Duration
	WebhookMaxBack  time.Duration
	WebhookTick     time.Duration

	// Rate limiting
	RateLimitEnabled bool
	RateLimitMax     int
	RateLimitWindow  time.Duration
	RateLimitBypass  []string
	RateLimitMaxKeys int

	// Ops auth
	OpsTokenSecret string
	OpsTokenTTL    time.Duration

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables and an
// optional .env file in the working directory.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Addr:            getEnv("FLYBACK_ADDR", ":8080"),
		Env:             getEnv("ENV", "development"),
		GracefulTimeout: time.Duration(getEnvInt("FLYBACK_GRACEFUL_TIMEOUT_SEC", 15)) * time.Second,
		RequestTimeout:  time.Duration(getEnvInt("FLYBACK_REQUEST_TIMEOUT_SEC", 10)) * time.Second,
		MaxBodyBytes:    int64(getEnvInt("FLYBACK_MAX_BODY_BYTES", 64*1024)),

		DataDir:          getEnv("FLYBACK_DATA_DIR", "./data"),
		Role:             getEnv("FLYBACK_ROLE", "writer"),
		LockTimeout:      time.Duration(getEnvInt("FLYBACK_LOCK_TIMEOUT_MS", 5000)) * time.Millisecond,
		LockRetry:        time.Duration(getEnvInt("FLYBACK_LOCK_RETRY_MS", 50)) * time.Millisecond,
		SnapshotInterval: int64(getEnvInt("FLYBACK_SNAPSHOT_INTERVAL", 500)),

		WebhookURL:      getEnv("FLYBACK_WEBHOOK_URL", ""),
		WebhookTimeout:  time.Duration(getEnvInt("FLYBACK_WEBHOOK_TIMEOUT_SEC", 5)) * time.Second,
		WebhookSecret:   getEnv("FLYBACK_WEBHOOK_SECRET", ""),
		WebhookMaxRetry: getEnvInt("FLYBACK_WEBHOOK_MAX_RETRIES", 5),
		WebhookBaseBack: time.Duration(getEnvInt("FLYBACK_WEBHOOK_BASE_BACKOFF_MS", 500)) * time.Millisecond,
		WebhookMaxBack:  time.Duration(getEnvInt("FLYBACK_WEBHOOK_MAX_BACKOFF_MS", 60000)) * time.Millisecond,
		WebhookTick:     time.Duration(getEnvInt("FLYBACK_WEBHOOK_TICK_MS", 500)) * time.Millisecond,

		RateLimitEnabled: getEnvBool("FLYBACK_RATE_LIMIT_ENABLED", true),
		RateLimitMax:     getEnvInt("FLYBACK_RATE_LIMIT_MAX", 120),
		RateLimitWindow:  time.Duration(getEnvInt("FLYBACK_RATE_LIMIT_WINDOW_SEC", 60)) * time.Second,
		RateLimitBypass:  getEnvList("FLYBACK_RATE_LIMIT_BYPASS", nil),
		RateLimitMaxKeys: getEnvInt("FLYBACK_RATE_LIMIT_MAX_KEYS", 10000),

		OpsTokenSecret: getEnv("FLYBACK_OPS_TOKEN_SECRET", ""),
		OpsTokenTTL:    time.Duration(getEnvInt("FLYBACK_OPS_TOKEN_TTL_SEC", 300)) * time.Second,

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// IsDevelopment reports whether Env is "development".
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Writable reports whether this process should accept mutating
// commands (fill/intent/postback).
func (c *Config) Writable() bool {
	return c.Role != "replica"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvList parses a comma-separated list, trimming whitespace around
// each entry and dropping empty ones. An unset or empty-after-trim
// variable returns fallback.
func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
