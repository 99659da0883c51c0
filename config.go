package pipewarden

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prilive-com/pipewarden/ado"
)

// Config holds top-level service configuration.
type Config struct {
	// Azure DevOps organization (the {org} segment of dev.azure.com/{org}).
	Organization string

	// Projects is the allow-list of project names tools may target.
	Projects []string

	// DefaultProject is used when a tool call names no project. If empty and
	// exactly one project is allowed, that project is the default.
	DefaultProject string

	// Logging
	LogLevel slog.Level

	// Outbound call resilience
	RetryAttempts  int
	RetryBaseWait  time.Duration
	RequestTimeout time.Duration

	// Per-identity admission
	RateLimitMaxRequests int
	RateLimitWindow      time.Duration

	// Circuit breaker
	BreakerFailureThreshold int
	BreakerCooldown         time.Duration

	// Audit
	AuditBufferSize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LogLevel:                slog.LevelInfo,
		RetryAttempts:           3,
		RetryBaseWait:           2 * time.Second,
		RequestTimeout:          30 * time.Second,
		RateLimitMaxRequests:    30,
		RateLimitWindow:         60 * time.Second,
		BreakerFailureThreshold: 5,
		BreakerCooldown:         60 * time.Second,
		AuditBufferSize:         256,
	}
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	cfg.Organization = getEnv("AZURE_DEVOPS_ORG", "")
	if cfg.Organization == "" {
		return nil, ado.NewConfigError("AZURE_DEVOPS_ORG", "must be set")
	}

	for _, p := range strings.Split(getEnv("AZURE_DEVOPS_PROJECTS", ""), ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.Projects = append(cfg.Projects, p)
		}
	}
	if len(cfg.Projects) == 0 {
		return nil, ado.NewConfigError("AZURE_DEVOPS_PROJECTS", "must list at least one project")
	}

	cfg.DefaultProject = getEnv("AZURE_DEVOPS_PROJECT", "")

	switch strings.ToLower(getEnv("LOG_LEVEL", "info")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn", "warning":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	if i, err := strconv.Atoi(getEnv("API_RETRY_ATTEMPTS", "3")); err == nil && i > 0 {
		cfg.RetryAttempts = i
	}
	if d, ok := envSeconds("API_RETRY_DELAY_SECONDS"); ok {
		cfg.RetryBaseWait = d
	}
	if d, ok := envSeconds("API_TIMEOUT_SECONDS"); ok {
		cfg.RequestTimeout = d
	}

	if i, err := strconv.Atoi(getEnv("RATE_LIMIT_MAX_REQUESTS", "30")); err == nil && i > 0 {
		cfg.RateLimitMaxRequests = i
	}
	if d, ok := envSeconds("RATE_LIMIT_WINDOW_SECONDS"); ok {
		cfg.RateLimitWindow = d
	}

	if i, err := strconv.Atoi(getEnv("CIRCUIT_BREAKER_FAILURE_THRESHOLD", "5")); err == nil && i > 0 {
		cfg.BreakerFailureThreshold = i
	}
	if d, ok := envSeconds("CIRCUIT_BREAKER_COOLDOWN_SECONDS"); ok {
		cfg.BreakerCooldown = d
	}

	if i, err := strconv.Atoi(getEnv("AUDIT_BUFFER_SIZE", "256")); err == nil && i > 0 {
		cfg.AuditBufferSize = i
	}

	return &cfg, nil
}

// Allowed reports whether a project is in the allow-list.
func (c *Config) Allowed(project string) bool {
	for _, p := range c.Projects {
		if p == project {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// envSeconds parses an env var holding a (possibly fractional) second count.
func envSeconds(key string) (time.Duration, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		return 0, false
	}
	return time.Duration(f * float64(time.Second)), true
}
