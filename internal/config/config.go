package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries all runtime settings. Values are read from the
// environment once at startup and are immutable afterwards.
type Config struct {
	Port        int
	DatabaseURL string

	AdminHost     string
	AdminUsername string
	AdminPassword string

	SecretKey string

	RateLimitRequests  int
	RateLimitWindow    time.Duration
	EnableRateLimiting bool

	MaxResponseSizeMB int
	RequestTimeout    time.Duration

	// TrustedProxies lists load balancers whose X-Forwarded-For we accept
	// for rate-limit keying. Empty means the socket peer is authoritative.
	TrustedProxies []string
}

// Load builds the configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getEnvIntOrDefault("PORT", 8080),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		AdminHost:          getEnvOrDefault("ADMIN_HOST", "admin.localhost"),
		AdminUsername:      getEnvOrDefault("ADMIN_USERNAME", "admin"),
		AdminPassword:      os.Getenv("ADMIN_PASSWORD"),
		SecretKey:          os.Getenv("SECRET_KEY"),
		RateLimitRequests:  getEnvIntOrDefault("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:    getEnvDurationOrDefault("RATE_LIMIT_WINDOW", 60*time.Second),
		EnableRateLimiting: getEnvBoolOrDefault("ENABLE_RATE_LIMITING", true),
		MaxResponseSizeMB:  getEnvIntOrDefault("MAX_RESPONSE_SIZE_MB", 15),
		RequestTimeout:     getEnvDurationOrDefault("REQUEST_TIMEOUT", 15*time.Second),
		TrustedProxies:     splitList(os.Getenv("TRUSTED_PROXIES")),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.SecretKey == "" {
		return fmt.Errorf("config: SECRET_KEY is required")
	}
	if c.RateLimitRequests <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_REQUESTS must be positive, got %d", c.RateLimitRequests)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimitWindow)
	}
	if c.MaxResponseSizeMB <= 0 {
		return fmt.Errorf("config: MAX_RESPONSE_SIZE_MB must be positive, got %d", c.MaxResponseSizeMB)
	}
	return nil
}

// MaxResponseBytes is the response size cap for non-media content.
func (c *Config) MaxResponseBytes() int64 {
	return int64(c.MaxResponseSizeMB) * 1024 * 1024
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBoolOrDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDurationOrDefault accepts either a Go duration string ("15s")
// or a bare number of seconds, the form used by the deployment manifests.
func getEnvDurationOrDefault(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
