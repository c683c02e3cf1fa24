package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://proxibase@localhost/proxibase")
	t.Setenv("SECRET_KEY", "test-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.RateLimitRequests != 60 || cfg.RateLimitWindow != 60*time.Second {
		t.Errorf("rate limit = %d/%s, want 60/60s", cfg.RateLimitRequests, cfg.RateLimitWindow)
	}
	if !cfg.EnableRateLimiting {
		t.Error("rate limiting should default to enabled")
	}
	if cfg.MaxResponseSizeMB != 15 || cfg.MaxResponseBytes() != 15<<20 {
		t.Errorf("size cap = %dMB (%d bytes)", cfg.MaxResponseSizeMB, cfg.MaxResponseBytes())
	}
	if cfg.RequestTimeout != 15*time.Second {
		t.Errorf("RequestTimeout = %s, want 15s", cfg.RequestTimeout)
	}
}

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SECRET_KEY", "x")
	if _, err := Load(); err == nil {
		t.Error("Load should fail without DATABASE_URL")
	}

	t.Setenv("DATABASE_URL", "postgres://localhost/p")
	t.Setenv("SECRET_KEY", "")
	if _, err := Load(); err == nil {
		t.Error("Load should fail without SECRET_KEY")
	}
}

func TestDurationAcceptsBareSeconds(t *testing.T) {
	setRequired(t)
	t.Setenv("REQUEST_TIMEOUT", "30")
	t.Setenv("RATE_LIMIT_WINDOW", "90s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %s, want 30s", cfg.RequestTimeout)
	}
	if cfg.RateLimitWindow != 90*time.Second {
		t.Errorf("RateLimitWindow = %s, want 90s", cfg.RateLimitWindow)
	}
}

func TestTrustedProxiesList(t *testing.T) {
	setRequired(t)
	t.Setenv("TRUSTED_PROXIES", "10.0.0.1, 192.168.0.0/16 ,")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"10.0.0.1", "192.168.0.0/16"}
	if len(cfg.TrustedProxies) != len(want) {
		t.Fatalf("TrustedProxies = %v, want %v", cfg.TrustedProxies, want)
	}
	for i := range want {
		if cfg.TrustedProxies[i] != want[i] {
			t.Errorf("TrustedProxies[%d] = %q, want %q", i, cfg.TrustedProxies[i], want[i])
		}
	}
}
