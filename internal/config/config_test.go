package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Transport != TransportHTTP {
		t.Errorf("expected default transport http, got %q", cfg.Transport)
	}
	if cfg.HTTPPort != 9274 {
		t.Errorf("expected default port 9274, got %d", cfg.HTTPPort)
	}
	if cfg.JWT.ExpiresIn != 7*24*time.Hour {
		t.Errorf("expected default JWT expiry 7d, got %s", cfg.JWT.ExpiresIn)
	}
	if !cfg.RateLimit.Enabled {
		t.Error("rate limiting should default to enabled")
	}
	if cfg.RateLimit.Window != 15*time.Minute {
		t.Errorf("expected default window 15m, got %s", cfg.RateLimit.Window)
	}
	if cfg.RateLimit.MaxRequests != 100 {
		t.Errorf("expected default max requests 100, got %d", cfg.RateLimit.MaxRequests)
	}
	if cfg.Audit.ResponseCapByte != 64<<10 {
		t.Errorf("expected default response cap 64KiB, got %d", cfg.Audit.ResponseCapByte)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TRANSPORT", "stdio")
	t.Setenv("AUTH_TOKEN", "tok_abc")
	t.Setenv("HTTP_PORT", "8123")
	t.Setenv("JWT_EXPIRES_IN", "12h")
	t.Setenv("RATE_LIMIT_WINDOW_MS", "60000")
	t.Setenv("RATE_LIMIT_MAX_REQUESTS", "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Transport != TransportStdio {
		t.Errorf("expected stdio transport, got %q", cfg.Transport)
	}
	if cfg.AuthToken != "tok_abc" {
		t.Errorf("expected auth token from env, got %q", cfg.AuthToken)
	}
	if cfg.HTTPPort != 8123 {
		t.Errorf("expected port 8123, got %d", cfg.HTTPPort)
	}
	if cfg.JWT.ExpiresIn != 12*time.Hour {
		t.Errorf("expected 12h expiry, got %s", cfg.JWT.ExpiresIn)
	}
	if cfg.RateLimit.Window != time.Minute {
		t.Errorf("expected 1m window, got %s", cfg.RateLimit.Window)
	}
	if cfg.RateLimit.MaxRequests != 7 {
		t.Errorf("expected max 7 requests, got %d", cfg.RateLimit.MaxRequests)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad transport", map[string]string{"TRANSPORT": "pigeon"}},
		{"port out of range", map[string]string{"HTTP_PORT": "70000"}},
		{"stdio without token", map[string]string{"TRANSPORT": "stdio"}},
		{"short jwt secret", map[string]string{"JWT_SECRET": "tooshort"}},
		{"https without cert", map[string]string{"ENABLE_HTTPS": "true"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(""); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoadYAMLFileWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_GATEWAY_TOKEN", "file_token")

	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	content := `
transport: stdio
http_port: 9001
auth_token: ${TEST_GATEWAY_TOKEN}
rate_limit:
  enabled: true
  max_requests: 42
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AuthToken != "file_token" {
		t.Errorf("env substitution failed, got %q", cfg.AuthToken)
	}
	if cfg.HTTPPort != 9001 {
		t.Errorf("expected port 9001, got %d", cfg.HTTPPort)
	}
	if cfg.RateLimit.MaxRequests != 42 {
		t.Errorf("expected max 42, got %d", cfg.RateLimit.MaxRequests)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"7d", 7 * 24 * time.Hour, false},
		{"0.5d", 12 * time.Hour, false},
		{"90m", 90 * time.Minute, false},
		{"15s", 15 * time.Second, false},
		{"bogus", 0, true},
		{"xd", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseDuration(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDuration(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDuration(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
