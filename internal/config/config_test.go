package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type mapEnv map[string]string

func (m mapEnv) Getenv(key string) string { return m[key] }

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.APIBaseURL != "http://localhost:3000" {
		t.Fatalf("unexpected api base url %q", cfg.APIBaseURL)
	}
	if cfg.StreamURL != "ws://localhost:3000/stream" {
		t.Fatalf("expected derived stream url, got %q", cfg.StreamURL)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Fatalf("unexpected request timeout %v", cfg.RequestTimeout)
	}
	if cfg.ReconnectDelay != 5*time.Second {
		t.Fatalf("unexpected reconnect delay %v", cfg.ReconnectDelay)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Fatalf("unexpected poll interval %v", cfg.PollInterval)
	}
}

func TestLoadConfigFromEnv_EnvOverrides(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{
		"ADSYNC_API_URL":         "https://api.example.com",
		"ADSYNC_EMAIL":           "ops@example.com",
		"ADSYNC_POLL_INTERVAL":   "10s",
		"ADSYNC_RECONNECT_DELAY": "2s",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.StreamURL != "wss://api.example.com/stream" {
		t.Fatalf("expected wss stream url, got %q", cfg.StreamURL)
	}
	if cfg.Email != "ops@example.com" {
		t.Fatalf("unexpected email %q", cfg.Email)
	}
	if cfg.PollInterval != 10*time.Second {
		t.Fatalf("unexpected poll interval %v", cfg.PollInterval)
	}
	if cfg.ReconnectDelay != 2*time.Second {
		t.Fatalf("unexpected reconnect delay %v", cfg.ReconnectDelay)
	}
}

func TestLoadConfigFromEnv_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adsync.yaml")
	body := "api_base_url: http://file.example.com\nemail: file@example.com\nrequest_timeout: 45s\nmetrics_addr: \":9100\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfigFromEnv(mapEnv{
		"ADSYNC_CONFIG": path,
		"ADSYNC_EMAIL":  "env@example.com",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.APIBaseURL != "http://file.example.com" {
		t.Fatalf("expected file value, got %q", cfg.APIBaseURL)
	}
	if cfg.Email != "env@example.com" {
		t.Fatalf("expected env to win over file, got %q", cfg.Email)
	}
	if cfg.RequestTimeout != 45*time.Second {
		t.Fatalf("unexpected request timeout %v", cfg.RequestTimeout)
	}
	if cfg.MetricsAddr != ":9100" {
		t.Fatalf("unexpected metrics addr %q", cfg.MetricsAddr)
	}
}

func TestLoadConfigFromEnv_BadValues(t *testing.T) {
	if _, err := LoadConfigFromEnv(mapEnv{"ADSYNC_API_URL": "ftp://example.com"}); err == nil {
		t.Fatalf("expected error for bad scheme")
	}
	if _, err := LoadConfigFromEnv(mapEnv{"ADSYNC_POLL_INTERVAL": "soon"}); err == nil {
		t.Fatalf("expected error for bad duration")
	}
	if _, err := LoadConfigFromEnv(mapEnv{"ADSYNC_CONFIG": "/does/not/exist.yaml"}); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
