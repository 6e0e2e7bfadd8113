package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the sync monitor needs to talk to the backend.
// Values come from defaults, then an optional YAML file, then environment
// variables, last one wins.
type Config struct {
	APIBaseURL string
	StreamURL  string

	Email     string
	Password  string
	TokenFile string

	RequestTimeout time.Duration
	ReconnectDelay time.Duration
	PollInterval   time.Duration

	MetricsAddr string
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// fileConfig mirrors the YAML layout. Durations are strings so the file can
// say "45s" or "2m".
type fileConfig struct {
	APIBaseURL     string `yaml:"api_base_url"`
	StreamURL      string `yaml:"stream_url"`
	Email          string `yaml:"email"`
	Password       string `yaml:"password"`
	TokenFile      string `yaml:"token_file"`
	RequestTimeout string `yaml:"request_timeout"`
	ReconnectDelay string `yaml:"reconnect_delay"`
	PollInterval   string `yaml:"poll_interval"`
	MetricsAddr    string `yaml:"metrics_addr"`
}

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		APIBaseURL:     "http://localhost:3000",
		RequestTimeout: 30 * time.Second,
		ReconnectDelay: 5 * time.Second,
		PollInterval:   30 * time.Second,
	}

	if path := env.Getenv("ADSYNC_CONFIG"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, env); err != nil {
		return Config{}, err
	}

	if err := validateURL("api_base_url", cfg.APIBaseURL, "http", "https"); err != nil {
		return Config{}, err
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = deriveStreamURL(cfg.APIBaseURL)
	}
	if err := validateURL("stream_url", cfg.StreamURL, "ws", "wss"); err != nil {
		return Config{}, err
	}
	if cfg.RequestTimeout <= 0 || cfg.ReconnectDelay <= 0 || cfg.PollInterval <= 0 {
		return Config{}, fmt.Errorf("timeouts and intervals must be positive")
	}

	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString(&cfg.APIBaseURL, fc.APIBaseURL)
	setString(&cfg.StreamURL, fc.StreamURL)
	setString(&cfg.Email, fc.Email)
	setString(&cfg.Password, fc.Password)
	setString(&cfg.TokenFile, fc.TokenFile)
	setString(&cfg.MetricsAddr, fc.MetricsAddr)

	if err := setDuration(&cfg.RequestTimeout, "request_timeout", fc.RequestTimeout); err != nil {
		return err
	}
	if err := setDuration(&cfg.ReconnectDelay, "reconnect_delay", fc.ReconnectDelay); err != nil {
		return err
	}
	return setDuration(&cfg.PollInterval, "poll_interval", fc.PollInterval)
}

func applyEnv(cfg *Config, env Env) error {
	setString(&cfg.APIBaseURL, env.Getenv("ADSYNC_API_URL"))
	setString(&cfg.StreamURL, env.Getenv("ADSYNC_STREAM_URL"))
	setString(&cfg.Email, env.Getenv("ADSYNC_EMAIL"))
	setString(&cfg.Password, env.Getenv("ADSYNC_PASSWORD"))
	setString(&cfg.TokenFile, env.Getenv("ADSYNC_TOKEN_FILE"))
	setString(&cfg.MetricsAddr, env.Getenv("ADSYNC_METRICS_ADDR"))

	if err := setDuration(&cfg.RequestTimeout, "ADSYNC_REQUEST_TIMEOUT", env.Getenv("ADSYNC_REQUEST_TIMEOUT")); err != nil {
		return err
	}
	if err := setDuration(&cfg.ReconnectDelay, "ADSYNC_RECONNECT_DELAY", env.Getenv("ADSYNC_RECONNECT_DELAY")); err != nil {
		return err
	}
	return setDuration(&cfg.PollInterval, "ADSYNC_POLL_INTERVAL", env.Getenv("ADSYNC_POLL_INTERVAL"))
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func setDuration(dst *time.Duration, name, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = d
	return nil
}

func validateURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid %s %q", name, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q: scheme must be one of %s", name, raw, strings.Join(schemes, ", "))
}

// deriveStreamURL turns the HTTP base URL into the matching websocket
// endpoint.
func deriveStreamURL(apiBaseURL string) string {
	ws := "ws" + strings.TrimPrefix(apiBaseURL, "http")
	return strings.TrimRight(ws, "/") + "/stream"
}
