package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/recall/internal/otel"
)

// RedisConfig holds connection settings for the backing key-value store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// DialTimeoutSeconds bounds the initial connection attempt. 0 uses 5s.
	DialTimeoutSeconds int `yaml:"dial_timeout_seconds"`
}

// LedgerConfig holds tunables for the conversation ledger itself.
type LedgerConfig struct {
	// Namespace prefixes every key written by the ledger. Default "rk".
	Namespace string `yaml:"namespace"`

	// IdleWindowMinutes is how long a conversation may go untouched before
	// the reaper closes it. Default 30.
	IdleWindowMinutes int `yaml:"idle_window_minutes"`

	// RecallLimit caps recall results when the caller does not set one.
	RecallLimit int `yaml:"recall_limit"`

	// MessageLimit caps hydrated messages per recalled conversation.
	MessageLimit int `yaml:"message_limit"`

	// SummarizeTimeoutSeconds bounds the summarizer call during close.
	// Closing proceeds with a summary_error flag when exceeded. Default 20.
	SummarizeTimeoutSeconds int `yaml:"summarize_timeout_seconds"`
}

// ReaperConfig controls the idle-window sweeper.
type ReaperConfig struct {
	Enabled bool `yaml:"enabled"`

	// Schedule is a standard 5-field cron expression for sweep ticks.
	// Default "* * * * *" (every minute).
	Schedule string `yaml:"schedule"`
}

// SummarizerConfig selects and configures the close-time summarizer.
type SummarizerConfig struct {
	// Provider is "openrouter" or "static". Empty falls back to static
	// unless an OpenRouter API key is available.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
}

// RateLimitConfig controls the gateway's per-token bucket limiter.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// CORSConfig controls cross-origin access to the read API.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// GatewayConfig holds settings for the read-only HTTP surface.
type GatewayConfig struct {
	BindAddr string `yaml:"bind_addr"`

	// AuthTokens are accepted bearer tokens. Empty list disables auth
	// (loopback development only).
	AuthTokens []string `yaml:"auth_tokens"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Redis      RedisConfig      `yaml:"redis"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Reaper     ReaperConfig     `yaml:"reaper"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Otel       otel.Config      `yaml:"otel"`
}

// IdleWindow returns the configured idle window as a duration.
func (c Config) IdleWindow() time.Duration {
	return time.Duration(c.Ledger.IdleWindowMinutes) * time.Minute
}

// SummarizeTimeout returns the bound on a single summarizer invocation.
func (c Config) SummarizeTimeout() time.Duration {
	return time.Duration(c.Ledger.SummarizeTimeoutSeconds) * time.Second
}

// SummarizerAPIKey returns the OpenRouter key, env var taking precedence.
func (c Config) SummarizerAPIKey() string {
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		return v
	}
	return c.Summarizer.APIKey
}

// Fingerprint returns a stable hash of the active config, exposed on the
// status endpoint so operators can tell which config a daemon is running.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|redis=%s/%d|ns=%s|idle=%d|sched=%s|sum=%s",
		c.Gateway.BindAddr, c.LogLevel, c.Redis.Addr, c.Redis.DB,
		c.Ledger.Namespace, c.Ledger.IdleWindowMinutes, c.Reaper.Schedule,
		c.Summarizer.Provider)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Redis: RedisConfig{
			Addr:               "127.0.0.1:6379",
			DialTimeoutSeconds: 5,
		},
		Ledger: LedgerConfig{
			Namespace:               "rk",
			IdleWindowMinutes:       30,
			RecallLimit:             20,
			MessageLimit:            50,
			SummarizeTimeoutSeconds: 20,
		},
		Reaper: ReaperConfig{
			Enabled:  true,
			Schedule: "* * * * *",
		},
		Gateway: GatewayConfig{
			BindAddr: "127.0.0.1:18790",
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				BurstSize:         20,
			},
		},
	}
}

// HomeDir returns the data directory, honoring the RECALL_HOME override.
func HomeDir() string {
	if override := os.Getenv("RECALL_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".recall")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml under homeDir, applying defaults, env
// overrides, and normalization. A missing file is not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create recall home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RECALL_BIND_ADDR"); v != "" {
		cfg.Gateway.BindAddr = v
	}
	if v := os.Getenv("RECALL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RECALL_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("RECALL_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("RECALL_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("RECALL_AUTH_TOKEN"); v != "" {
		cfg.Gateway.AuthTokens = append(cfg.Gateway.AuthTokens, v)
	}
	if v := os.Getenv("RECALL_IDLE_WINDOW_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Ledger.IdleWindowMinutes = n
		}
	}
}

func normalize(cfg *Config) {
	if cfg.Ledger.Namespace == "" {
		cfg.Ledger.Namespace = "rk"
	}
	if cfg.Ledger.IdleWindowMinutes <= 0 {
		cfg.Ledger.IdleWindowMinutes = 30
	}
	if cfg.Ledger.RecallLimit <= 0 {
		cfg.Ledger.RecallLimit = 20
	}
	if cfg.Ledger.MessageLimit <= 0 {
		cfg.Ledger.MessageLimit = 50
	}
	if cfg.Ledger.SummarizeTimeoutSeconds <= 0 {
		cfg.Ledger.SummarizeTimeoutSeconds = 20
	}
	if cfg.Reaper.Schedule == "" {
		cfg.Reaper.Schedule = "* * * * *"
	}
	if cfg.Redis.DialTimeoutSeconds <= 0 {
		cfg.Redis.DialTimeoutSeconds = 5
	}
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = "127.0.0.1:18790"
	}
	if cfg.Gateway.RateLimit.RequestsPerMinute <= 0 {
		cfg.Gateway.RateLimit.RequestsPerMinute = 120
	}
	if cfg.Gateway.RateLimit.BurstSize <= 0 {
		cfg.Gateway.RateLimit.BurstSize = 20
	}
}
