package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/recall/internal/config"
)

func writeConfig(t *testing.T, home, contents string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadFrom_Defaults(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".recall")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ledger.Namespace != "rk" {
		t.Fatalf("expected namespace rk, got %q", cfg.Ledger.Namespace)
	}
	if cfg.Ledger.IdleWindowMinutes != 30 {
		t.Fatalf("expected idle window 30, got %d", cfg.Ledger.IdleWindowMinutes)
	}
	if cfg.Gateway.BindAddr != "127.0.0.1:18790" {
		t.Fatalf("unexpected bind addr: %q", cfg.Gateway.BindAddr)
	}
	if cfg.Redis.Addr != "127.0.0.1:6379" {
		t.Fatalf("unexpected redis addr: %q", cfg.Redis.Addr)
	}
	if !cfg.Reaper.Enabled || cfg.Reaper.Schedule != "* * * * *" {
		t.Fatalf("unexpected reaper defaults: %+v", cfg.Reaper)
	}
	if cfg.IdleWindow() != 30*time.Minute {
		t.Fatalf("idle window duration wrong: %v", cfg.IdleWindow())
	}
	// The home directory is created on first load.
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("home dir not created: %v", err)
	}
}

func TestLoadFrom_YAML(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".recall")
	writeConfig(t, home, `
log_level: debug
redis:
  addr: redis.internal:6380
  db: 3
ledger:
  namespace: prod
  idle_window_minutes: 45
reaper:
  enabled: true
  schedule: "*/5 * * * *"
gateway:
  bind_addr: 0.0.0.0:9000
  auth_tokens: [alpha, beta]
`)

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level not parsed: %q", cfg.LogLevel)
	}
	if cfg.Redis.Addr != "redis.internal:6380" || cfg.Redis.DB != 3 {
		t.Fatalf("redis block not parsed: %+v", cfg.Redis)
	}
	if cfg.Ledger.Namespace != "prod" || cfg.Ledger.IdleWindowMinutes != 45 {
		t.Fatalf("ledger block not parsed: %+v", cfg.Ledger)
	}
	if cfg.Reaper.Schedule != "*/5 * * * *" {
		t.Fatalf("reaper schedule not parsed: %q", cfg.Reaper.Schedule)
	}
	if len(cfg.Gateway.AuthTokens) != 2 {
		t.Fatalf("auth tokens not parsed: %v", cfg.Gateway.AuthTokens)
	}
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".recall")
	writeConfig(t, home, "gateway:\n  bind_addr: 127.0.0.1:1111\n")

	t.Setenv("RECALL_BIND_ADDR", "127.0.0.1:2222")
	t.Setenv("RECALL_REDIS_ADDR", "127.0.0.1:7000")
	t.Setenv("RECALL_REDIS_DB", "5")
	t.Setenv("RECALL_AUTH_TOKEN", "env-token")
	t.Setenv("RECALL_IDLE_WINDOW_MINUTES", "10")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.BindAddr != "127.0.0.1:2222" {
		t.Fatalf("env bind override lost: %q", cfg.Gateway.BindAddr)
	}
	if cfg.Redis.Addr != "127.0.0.1:7000" || cfg.Redis.DB != 5 {
		t.Fatalf("env redis override lost: %+v", cfg.Redis)
	}
	if len(cfg.Gateway.AuthTokens) != 1 || cfg.Gateway.AuthTokens[0] != "env-token" {
		t.Fatalf("env auth token lost: %v", cfg.Gateway.AuthTokens)
	}
	if cfg.Ledger.IdleWindowMinutes != 10 {
		t.Fatalf("env idle window lost: %d", cfg.Ledger.IdleWindowMinutes)
	}
}

func TestLoadFrom_NormalizesBadValues(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".recall")
	writeConfig(t, home, `
ledger:
  idle_window_minutes: -5
  recall_limit: 0
gateway:
  rate_limit:
    requests_per_minute: -1
`)

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ledger.IdleWindowMinutes != 30 {
		t.Fatalf("negative idle window not clamped: %d", cfg.Ledger.IdleWindowMinutes)
	}
	if cfg.Ledger.RecallLimit != 20 {
		t.Fatalf("zero recall limit not defaulted: %d", cfg.Ledger.RecallLimit)
	}
	if cfg.Gateway.RateLimit.RequestsPerMinute != 120 {
		t.Fatalf("negative rpm not defaulted: %d", cfg.Gateway.RateLimit.RequestsPerMinute)
	}
}

func TestHomeDir_EnvOverride(t *testing.T) {
	t.Setenv("RECALL_HOME", "/tmp/recall-test-home")
	if got := config.HomeDir(); got != "/tmp/recall-test-home" {
		t.Fatalf("RECALL_HOME ignored: %q", got)
	}
}

func TestSummarizerAPIKey_EnvWins(t *testing.T) {
	cfg := config.Config{}
	cfg.Summarizer.APIKey = "from-yaml"

	t.Setenv("OPENROUTER_API_KEY", "")
	if got := cfg.SummarizerAPIKey(); got != "from-yaml" {
		t.Fatalf("yaml key lost: %q", got)
	}
	t.Setenv("OPENROUTER_API_KEY", "from-env")
	if got := cfg.SummarizerAPIKey(); got != "from-env" {
		t.Fatalf("env key must win: %q", got)
	}
}

func TestFingerprint_TracksChanges(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".recall")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	base := cfg.Fingerprint()
	if base == "" {
		t.Fatal("empty fingerprint")
	}
	if cfg.Fingerprint() != base {
		t.Fatalf("fingerprint unstable: %q", base)
	}

	cfg.Ledger.IdleWindowMinutes = 45
	if cfg.Fingerprint() == base {
		t.Fatal("fingerprint must change with the idle window")
	}
}
