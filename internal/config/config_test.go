package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Mexc.BaseURL != "https://api.mexc.com" {
		t.Errorf("Unexpected base URL: %s", cfg.Mexc.BaseURL)
	}
	if cfg.Discovery.ReadyStatePattern != "(2,2,4)" {
		t.Errorf("Unexpected ready pattern: %s", cfg.Discovery.ReadyStatePattern)
	}
	if cfg.Discovery.TargetAdvanceHours != 3.5 {
		t.Errorf("Unexpected advance hours: %f", cfg.Discovery.TargetAdvanceHours)
	}
	if cfg.Discovery.PollCron != "*/5 * * * *" {
		t.Errorf("Unexpected poll cron: %s", cfg.Discovery.PollCron)
	}
	if cfg.Discovery.MaxRecheckAttempts != 10 {
		t.Errorf("Unexpected recheck cap: %d", cfg.Discovery.MaxRecheckAttempts)
	}
	if cfg.Cache.TTLSymbols != 5 || cfg.Cache.TTLCalendar != 30 || cfg.Cache.TTLAccount != 60 {
		t.Errorf("Unexpected cache TTLs: %+v", cfg.Cache)
	}
	if cfg.Mexc.MinRequestSpace != 100 {
		t.Errorf("Unexpected request spacing: %d", cfg.Mexc.MinRequestSpace)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults must validate: %v", err)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	content := `
mexc:
  base_url: "https://api.mexc.test"
discovery:
  target_advance_hours: 4.0
  ready_state_pattern: "(1,2,3)"
trading:
  default_buy_amount_usdt: 250
system:
  log_level: "DEBUG"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Mexc.BaseURL != "https://api.mexc.test" {
		t.Errorf("File value not applied: %s", cfg.Mexc.BaseURL)
	}
	if cfg.Discovery.TargetAdvanceHours != 4.0 {
		t.Errorf("File value not applied: %f", cfg.Discovery.TargetAdvanceHours)
	}
	if cfg.Trading.DefaultBuyAmountUSDT != 250 {
		t.Errorf("File value not applied: %f", cfg.Trading.DefaultBuyAmountUSDT)
	}
	// Unset fields keep defaults
	if cfg.Discovery.PollCron != "*/5 * * * *" {
		t.Errorf("Default lost: %s", cfg.Discovery.PollCron)
	}
}

func TestLoadConfigExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_SNIPER_KEY", "expanded-key")
	content := `
mexc:
  api_key: "${TEST_SNIPER_KEY}"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Mexc.APIKey.Reveal() != "expanded-key" {
		t.Errorf("Env var not expanded: %q", cfg.Mexc.APIKey.Reveal())
	}
}

func TestEnvOverlay(t *testing.T) {
	t.Setenv("MEXC_API_KEY", "env-key")
	t.Setenv("MEXC_SECRET_KEY", "env-secret")
	t.Setenv("DATABASE_URL", "postgres://localhost/sniper")
	t.Setenv("VALKEY_URL", "valkey://localhost:6379")
	t.Setenv("TARGET_ADVANCE_HOURS", "5.5")
	t.Setenv("CALENDAR_POLL_CRON", "*/10 * * * *")
	t.Setenv("CACHE_TTL_CALENDAR", "45")
	t.Setenv("LOG_LEVEL", "WARN")
	t.Setenv("DEBUG", "true")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}

	if cfg.Mexc.APIKey.Reveal() != "env-key" || cfg.Mexc.SecretKey.Reveal() != "env-secret" {
		t.Error("Credentials not applied from environment")
	}
	if !cfg.MexcConfigured() {
		t.Error("MexcConfigured must be true with both credentials")
	}
	if cfg.Database.URL != "postgres://localhost/sniper" {
		t.Errorf("Database URL not applied: %s", cfg.Database.URL)
	}
	if cfg.CacheURL() != "valkey://localhost:6379" {
		t.Errorf("Cache URL not applied: %s", cfg.CacheURL())
	}
	if cfg.Discovery.TargetAdvanceHours != 5.5 {
		t.Errorf("Advance hours not applied: %f", cfg.Discovery.TargetAdvanceHours)
	}
	if cfg.Discovery.PollCron != "*/10 * * * *" {
		t.Errorf("Poll cron not applied: %s", cfg.Discovery.PollCron)
	}
	if cfg.Cache.TTLCalendar != 45 {
		t.Errorf("Cache TTL not applied: %d", cfg.Cache.TTLCalendar)
	}
	if cfg.System.LogLevel != "WARN" || !cfg.System.Debug {
		t.Errorf("System overlay not applied: %+v", cfg.System)
	}
}

func TestRedisURLPreferredOverValkey(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://a:6379")
	t.Setenv("VALKEY_URL", "valkey://b:6379")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CacheURL() != "redis://a:6379" {
		t.Errorf("Expected REDIS_URL to win, got %s", cfg.CacheURL())
	}
}

func TestParseReadyPattern(t *testing.T) {
	cases := []struct {
		input   string
		want    [3]int
		wantErr bool
	}{
		{"(2,2,4)", [3]int{2, 2, 4}, false},
		{"2,2,4", [3]int{2, 2, 4}, false},
		{" ( 1, 2, 3 ) ", [3]int{1, 2, 3}, false},
		{"(2,2)", [3]int{}, true},
		{"(a,b,c)", [3]int{}, true},
		{"", [3]int{}, true},
	}

	for _, tc := range cases {
		d := DiscoveryConfig{ReadyStatePattern: tc.input}
		got, err := d.ParseReadyPattern()
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseReadyPattern(%q) expected error", tc.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseReadyPattern(%q) failed: %v", tc.input, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseReadyPattern(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestValidationFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing base url", func(c *Config) { c.Mexc.BaseURL = "" }, "mexc.base_url"},
		{"non-http base url", func(c *Config) { c.Mexc.BaseURL = "ftp://x" }, "mexc.base_url"},
		{"bad pattern", func(c *Config) { c.Discovery.ReadyStatePattern = "nope" }, "ready_state_pattern"},
		{"zero advance", func(c *Config) { c.Discovery.TargetAdvanceHours = 0 }, "target_advance_hours"},
		{"zero poll interval", func(c *Config) { c.Discovery.PollIntervalSeconds = 0 }, "poll_interval"},
		{"zero recheck cap", func(c *Config) { c.Discovery.MaxRecheckAttempts = 0 }, "max_recheck_attempts"},
		{"zero buy amount", func(c *Config) { c.Trading.DefaultBuyAmountUSDT = 0 }, "default_buy_amount"},
		{"bad log level", func(c *Config) { c.System.LogLevel = "LOUD" }, "log_level"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Expected validation failure for %s", tc.name)
			}
		})
	}
}

func TestIsProduction(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.IsProduction() {
		t.Error("Default environment must not be production")
	}
	cfg.System.Environment = "Production"
	if !cfg.IsProduction() {
		t.Error("Case-insensitive production check failed")
	}
}

func TestStringRedactsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mexc.APIKey = "super-secret-key"
	cfg.System.EncryptionPassphrase = "hunter2"

	out := cfg.String()
	if strings.Contains(out, "super-secret-key") || strings.Contains(out, "hunter2") {
		t.Error("Secrets leaked into config dump")
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Error("Expected redaction marker in config dump")
	}
}
