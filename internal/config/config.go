// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Mexc      MexcConfig      `yaml:"mexc"`
	Database  DatabaseConfig  `yaml:"database"`
	Cache     CacheConfig     `yaml:"cache"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Trading   TradingConfig   `yaml:"trading"`
	Notify    NotifyConfig    `yaml:"notify"`
	System    SystemConfig    `yaml:"system"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// MexcConfig contains exchange credentials and endpoint settings
type MexcConfig struct {
	APIKey          Secret `yaml:"api_key"`
	SecretKey       Secret `yaml:"secret_key"`
	BaseURL         string `yaml:"base_url"`
	CalendarPath    string `yaml:"calendar_path"`
	SymbolsV2Path   string `yaml:"symbols_v2_path"`
	RequestTimeout  int    `yaml:"request_timeout_seconds"`
	MinRequestSpace int    `yaml:"min_request_spacing_ms"`
}

// DatabaseConfig contains persistence settings
type DatabaseConfig struct {
	URL string `yaml:"url"` // sqlite path or postgres:// DSN
}

// CacheConfig contains the TTL cache settings
type CacheConfig struct {
	URL         string `yaml:"url"` // redis:// or valkey://, empty disables
	TTLSymbols  int    `yaml:"ttl_symbols_seconds"`
	TTLCalendar int    `yaml:"ttl_calendar_seconds"`
	TTLAccount  int    `yaml:"ttl_account_seconds"`
}

// DiscoveryConfig contains pattern discovery parameters
type DiscoveryConfig struct {
	ReadyStatePattern      string  `yaml:"ready_state_pattern"` // "(sts,st,tt)"
	TargetAdvanceHours     float64 `yaml:"target_advance_hours"`
	PollIntervalSeconds    int     `yaml:"calendar_poll_interval_seconds"`
	PollCron               string  `yaml:"calendar_poll_cron"`
	SymbolsPollSeconds     int     `yaml:"symbols_poll_interval_seconds"`
	SymbolsPollNearLaunch  int     `yaml:"symbols_poll_interval_seconds_near_launch"`
	MaxRecheckAttempts     int     `yaml:"max_recheck_attempts"`
	ErrorSleepSeconds      int     `yaml:"error_sleep_seconds"`
}

// TradingConfig contains snipe order parameters
type TradingConfig struct {
	DefaultBuyAmountUSDT float64 `yaml:"default_buy_amount_usdt"`
	MaxConcurrentSnipes  int     `yaml:"max_concurrent_snipes"`
}

// NotifyConfig contains operator notification channel settings. All channels
// are optional; an unset channel is skipped.
type NotifyConfig struct {
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel             string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	Environment          string `yaml:"environment"` // development | production
	Debug                bool   `yaml:"debug"`
	EncryptionPassphrase Secret `yaml:"encryption_passphrase"`
	AppName              string `yaml:"app_name"` // DBOS application name
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion, overlays recognized environment variables, and validates.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnvOverlay()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// LoadFromEnv builds a configuration purely from environment variables. Used
// when no config file is supplied.
func LoadFromEnv() (*Config, error) {
	config := DefaultConfig()
	config.applyEnvOverlay()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// applyEnvOverlay maps recognized environment variables over the loaded file
func (c *Config) applyEnvOverlay() {
	if v := os.Getenv("MEXC_API_KEY"); v != "" {
		c.Mexc.APIKey = Secret(v)
	}
	if v := os.Getenv("MEXC_SECRET_KEY"); v != "" {
		c.Mexc.SecretKey = Secret(v)
	}
	if v := os.Getenv("MEXC_BASE_URL"); v != "" {
		c.Mexc.BaseURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Cache.URL = v
	} else if v := os.Getenv("VALKEY_URL"); v != "" {
		c.Cache.URL = v
	}
	if v, ok := envInt("CACHE_TTL_SYMBOLS"); ok {
		c.Cache.TTLSymbols = v
	}
	if v, ok := envInt("CACHE_TTL_CALENDAR"); ok {
		c.Cache.TTLCalendar = v
	}
	if v, ok := envInt("CACHE_TTL_ACCOUNT"); ok {
		c.Cache.TTLAccount = v
	}
	if v := os.Getenv("READY_STATE_PATTERN"); v != "" {
		c.Discovery.ReadyStatePattern = v
	}
	if v, ok := envFloat("TARGET_ADVANCE_HOURS"); ok {
		c.Discovery.TargetAdvanceHours = v
	}
	if v, ok := envInt("CALENDAR_POLL_INTERVAL_SECONDS"); ok {
		c.Discovery.PollIntervalSeconds = v
	}
	if v := os.Getenv("CALENDAR_POLL_CRON"); v != "" {
		c.Discovery.PollCron = v
	}
	if v, ok := envInt("SYMBOLS_POLL_INTERVAL_SECONDS_DEFAULT"); ok {
		c.Discovery.SymbolsPollSeconds = v
	}
	if v, ok := envInt("SYMBOLS_POLL_INTERVAL_SECONDS_NEAR_LAUNCH"); ok {
		c.Discovery.SymbolsPollNearLaunch = v
	}
	if v, ok := envFloat("DEFAULT_BUY_AMOUNT_USDT"); ok {
		c.Trading.DefaultBuyAmountUSDT = v
	}
	if v, ok := envInt("MAX_CONCURRENT_SNIPES"); ok {
		c.Trading.MaxConcurrentSnipes = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Notify.TelegramBotToken = Secret(v)
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Notify.TelegramChatID = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		c.Notify.SlackWebhookURL = Secret(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.System.LogLevel = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		c.System.Environment = v
	}
	if v := os.Getenv("DEBUG"); v != "" {
		c.System.Debug = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("ENCRYPTION_PASSPHRASE"); v != "" {
		c.System.EncryptionPassphrase = Secret(v)
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateMexcConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateDiscoveryConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateTradingConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateMexcConfig() error {
	if c.Mexc.BaseURL == "" {
		return ValidationError{
			Field:   "mexc.base_url",
			Message: "base URL is required",
		}
	}
	if !strings.HasPrefix(c.Mexc.BaseURL, "http://") && !strings.HasPrefix(c.Mexc.BaseURL, "https://") {
		return ValidationError{
			Field:   "mexc.base_url",
			Value:   c.Mexc.BaseURL,
			Message: "must be an http(s) URL",
		}
	}
	return nil
}

func (c *Config) validateDiscoveryConfig() error {
	if _, err := c.Discovery.ParseReadyPattern(); err != nil {
		return ValidationError{
			Field:   "discovery.ready_state_pattern",
			Value:   c.Discovery.ReadyStatePattern,
			Message: err.Error(),
		}
	}
	if c.Discovery.TargetAdvanceHours <= 0 {
		return ValidationError{
			Field:   "discovery.target_advance_hours",
			Value:   c.Discovery.TargetAdvanceHours,
			Message: "advance notice must be positive",
		}
	}
	if c.Discovery.PollIntervalSeconds < 1 {
		return ValidationError{
			Field:   "discovery.calendar_poll_interval_seconds",
			Value:   c.Discovery.PollIntervalSeconds,
			Message: "poll interval must be at least 1 second",
		}
	}
	if c.Discovery.MaxRecheckAttempts < 1 {
		return ValidationError{
			Field:   "discovery.max_recheck_attempts",
			Value:   c.Discovery.MaxRecheckAttempts,
			Message: "recheck attempt cap must be at least 1",
		}
	}
	return nil
}

func (c *Config) validateTradingConfig() error {
	if c.Trading.DefaultBuyAmountUSDT <= 0 {
		return ValidationError{
			Field:   "trading.default_buy_amount_usdt",
			Value:   c.Trading.DefaultBuyAmountUSDT,
			Message: "buy amount must be positive",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// ParseReadyPattern parses "(2,2,4)" or "2,2,4" into the (sts, st, tt) triple
func (d *DiscoveryConfig) ParseReadyPattern() ([3]int, error) {
	var pattern [3]int
	s := strings.TrimSpace(d.ReadyStatePattern)
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return pattern, fmt.Errorf("expected three comma-separated values, got %d", len(parts))
	}
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return pattern, fmt.Errorf("invalid pattern component %q", p)
		}
		pattern[i] = v
	}
	return pattern, nil
}

// MexcConfigured reports whether both exchange credentials are present
func (c *Config) MexcConfigured() bool {
	return c.Mexc.APIKey != "" && c.Mexc.SecretKey != ""
}

// CacheURL returns the configured cache backend URL, empty when disabled
func (c *Config) CacheURL() string {
	return c.Cache.URL
}

// IsProduction reports whether the system runs in production mode
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.System.Environment, "production")
}

// String returns a string representation of the configuration. Secret fields
// redact themselves through the Secret type.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the configuration defaults
func DefaultConfig() *Config {
	return &Config{
		Mexc: MexcConfig{
			BaseURL:         "https://api.mexc.com",
			CalendarPath:    "/api/operation/new_coin_calendar",
			SymbolsV2Path:   "/api/platform/spot/market-v2/web/symbolsV2",
			RequestTimeout:  10,
			MinRequestSpace: 100,
		},
		Database: DatabaseConfig{
			URL: "mexc_sniper.db",
		},
		Cache: CacheConfig{
			TTLSymbols:  5,
			TTLCalendar: 30,
			TTLAccount:  60,
		},
		Discovery: DiscoveryConfig{
			ReadyStatePattern:     "(2,2,4)",
			TargetAdvanceHours:    3.5,
			PollIntervalSeconds:   300,
			PollCron:              "*/5 * * * *",
			SymbolsPollSeconds:    30,
			SymbolsPollNearLaunch: 5,
			MaxRecheckAttempts:    10,
			ErrorSleepSeconds:     60,
		},
		Trading: TradingConfig{
			DefaultBuyAmountUSDT: 100,
			MaxConcurrentSnipes:  3,
		},
		System: SystemConfig{
			LogLevel:    "INFO",
			Environment: "development",
			AppName:     "mexc-sniper",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: false,
		},
	}
}
