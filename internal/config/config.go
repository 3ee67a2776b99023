// Package config handles application configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines the structure for all application configuration.
// Numeric intervals are seconds unless the field name says otherwise;
// duration accessors are provided for the ones timers consume.
type Config struct {
	APIKey            string   `yaml:"api_key"`
	APISecret         string   `yaml:"api_secret"`
	DiscordWebhookURL string   `yaml:"discord_webhook_url"`
	DiscordBotToken   string   `yaml:"discord_bot_token"`
	DiscordAdminIDs   []string `yaml:"discord_admin_ids"`

	SpreadThreshold              float64  `yaml:"spread_threshold"`
	JitterSeconds                int      `yaml:"jitter_seconds"`
	EntryOrderRetryInterval      int      `yaml:"entry_order_retry_interval"`
	MaxEntryOrderAttempts        int      `yaml:"max_entry_order_attempts"`
	ExitOrderRetryInterval       int      `yaml:"exit_order_retry_interval"`
	MaxExitOrderAttempts         int      `yaml:"max_exit_order_attempts"`
	StopLossPips                 float64  `yaml:"stop_loss_pips"`
	TakeProfitPips               float64  `yaml:"take_profit_pips"`
	PositionCheckInterval        int      `yaml:"position_check_interval"`
	PositionCheckIntervalMinutes int      `yaml:"position_check_interval_minutes"`
	Leverage                     float64  `yaml:"leverage"`
	RiskRatio                    float64  `yaml:"risk_ratio"`
	Autolot                      FlexBool `yaml:"autolot"`
	AutoRestartHour              *int     `yaml:"auto_restart_hour"`
	SymbolDailyVolumeLimit       int64    `yaml:"symbol_daily_volume_limit"`

	LogLevel      string `yaml:"log_level"`
	LogDir        string `yaml:"log_dir"`
	TradePlanPath string `yaml:"trade_plan_path"`
	ResultsDir    string `yaml:"results_dir"`
	BackupDir     string `yaml:"backup_dir"`
}

// defaults mirrors the values a fresh installation starts with.
func defaults() *Config {
	return &Config{
		SpreadThreshold:              0.01,
		JitterSeconds:                3,
		EntryOrderRetryInterval:      5,
		MaxEntryOrderAttempts:        3,
		ExitOrderRetryInterval:       10,
		MaxExitOrderAttempts:         3,
		PositionCheckInterval:        5,
		PositionCheckIntervalMinutes: 10,
		Leverage:                     10,
		RiskRatio:                    1.0,
		Autolot:                      true,
		SymbolDailyVolumeLimit:       15_000_000,
		LogLevel:                     "info",
		LogDir:                       "logs",
		TradePlanPath:                "trades.csv",
		ResultsDir:                   "daily_results",
		BackupDir:                    "backups",
	}
}

// LoadConfig loads configuration from the specified YAML file path and
// environment variables, then validates it. Validation failures come
// back as one error naming every offending field.
func LoadConfig(configPath string) (*Config, error) {
	cfg := defaults()

	file, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(file, cfg); err != nil {
		return nil, err
	}

	// Secrets may live in the environment instead of the file.
	if apiKey := os.Getenv("GMO_API_KEY"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	if apiSecret := os.Getenv("GMO_API_SECRET"); apiSecret != "" {
		cfg.APISecret = apiSecret
	}
	if webhook := os.Getenv("DISCORD_WEBHOOK_GMO"); webhook != "" {
		cfg.DiscordWebhookURL = webhook
	}
	if token := os.Getenv("DISCORD_BOT_TOKEN"); token != "" {
		cfg.DiscordBotToken = token
	}
	if admins := os.Getenv("DISCORD_ADMIN_IDS"); admins != "" {
		cfg.DiscordAdminIDs = strings.Split(admins, ",")
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid configuration:\n  - %s", strings.Join(msgs, "\n  - "))
	}
	return cfg, nil
}

// Validate checks every field against its declared range and returns
// the full list of violations rather than stopping at the first.
func (c *Config) Validate() []error {
	var errs []error

	for _, required := range []struct {
		name, value string
	}{
		{"api_key", c.APIKey},
		{"api_secret", c.APISecret},
		{"discord_webhook_url", c.DiscordWebhookURL},
	} {
		if required.value == "" {
			errs = append(errs, fmt.Errorf("required field %q is not set", required.name))
		}
	}

	type numRange struct {
		name     string
		value    float64
		min, max float64
	}
	for _, r := range []numRange{
		{"spread_threshold", c.SpreadThreshold, 0.001, 1.0},
		{"jitter_seconds", float64(c.JitterSeconds), 0, 60},
		{"entry_order_retry_interval", float64(c.EntryOrderRetryInterval), 1, 60},
		{"max_entry_order_attempts", float64(c.MaxEntryOrderAttempts), 1, 10},
		{"exit_order_retry_interval", float64(c.ExitOrderRetryInterval), 1, 60},
		{"max_exit_order_attempts", float64(c.MaxExitOrderAttempts), 1, 10},
		{"stop_loss_pips", c.StopLossPips, 0, 1000},
		{"take_profit_pips", c.TakeProfitPips, 0, 1000},
		{"position_check_interval", float64(c.PositionCheckInterval), 1, 60},
		{"position_check_interval_minutes", float64(c.PositionCheckIntervalMinutes), 1, 99},
		{"leverage", c.Leverage, 1, 100},
		{"risk_ratio", c.RiskRatio, 0.1, 1.0},
	} {
		if r.value < r.min || r.value > r.max {
			errs = append(errs, fmt.Errorf("%q value %v is out of range [%v, %v]", r.name, r.value, r.min, r.max))
		}
	}

	if c.AutoRestartHour != nil {
		if h := *c.AutoRestartHour; h < 0 || h > 24 {
			errs = append(errs, fmt.Errorf("%q value %d is out of range [0, 24]", "auto_restart_hour", h))
		}
	}
	if c.SymbolDailyVolumeLimit <= 0 {
		errs = append(errs, fmt.Errorf("%q must be positive, got %d", "symbol_daily_volume_limit", c.SymbolDailyVolumeLimit))
	}
	return errs
}

// Duration accessors for the timer-driven components.

func (c *Config) EntryRetryInterval() time.Duration {
	return time.Duration(c.EntryOrderRetryInterval) * time.Second
}

func (c *Config) ExitRetryInterval() time.Duration {
	return time.Duration(c.ExitOrderRetryInterval) * time.Second
}

func (c *Config) Jitter() time.Duration {
	return time.Duration(c.JitterSeconds) * time.Second
}

func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.PositionCheckInterval) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.PositionCheckIntervalMinutes) * time.Minute
}
