// Package config provides configuration management for the sync engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/svenkat/orderentry/internal/models"
)

const (
	// defaultRiskFactor is the share of account net value a strategy may
	// allocate when risk.risk_factor is unset.
	defaultRiskFactor = 0.75
	// defaultRetentionDays is how long imported orders are kept when
	// risk.order_retention_days is unset.
	defaultRetentionDays = 7
	// defaultTickInterval is used when schedule.tick_interval is unset.
	defaultTickInterval = time.Minute
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	MarketData  MarketDataConfig  `yaml:"marketdata"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Risk        RiskConfig        `yaml:"risk"`
	Storage     StorageConfig     `yaml:"storage"`
	Recommend   RecommendConfig   `yaml:"recommend"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Settings    []SettingConfig   `yaml:"settings"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode      string `yaml:"mode"`       // paper | live
	LogPrefix string `yaml:"log_prefix"` // prefix for the shared logger
}

// BrokerConfig defines the Client Portal gateway settings.
type BrokerConfig struct {
	GatewayURL string `yaml:"gateway_url"`
	Timeout    string `yaml:"timeout"`
}

// MarketDataConfig defines the market data vendor settings.
type MarketDataConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// BackfillDays is how much daily-bar history the backfill loop targets.
	BackfillDays int `yaml:"backfill_days"`
}

// ScheduleConfig defines the sync cadence.
type ScheduleConfig struct {
	TickInterval string `yaml:"tick_interval"`
	Timezone     string `yaml:"timezone"` // e.g., "America/New_York"
}

// RiskConfig defines balance allocation policy.
type RiskConfig struct {
	// RiskFactor scales account net value into the tradable balance.
	RiskFactor float64 `yaml:"risk_factor"`
	// CountInactiveInBalance includes not-actively-managed positions when
	// computing held balance.
	CountInactiveInBalance bool `yaml:"count_inactive_in_balance"`
	OrderRetentionDays     int  `yaml:"order_retention_days"`
}

// StorageConfig defines storage settings.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// RecommendConfig defines where watchlist exports are read from.
type RecommendConfig struct {
	ExportDir string `yaml:"export_dir"`
}

// DashboardConfig defines the status server settings.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// SettingConfig seeds one parse setting on first run.
type SettingConfig struct {
	Key       string  `yaml:"key"`
	Broker    string  `yaml:"broker"`
	AccountID string  `yaml:"account_id"`
	Balance   float64 `yaml:"balance"`
	Strategy  string  `yaml:"strategy"`
	Mode      string  `yaml:"mode"`
	ParseType string  `yaml:"parse_type"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
// Defaults are normalized before the checks run.
func (c *Config) Validate() error {
	c.normalize()

	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if _, err := time.ParseDuration(c.Broker.Timeout); c.Broker.Timeout != "" && err != nil {
		return fmt.Errorf("broker.timeout invalid: %w", err)
	}

	if c.MarketData.APIKey == "" {
		return fmt.Errorf("marketdata.api_key is required")
	}
	if c.MarketData.BackfillDays < 0 {
		return fmt.Errorf("marketdata.backfill_days must be >= 0")
	}

	if _, err := time.ParseDuration(c.Schedule.TickInterval); err != nil {
		return fmt.Errorf("schedule.tick_interval invalid: %w", err)
	}
	if tz := c.Schedule.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("schedule.timezone invalid: %w", err)
		}
	}

	if c.Risk.RiskFactor <= 0 || c.Risk.RiskFactor > 1 {
		return fmt.Errorf("risk.risk_factor must be in (0,1]")
	}
	if c.Risk.OrderRetentionDays <= 0 {
		return fmt.Errorf("risk.order_retention_days must be > 0")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Recommend.ExportDir == "" {
		return fmt.Errorf("recommend.export_dir is required")
	}

	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be in (0,65535]")
	}

	for i, s := range c.Settings {
		if _, err := s.ParseSetting(); err != nil {
			return fmt.Errorf("settings[%d]: %w", i, err)
		}
	}

	return nil
}

func (c *Config) normalize() {
	if c.Risk.RiskFactor == 0 {
		c.Risk.RiskFactor = defaultRiskFactor
	}
	if c.Risk.OrderRetentionDays == 0 {
		c.Risk.OrderRetentionDays = defaultRetentionDays
	}
	if c.Schedule.TickInterval == "" {
		c.Schedule.TickInterval = defaultTickInterval.String()
	}
}

// IsPaperTrading returns true if the engine is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// GetTickInterval returns the configured sync interval duration.
func (c *Config) GetTickInterval() time.Duration {
	d, err := time.ParseDuration(c.Schedule.TickInterval)
	if err != nil {
		return defaultTickInterval
	}
	return d
}

// GetBrokerTimeout returns the configured gateway request timeout.
func (c *Config) GetBrokerTimeout() time.Duration {
	d, err := time.ParseDuration(c.Broker.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// ParseSetting converts the seed entry into a domain parse setting.
func (s SettingConfig) ParseSetting() (models.ParseSetting, error) {
	var zero models.ParseSetting
	if s.Key == "" {
		return zero, fmt.Errorf("key is required")
	}
	if s.AccountID == "" {
		return zero, fmt.Errorf("account_id is required")
	}

	broker := models.BrokerKind(s.Broker)
	switch broker {
	case models.BrokerInteractiveBrokers, models.BrokerCharlesSchwab:
	default:
		return zero, fmt.Errorf("unknown broker %q", s.Broker)
	}

	strategy := models.Strategy(s.Strategy)
	switch strategy {
	case models.StrategyMainPullback, models.StrategyDoubleDown:
	default:
		return zero, fmt.Errorf("unknown strategy %q", s.Strategy)
	}

	mode := models.Mode(s.Mode)
	switch mode {
	case models.ModeStock, models.ModeOption, models.ModeLowPricedStock:
	default:
		return zero, fmt.Errorf("unknown mode %q", s.Mode)
	}

	parseType := models.ParseType(s.ParseType)
	if parseType == "" {
		parseType = models.ParseTypeWatchlist
	}
	switch parseType {
	case models.ParseTypeWatchlist, models.ParseTypeLive, models.ParseTypeTriggeredList:
	default:
		return zero, fmt.Errorf("unknown parse_type %q", s.ParseType)
	}

	return models.ParseSetting{
		Key:            s.Key,
		Broker:         broker,
		AccountID:      s.AccountID,
		AccountBalance: s.Balance,
		Strategy:       strategy,
		Mode:           mode,
		ParseType:      parseType,
		Active:         true,
	}, nil
}
