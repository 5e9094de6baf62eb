// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App     AppConfig     `yaml:"app"`
	Broker  BrokerConfig  `yaml:"broker"`
	Trading TradingConfig `yaml:"trading"`
	System  SystemConfig  `yaml:"system"`
	Alerts  AlertsConfig  `yaml:"alerts"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Mode         string `yaml:"mode"`          // live or paper
	Symbol       string `yaml:"symbol"`        // instrument to trade
	LadderFile   string `yaml:"ladder_file"`   // CSV of level,quantity rows
	DatabasePath string `yaml:"database_path"` // SQLite lot store
}

// BrokerConfig contains broker API credentials and endpoints
type BrokerConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	QuoteWS   string `yaml:"quote_ws"` // websocket quote stream URL
}

// TradingConfig contains the grid parameters
type TradingConfig struct {
	ProfitRatio      float64 `yaml:"profit_ratio"`       // sell target premium over purchase
	StepRatio        float64 `yaml:"step_ratio"`         // trigger multiplier between levels
	EntryBuffer      float64 `yaml:"entry_buffer"`       // marketable-limit buffer for level 0
	QueueDepth       int     `yaml:"queue_depth"`        // conditional buys kept working
	OrderWaitTimeout int     `yaml:"order_wait_timeout"` // seconds before cancel and requeue
	StatusPoll       int     `yaml:"status_poll"`        // seconds between safety-net sweeps
	PriceMaxStale    int     `yaml:"price_max_stale"`    // seconds before a quote is too old
	EventQueueSize   int     `yaml:"event_queue_size"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel    string `yaml:"log_level"`
	MetricsPort string `yaml:"metrics_port"`
}

// AlertsConfig contains notification channel settings
type AlertsConfig struct {
	SlackWebhookURL  string `yaml:"slack_webhook_url"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// ValidationError describes one invalid field
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
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

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateAppConfig(); err != nil {
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

func (c *Config) validateAppConfig() error {
	switch c.App.Mode {
	case "live", "paper":
	default:
		return ValidationError{Field: "app.mode", Value: c.App.Mode, Message: "must be 'live' or 'paper'"}
	}
	if c.App.Symbol == "" {
		return ValidationError{Field: "app.symbol", Value: c.App.Symbol, Message: "required"}
	}
	if c.App.LadderFile == "" {
		return ValidationError{Field: "app.ladder_file", Value: c.App.LadderFile, Message: "required"}
	}
	if c.App.DatabasePath == "" {
		return ValidationError{Field: "app.database_path", Value: c.App.DatabasePath, Message: "required"}
	}
	if c.App.Mode == "live" {
		if c.Broker.APIKey == "" || c.Broker.APISecret == "" {
			return ValidationError{Field: "broker.api_key", Value: "", Message: "credentials required in live mode"}
		}
	}
	return nil
}

func (c *Config) validateTradingConfig() error {
	t := c.Trading
	if t.ProfitRatio <= 0 || t.ProfitRatio >= 1 {
		return ValidationError{Field: "trading.profit_ratio", Value: t.ProfitRatio, Message: "must be in (0, 1)"}
	}
	if t.StepRatio <= 0 || t.StepRatio >= 1 {
		return ValidationError{Field: "trading.step_ratio", Value: t.StepRatio, Message: "must be in (0, 1)"}
	}
	if t.EntryBuffer < 0 || t.EntryBuffer >= 0.1 {
		return ValidationError{Field: "trading.entry_buffer", Value: t.EntryBuffer, Message: "must be in [0, 0.1)"}
	}
	if t.QueueDepth < 1 || t.QueueDepth > 20 {
		return ValidationError{Field: "trading.queue_depth", Value: t.QueueDepth, Message: "must be in [1, 20]"}
	}
	if t.OrderWaitTimeout < 1 || t.OrderWaitTimeout > 3600 {
		return ValidationError{Field: "trading.order_wait_timeout", Value: t.OrderWaitTimeout, Message: "must be in [1, 3600] seconds"}
	}
	if t.StatusPoll < 1 || t.StatusPoll > 300 {
		return ValidationError{Field: "trading.status_poll", Value: t.StatusPoll, Message: "must be in [1, 300] seconds"}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	switch c.System.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
	default:
		return ValidationError{Field: "system.log_level", Value: c.System.LogLevel, Message: "must be one of DEBUG INFO WARN ERROR FATAL"}
	}
	return nil
}

// String returns a loggable rendering with credentials masked
func (c *Config) String() string {
	return fmt.Sprintf("mode=%s symbol=%s ladder=%s db=%s api_key=%s profit=%.4f step=%.4f depth=%d",
		c.App.Mode, c.App.Symbol, c.App.LadderFile, c.App.DatabasePath,
		maskString(c.Broker.APIKey), c.Trading.ProfitRatio, c.Trading.StepRatio, c.Trading.QueueDepth)
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns the defaults a config file overrides
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Mode:         "paper",
			LadderFile:   "ladder.csv",
			DatabasePath: "gridbot.db",
		},
		Trading: TradingConfig{
			ProfitRatio:      0.01,
			StepRatio:        0.99,
			EntryBuffer:      0.0025,
			QueueDepth:       3,
			OrderWaitTimeout: 120,
			StatusPoll:       20,
			PriceMaxStale:    30,
			EventQueueSize:   256,
		},
		System: SystemConfig{
			LogLevel:    "INFO",
			MetricsPort: "8080",
		},
	}
}
