package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete daemon configuration.
type Config struct {
	Store    StoreConfig    `json:"store" yaml:"store"`
	Monitor  MonitorConfig  `json:"monitor" yaml:"monitor"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Defaults DefaultsConfig `json:"defaults" yaml:"defaults"`
	Rule     RuleConfig     `json:"rule" yaml:"rule"`
	Accounts []SeedAccount  `json:"accounts,omitempty" yaml:"accounts,omitempty"`
}

type StoreConfig struct {
	Path string `json:"path" yaml:"path"`
}

type MonitorConfig struct {
	Interval string `json:"interval" yaml:"interval"` // e.g. "1s", "500ms"
	PriceTTL string `json:"price_ttl" yaml:"price_ttl"`
}

func (m MonitorConfig) ParseInterval() (time.Duration, error) {
	return time.ParseDuration(m.Interval)
}

func (m MonitorConfig) ParsePriceTTL() (time.Duration, error) {
	return time.ParseDuration(m.PriceTTL)
}

type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // websocket + metrics bind address
}

// DefaultsConfig seeds new sub-accounts.
type DefaultsConfig struct {
	MaintenanceRate float64 `json:"maintenance_rate" yaml:"maintenance_rate"`
	LiquidationMode string  `json:"liquidation_mode" yaml:"liquidation_mode"`
}

// RuleConfig is the global default risk rule, written to the store at boot.
type RuleConfig struct {
	MaxLeverage          float64 `json:"max_leverage" yaml:"max_leverage"`
	MaxNotionalPerTrade  float64 `json:"max_notional_per_trade" yaml:"max_notional_per_trade"`
	MaxTotalExposure     float64 `json:"max_total_exposure" yaml:"max_total_exposure"`
	LiquidationThreshold float64 `json:"liquidation_threshold" yaml:"liquidation_threshold"`
}

// SeedAccount creates a sub-account at boot if it does not exist yet.
type SeedAccount struct {
	ID              string  `json:"id" yaml:"id"`
	Balance         float64 `json:"balance" yaml:"balance"`
	MaintenanceRate float64 `json:"maintenance_rate,omitempty" yaml:"maintenance_rate,omitempty"`
	LiquidationMode string  `json:"liquidation_mode,omitempty" yaml:"liquidation_mode,omitempty"`
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if _, err := c.Monitor.ParseInterval(); err != nil {
		return fmt.Errorf("monitor.interval: %w", err)
	}
	if _, err := c.Monitor.ParsePriceTTL(); err != nil {
		return fmt.Errorf("monitor.price_ttl: %w", err)
	}
	if c.Defaults.MaintenanceRate <= 0 || c.Defaults.MaintenanceRate >= 1 {
		return fmt.Errorf("defaults.maintenance_rate must be in (0,1)")
	}
	switch c.Defaults.LiquidationMode {
	case "ADL_30", "INSTANT_CLOSE":
	default:
		return fmt.Errorf("defaults.liquidation_mode must be ADL_30 or INSTANT_CLOSE")
	}
	if t := c.Rule.LiquidationThreshold; t <= 0 || t >= 1 {
		return fmt.Errorf("rule.liquidation_threshold must be in (0,1)")
	}
	for i, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("accounts[%d].id is required", i)
		}
		if a.Balance <= 0 {
			return fmt.Errorf("accounts[%d].balance must be positive", i)
		}
	}
	return nil
}

// Default returns a configuration with the documented defaults.
func Default() *Config {
	return &Config{
		Store:   StoreConfig{Path: "./papertrader.db"},
		Monitor: MonitorConfig{Interval: "1s", PriceTTL: "3s"},
		Server:  ServerConfig{Addr: ":8089"},
		Defaults: DefaultsConfig{
			MaintenanceRate: 0.005,
			LiquidationMode: "ADL_30",
		},
		Rule: RuleConfig{
			MaxLeverage:          100,
			MaxNotionalPerTrade:  1_000_000,
			MaxTotalExposure:     5_000_000,
			LiquidationThreshold: 0.90,
		},
	}
}
