// Package config loads and validates config.yaml for the trading agent.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config mirrors config.yaml. Defaults are applied before unmarshal so a
// minimal file only needs credentials, the REST base URL and paths.
type Config struct {
	Binance   BinanceConfig   `yaml:"binance"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Signals   SignalsConfig   `yaml:"signals"`
	Entry     EntryConfig     `yaml:"entry"`
	Exit      ExitConfig      `yaml:"exit"`
	Database  DatabaseConfig  `yaml:"database"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type BinanceConfig struct {
	APIKey    string `yaml:"api_key" json:"-"`
	APISecret string `yaml:"api_secret" json:"-"`
	BaseURL   string `yaml:"base_url" json:"base_url"`
}

type StrategyConfig struct {
	Mode             string  `yaml:"mode" json:"mode"`
	CapitalPerTrade  float64 `yaml:"capital_per_trade" json:"capital_per_trade"`
	MaxOpenTrades    int     `yaml:"max_open_trades" json:"max_open_trades"`
	TPPct            float64 `yaml:"tp_pct" json:"tp_pct"`
	SLPct            float64 `yaml:"sl_pct" json:"sl_pct"`
	TimeoutHours     float64 `yaml:"timeout_hours" json:"timeout_hours"`
	TopN             int     `yaml:"top_n" json:"top_n"`
	Leverage         int     `yaml:"leverage" json:"leverage"`
	MinMomentumPct   float64 `yaml:"min_momentum_pct" json:"min_momentum_pct"`
	MinVolRatio      float64 `yaml:"min_vol_ratio" json:"min_vol_ratio"`
	MinTradesRatio   float64 `yaml:"min_trades_ratio" json:"min_trades_ratio"`
	AllowedQuintiles []int   `yaml:"allowed_quintiles" json:"allowed_quintiles"`
	MaxTradesPerPair int     `yaml:"max_trades_per_pair" json:"max_trades_per_pair"`
}

type SignalsConfig struct {
	FilePath            string  `yaml:"file_path" json:"file_path"`
	PollIntervalSeconds float64 `yaml:"poll_interval_seconds" json:"poll_interval_seconds"`
	MaxSignalAgeMinutes float64 `yaml:"max_signal_age_minutes" json:"max_signal_age_minutes"`
}

type EntryConfig struct {
	OrderType            string  `yaml:"order_type" json:"order_type"`
	ChaseIntervalSeconds float64 `yaml:"chase_interval_seconds" json:"chase_interval_seconds"`
	ChaseTimeoutSeconds  float64 `yaml:"chase_timeout_seconds" json:"chase_timeout_seconds"`
	MaxChaseAttempts     int     `yaml:"max_chase_attempts" json:"max_chase_attempts"`
	MarketFallback       bool    `yaml:"market_fallback" json:"market_fallback"`
}

type ExitConfig struct {
	TimeoutOrderType      string  `yaml:"timeout_order_type" json:"timeout_order_type"`
	TimeoutChaseSeconds   float64 `yaml:"timeout_chase_seconds" json:"timeout_chase_seconds"`
	TimeoutMarketFallback bool    `yaml:"timeout_market_fallback" json:"timeout_market_fallback"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" json:"path"`
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port"`
}

type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

// Load reads the YAML file at path, applies defaults, lets the environment
// (optionally via .env) override the Binance credentials, and validates.
func Load(path string) (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.Binance.APIKey = v
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		cfg.Binance.APISecret = v
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Strategy: StrategyConfig{
			Mode:             "short",
			CapitalPerTrade:  10,
			MaxOpenTrades:    10,
			TPPct:            15,
			SLPct:            60,
			TimeoutHours:     24,
			TopN:             1,
			Leverage:         1,
			AllowedQuintiles: []int{1, 2, 3, 4, 5},
			MaxTradesPerPair: 1,
		},
		Signals: SignalsConfig{
			PollIntervalSeconds: 15,
			MaxSignalAgeMinutes: 10,
		},
		Entry: EntryConfig{
			OrderType:            "LIMIT_GTX",
			ChaseIntervalSeconds: 2,
			ChaseTimeoutSeconds:  30,
			MaxChaseAttempts:     3,
		},
		Exit: ExitConfig{
			TimeoutOrderType:      "LIMIT",
			TimeoutChaseSeconds:   30,
			TimeoutMarketFallback: true,
		},
		Dashboard: DashboardConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		Logging: LoggingConfig{Level: "INFO"},
	}
}

func (c *Config) validate() error {
	required := []struct {
		name    string
		missing bool
	}{
		{"binance.api_key", c.Binance.APIKey == ""},
		{"binance.api_secret", c.Binance.APISecret == ""},
		{"binance.base_url", c.Binance.BaseURL == ""},
		{"strategy.capital_per_trade", c.Strategy.CapitalPerTrade <= 0},
		{"strategy.max_open_trades", c.Strategy.MaxOpenTrades <= 0},
		{"strategy.tp_pct", c.Strategy.TPPct <= 0},
		{"strategy.sl_pct", c.Strategy.SLPct <= 0},
		{"signals.file_path", c.Signals.FilePath == ""},
		{"database.path", c.Database.Path == ""},
	}
	for _, r := range required {
		if r.missing {
			return fmt.Errorf("config: missing or invalid %s", r.name)
		}
	}
	return nil
}

// WSBaseURL derives the user-data stream endpoint from the REST base URL.
func (c *Config) WSBaseURL() string {
	if c.Binance.BaseURL == "https://fapi.binance.com" {
		return "wss://fstream.binance.com"
	}
	return "wss://stream.binancefuture.com"
}

// Public returns a copy of the config safe to expose on the dashboard:
// API credentials are redacted by the json:"-" tags on marshal, and
// blanked here for any other use.
func (c *Config) Public() Config {
	out := *c
	out.Binance.APIKey = ""
	out.Binance.APISecret = ""
	return out
}
