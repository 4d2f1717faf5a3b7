package config

import (
	"os"
	"path/filepath"
	"testing"
)

const minimalYAML = `binance:
  api_key: key
  api_secret: secret
  base_url: https://testnet.binancefuture.com
signals:
  file_path: signals.csv
database:
  path: data/trades.db
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Strategy.Mode != "short" {
		t.Fatalf("mode = %s", cfg.Strategy.Mode)
	}
	if cfg.Strategy.CapitalPerTrade != 10 || cfg.Strategy.MaxOpenTrades != 10 {
		t.Fatalf("strategy defaults wrong: %+v", cfg.Strategy)
	}
	if cfg.Strategy.TPPct != 15 || cfg.Strategy.SLPct != 60 {
		t.Fatalf("tp/sl defaults wrong: %+v", cfg.Strategy)
	}
	if cfg.Strategy.TimeoutHours != 24 || cfg.Strategy.MaxTradesPerPair != 1 {
		t.Fatalf("timeout defaults wrong: %+v", cfg.Strategy)
	}
	if len(cfg.Strategy.AllowedQuintiles) != 5 {
		t.Fatalf("quintile default wrong: %v", cfg.Strategy.AllowedQuintiles)
	}
	if cfg.Entry.ChaseTimeoutSeconds != 30 || cfg.Entry.MaxChaseAttempts != 3 {
		t.Fatalf("entry defaults wrong: %+v", cfg.Entry)
	}
	if cfg.Exit.TimeoutOrderType != "LIMIT" || !cfg.Exit.TimeoutMarketFallback {
		t.Fatalf("exit defaults wrong: %+v", cfg.Exit)
	}
	if cfg.Signals.PollIntervalSeconds != 15 || cfg.Signals.MaxSignalAgeMinutes != 10 {
		t.Fatalf("signal defaults wrong: %+v", cfg.Signals)
	}
}

func TestLoadRejectsMissingRequiredKeys(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no credentials", "signals:\n  file_path: s.csv\ndatabase:\n  path: t.db\n"},
		{"no signal file", "binance:\n  api_key: k\n  api_secret: s\n  base_url: u\ndatabase:\n  path: t.db\n"},
		{"no database", "binance:\n  api_key: k\n  api_secret: s\n  base_url: u\nsignals:\n  file_path: s.csv\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.yaml)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEnvironmentOverridesCredentials(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "env-key")
	t.Setenv("BINANCE_API_SECRET", "env-secret")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Binance.APIKey != "env-key" || cfg.Binance.APISecret != "env-secret" {
		t.Fatalf("env overrides not applied: %+v", cfg.Binance)
	}
}

func TestPublicRedactsCredentials(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	pub := cfg.Public()
	if pub.Binance.APIKey != "" || pub.Binance.APISecret != "" {
		t.Fatal("credentials leaked into public config")
	}
	if pub.Binance.BaseURL == "" {
		t.Fatal("base url must survive redaction")
	}
}

func TestWSBaseURL(t *testing.T) {
	cfg := &Config{Binance: BinanceConfig{BaseURL: "https://fapi.binance.com"}}
	if got := cfg.WSBaseURL(); got != "wss://fstream.binance.com" {
		t.Fatalf("production ws url = %s", got)
	}
	cfg.Binance.BaseURL = "https://testnet.binancefuture.com"
	if got := cfg.WSBaseURL(); got != "wss://stream.binancefuture.com" {
		t.Fatalf("testnet ws url = %s", got)
	}
}
