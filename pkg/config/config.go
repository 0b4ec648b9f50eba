// Package config holds environment-driven settings for the auto-trading core.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds process configuration parsed from the environment.
type Config struct {
	Port   string `env:"PORT" envDefault:"8080"`
	DBPath string `env:"DB_PATH" envDefault:"./data/autotrader.db"`

	JWTSecret     string `env:"JWT_SECRET" envDefault:"dev-secret"`
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogEncoding string `env:"LOG_ENCODING" envDefault:"console"`

	// Scheduler / detector cadence.
	ReconcileInterval   time.Duration `env:"RECONCILE_INTERVAL" envDefault:"30s"`
	SignalCheckInterval time.Duration `env:"SIGNAL_CHECK_INTERVAL" envDefault:"60s"`

	TradingDefaultsPath string `env:"TRADING_DEFAULTS_PATH" envDefault:"./trading_defaults.yaml"`
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// TradingDefaults are the per-deployment fallbacks applied to user settings
// that do not specify a value, plus the plan feature matrix.
type TradingDefaults struct {
	Interval      string  `yaml:"interval"`
	Amount        float64 `yaml:"amount"`
	Leverage      int     `yaml:"leverage"`
	TakeProfitPct float64 `yaml:"take_profit_pct"`
	StopLossPct   float64 `yaml:"stop_loss_pct"`

	// Plan name -> feature names enabled for that plan.
	Plans map[string][]string `yaml:"plans"`
}

// BuiltinDefaults mirrors the values the settings API applies when a field is absent.
func BuiltinDefaults() TradingDefaults {
	return TradingDefaults{
		Interval:      "15m",
		Amount:        10,
		Leverage:      10,
		TakeProfitPct: 5,
		StopLossPct:   2,
		Plans: map[string][]string{
			"free":    {},
			"starter": {"auto_trading"},
			"pro":     {"auto_trading", "futures_trading"},
		},
	}
}

// LoadTradingDefaults reads the YAML defaults file; a missing file yields the
// builtin defaults rather than an error.
func LoadTradingDefaults(path string) (TradingDefaults, error) {
	defaults := BuiltinDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaults, nil
		}
		return defaults, fmt.Errorf("read trading defaults: %w", err)
	}
	if err := yaml.Unmarshal(data, &defaults); err != nil {
		return defaults, fmt.Errorf("parse trading defaults: %w", err)
	}
	if defaults.Interval == "" {
		defaults.Interval = "15m"
	}
	if defaults.Leverage <= 0 {
		defaults.Leverage = 1
	}
	return defaults, nil
}
