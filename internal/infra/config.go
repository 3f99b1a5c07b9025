package infra

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the bot. It is loaded once at startup,
// validated, and passed into constructors; there are no ambient globals to
// mutate at runtime.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Exchange struct {
		RestURL    string `yaml:"rest_url"`
		WSURL      string `yaml:"ws_url"`
		PrivateKey string `yaml:"private_key"` // prefer PACIFICA_PRIVATE_KEY env
	} `yaml:"exchange"`

	Trading struct {
		Symbol               string  `yaml:"symbol"`
		BuySpread            float64 `yaml:"buy_spread"`
		SellSpread           float64 `yaml:"sell_spread"`
		BalanceFraction      float64 `yaml:"balance_fraction"`
		PositionThresholdUSD float64 `yaml:"position_threshold_usd"`
		Leverage             int     `yaml:"leverage"`
		RefreshIntervalSec   int     `yaml:"refresh_interval_sec"`
		PriceChangeThreshold float64 `yaml:"price_change_threshold"`
		SignificantFillUSD   float64 `yaml:"significant_fill_usd"`
		UseDynamicSpreads    bool    `yaml:"use_dynamic_spreads"`
		UseTrendSignal       bool    `yaml:"use_trend_signal"`
	} `yaml:"trading"`

	Params struct {
		Dir                   string `yaml:"dir"`
		SpreadPollIntervalSec int    `yaml:"spread_poll_interval_sec"`
		TrendPollIntervalSec  int    `yaml:"trend_poll_interval_sec"`
		MaxAgeSec             int    `yaml:"max_age_sec"`
	} `yaml:"params"`

	Storage struct {
		JournalPath string `yaml:"journal_path"`
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the config file, applies environment variable
// overrides for secrets, and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// overrideWithEnv lets environment variables win over the config file.
// Secrets should never live in the file in the first place.
func overrideWithEnv(cfg *Config) {
	if cfg.Exchange.PrivateKey != "" {
		fmt.Println("WARNING: private key found in config file; prefer the PACIFICA_PRIVATE_KEY environment variable")
	}
	if key := os.Getenv("PACIFICA_PRIVATE_KEY"); key != "" {
		cfg.Exchange.PrivateKey = key
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Exchange.RestURL, "http://") && !strings.HasPrefix(c.Exchange.RestURL, "https://") {
		return fmt.Errorf("invalid REST URL: %q", c.Exchange.RestURL)
	}
	if !strings.HasPrefix(c.Exchange.WSURL, "ws://") && !strings.HasPrefix(c.Exchange.WSURL, "wss://") {
		return fmt.Errorf("invalid WS URL: %q", c.Exchange.WSURL)
	}
	if c.Exchange.PrivateKey == "" {
		return fmt.Errorf("private key is required (set PACIFICA_PRIVATE_KEY)")
	}
	if c.Trading.Symbol == "" {
		return fmt.Errorf("trading symbol is required")
	}
	if c.Trading.BuySpread <= 0 || c.Trading.SellSpread <= 0 {
		return fmt.Errorf("spreads must be positive")
	}
	if c.Trading.BalanceFraction <= 0 || c.Trading.BalanceFraction > 1 {
		return fmt.Errorf("balance_fraction must be in (0, 1]")
	}
	if c.Trading.PositionThresholdUSD <= 0 {
		return fmt.Errorf("position_threshold_usd must be positive")
	}
	if c.Trading.RefreshIntervalSec <= 0 {
		return fmt.Errorf("refresh_interval_sec must be positive")
	}
	if c.Trading.PriceChangeThreshold <= 0 {
		return fmt.Errorf("price_change_threshold must be positive")
	}
	return nil
}

// RefreshInterval returns the quote refresh interval as a duration.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Trading.RefreshIntervalSec) * time.Second
}

// MaxParamAge returns the freshness TTL for externally computed parameters.
func (c *Config) MaxParamAge() time.Duration {
	if c.Params.MaxAgeSec <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.Params.MaxAgeSec) * time.Second
}

// FallbackSpreads returns the static spreads used when dynamic parameters
// are stale or unavailable.
func (c *Config) FallbackSpreads() (buy, sell decimal.Decimal) {
	return decimal.NewFromFloat(c.Trading.BuySpread), decimal.NewFromFloat(c.Trading.SellSpread)
}

// PositionThreshold returns the inventory cap as a decimal notional.
func (c *Config) PositionThreshold() decimal.Decimal {
	return decimal.NewFromFloat(c.Trading.PositionThresholdUSD)
}

// SignificantNotional returns the partial-fill notional at which the engine
// treats the order as effectively filled. Defaults to the position
// threshold.
func (c *Config) SignificantNotional() decimal.Decimal {
	if c.Trading.SignificantFillUSD > 0 {
		return decimal.NewFromFloat(c.Trading.SignificantFillUSD)
	}
	return c.PositionThreshold()
}
