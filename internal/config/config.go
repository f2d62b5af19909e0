package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// SlippagePair holds per-leg slippage fractions parsed from "first,second".
// A single value applies to both legs.
type SlippagePair struct {
	Yes decimal.Decimal
	No  decimal.Decimal
}

type MarketsCfg struct {
	Symbols            []string `yaml:"symbols"`
	RefreshAdvanceSecs int      `yaml:"refresh_advance_secs"`
	GammaURL           string   `yaml:"gamma_url"`
}

type FeedCfg struct {
	WsURL        string `yaml:"ws_url"`
	StaleAfterMs int    `yaml:"stale_after_ms"`
	PingSecs     int    `yaml:"ping_secs"`
}

type ArbitrageCfg struct {
	MinProfitThreshold   float64 `yaml:"min_profit_threshold"`
	ExecutionSpread      float64 `yaml:"execution_spread"`
	MinYesPriceThreshold float64 `yaml:"min_yes_price_threshold"`
	StopBeforeEndMinutes int     `yaml:"stop_before_end_minutes"`
	MaxOrderSizeUSDC     float64 `yaml:"max_order_size_usdc"`
	MinOrderValueUSD     float64 `yaml:"min_order_value_usd"`
}

type RiskCfg struct {
	MaxExposureUSDC    float64 `yaml:"max_exposure_usdc"`
	ImbalanceThreshold float64 `yaml:"imbalance_threshold"`
}

type ExecutionCfg struct {
	OrderType         string `yaml:"order_type"`
	Slippage          string `yaml:"slippage"`
	GTDExpirationSecs int    `yaml:"gtd_expiration_secs"`
	FillPollMs        int    `yaml:"fill_poll_ms"`
	FillTimeoutSecs   int    `yaml:"fill_timeout_secs"`
}

type ClobCfg struct {
	Host          string `yaml:"host"`
	DataAPIURL    string `yaml:"data_api_url"`
	ApiKey        string `yaml:"api_key"`
	ApiSecret     string `yaml:"api_secret"`
	ApiPassphrase string `yaml:"api_passphrase"`
	SignatureType int    `yaml:"signature_type"`
}

type ChainCfg struct {
	RPCHTTP string `yaml:"rpc_http"`
}

type MergeCfg struct {
	IntervalMinutes int `yaml:"interval_minutes"`
}

type RecoveryCfg struct {
	Skip            bool `yaml:"skip"`
	MaxOrderAgeSecs int  `yaml:"max_order_age_secs"`
}

type RedisCfg struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Stream   string `yaml:"stream"`
}

type MetricsCfg struct {
	ListenAddr string `yaml:"listen_addr"`
}

type Config struct {
	DryRun bool `yaml:"dry_run"`

	Markets   MarketsCfg   `yaml:"markets"`
	Feed      FeedCfg      `yaml:"feed"`
	Arbitrage ArbitrageCfg `yaml:"arbitrage"`
	Risk      RiskCfg      `yaml:"risk"`
	Execution ExecutionCfg `yaml:"execution"`
	Clob      ClobCfg      `yaml:"clob"`
	Chain     ChainCfg     `yaml:"chain"`
	Merge     MergeCfg     `yaml:"merge"`
	Recovery  RecoveryCfg  `yaml:"recovery"`
	Redis     RedisCfg     `yaml:"redis"`
	Metrics   MetricsCfg   `yaml:"metrics"`

	// Secrets come from the environment, never from yaml.
	PrivateKey   string `yaml:"-"`
	ProxyAddress string `yaml:"-"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.applyDefaults()

	c.PrivateKey = strings.TrimSpace(os.Getenv("POLYMARKET_PRIVATE_KEY"))
	c.ProxyAddress = strings.TrimSpace(os.Getenv("POLYMARKET_PROXY_ADDRESS"))

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Markets.RefreshAdvanceSecs == 0 {
		c.Markets.RefreshAdvanceSecs = 10
	}
	if c.Markets.GammaURL == "" {
		c.Markets.GammaURL = "https://gamma-api.polymarket.com"
	}
	if c.Feed.WsURL == "" {
		c.Feed.WsURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	}
	if c.Feed.StaleAfterMs == 0 {
		c.Feed.StaleAfterMs = 10_000
	}
	if c.Feed.PingSecs == 0 {
		c.Feed.PingSecs = 10
	}
	if c.Arbitrage.ExecutionSpread == 0 {
		c.Arbitrage.ExecutionSpread = 0.01
	}
	if c.Arbitrage.MaxOrderSizeUSDC == 0 {
		c.Arbitrage.MaxOrderSizeUSDC = 100
	}
	if c.Arbitrage.MinOrderValueUSD == 0 {
		c.Arbitrage.MinOrderValueUSD = 1
	}
	if c.Risk.MaxExposureUSDC == 0 {
		c.Risk.MaxExposureUSDC = 1000
	}
	if c.Risk.ImbalanceThreshold == 0 {
		c.Risk.ImbalanceThreshold = 0.5
	}
	if c.Execution.OrderType == "" {
		c.Execution.OrderType = "FAK"
	}
	if c.Execution.GTDExpirationSecs == 0 {
		c.Execution.GTDExpirationSecs = 60
	}
	if c.Execution.FillPollMs == 0 {
		c.Execution.FillPollMs = 500
	}
	if c.Execution.FillTimeoutSecs == 0 {
		c.Execution.FillTimeoutSecs = 30
	}
	if c.Clob.Host == "" {
		c.Clob.Host = "https://clob.polymarket.com"
	}
	if c.Clob.DataAPIURL == "" {
		c.Clob.DataAPIURL = "https://data-api.polymarket.com"
	}
	if c.Recovery.MaxOrderAgeSecs == 0 {
		c.Recovery.MaxOrderAgeSecs = 3600
	}
	if c.Redis.Stream == "" {
		c.Redis.Stream = "arb:events"
	}
}

func (c *Config) Validate() error {
	if len(c.Markets.Symbols) == 0 {
		return fmt.Errorf("markets.symbols must list at least one symbol")
	}
	switch c.Execution.OrderType {
	case "GTC", "GTD", "FOK", "FAK":
	default:
		return fmt.Errorf("execution.order_type must be one of GTC/GTD/FOK/FAK, got %q", c.Execution.OrderType)
	}
	if _, err := c.SlippagePair(); err != nil {
		return err
	}
	if !c.DryRun && c.PrivateKey == "" {
		return fmt.Errorf("POLYMARKET_PRIVATE_KEY required unless dry_run is set")
	}
	if c.Merge.IntervalMinutes > 0 && !c.DryRun && c.ProxyAddress == "" {
		return fmt.Errorf("merge.interval_minutes > 0 requires POLYMARKET_PROXY_ADDRESS")
	}
	return nil
}

// SlippagePair parses execution.slippage: "0.01,0.02" applies 1% to the YES
// leg and 2% to the NO leg; a single value applies to both; empty means zero.
func (c *Config) SlippagePair() (SlippagePair, error) {
	raw := strings.TrimSpace(c.Execution.Slippage)
	if raw == "" {
		return SlippagePair{Yes: decimal.Zero, No: decimal.Zero}, nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) > 2 {
		return SlippagePair{}, fmt.Errorf("execution.slippage must be \"v\" or \"first,second\", got %q", raw)
	}
	first, err := decimal.NewFromString(strings.TrimSpace(parts[0]))
	if err != nil {
		return SlippagePair{}, fmt.Errorf("execution.slippage: %w", err)
	}
	second := first
	if len(parts) == 2 {
		second, err = decimal.NewFromString(strings.TrimSpace(parts[1]))
		if err != nil {
			return SlippagePair{}, fmt.Errorf("execution.slippage: %w", err)
		}
	}
	if first.IsNegative() || second.IsNegative() {
		return SlippagePair{}, fmt.Errorf("execution.slippage must be >= 0")
	}
	return SlippagePair{Yes: first, No: second}, nil
}

func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Feed.StaleAfterMs) * time.Millisecond
}

func (c *Config) RefreshAdvance() time.Duration {
	return time.Duration(c.Markets.RefreshAdvanceSecs) * time.Second
}

func (c *Config) FillPoll() time.Duration {
	return time.Duration(c.Execution.FillPollMs) * time.Millisecond
}

func (c *Config) FillTimeout() time.Duration {
	return time.Duration(c.Execution.FillTimeoutSecs) * time.Second
}

func (c *Config) GTDExpiration() time.Duration {
	return time.Duration(c.Execution.GTDExpirationSecs) * time.Second
}

func (c *Config) MergeInterval() time.Duration {
	return time.Duration(c.Merge.IntervalMinutes) * time.Minute
}

func (c *Config) MaxOrderAge() time.Duration {
	return time.Duration(c.Recovery.MaxOrderAgeSecs) * time.Second
}
