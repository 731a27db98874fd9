// internal/service/config.go
package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 止损模式与作用域
const (
	StopLossModeUSDT    = "usdt"
	StopLossModePercent = "percent"
	StopLossModeBoth    = "both"

	StopLossScopePerTrade      = "per_trade"
	StopLossScopeCumulative    = "cumulative"
	StopLossScopeEntireAccount = "entire_account"
)

// 允许开仓的方向
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
	SideBoth = "BOTH"
)

// Config 全局配置
type Config struct {
	Log       LogConfig                 `mapstructure:"log" yaml:"log"`
	Exchange  ExchangeConfig            `mapstructure:"exchange" yaml:"exchange"`
	Trading   TradingConfig             `mapstructure:"trading" yaml:"trading"`
	StopLoss  StopLossConfig            `mapstructure:"stop_loss" yaml:"stop_loss"`
	Guard     GuardConfig               `mapstructure:"guard" yaml:"guard"`
	Sizing    SizingConfig              `mapstructure:"sizing" yaml:"sizing"`
	Retry     RetryConfig               `mapstructure:"retry" yaml:"retry"`
	Outage    OutageConfig              `mapstructure:"outage" yaml:"outage"`
	Reconcile ReconcileConfig           `mapstructure:"reconcile" yaml:"reconcile"`
	Journal   JournalConfig             `mapstructure:"journal" yaml:"journal"`
	Metrics   MetricsConfig             `mapstructure:"metrics" yaml:"metrics"`
	Instances map[string]InstanceConfig `mapstructure:"instances" yaml:"instances"`
}

// ExchangeConfig 定义了交易所的连接信息
type ExchangeConfig struct {
	Name      string      `mapstructure:"name" yaml:"name"` // binance | paper
	APIKey    string      `mapstructure:"api_key" yaml:"api_key"`
	SecretKey string      `mapstructure:"secret_key" yaml:"secret_key"`
	Testnet   bool        `mapstructure:"testnet" yaml:"testnet"`
	WSURL     string      `mapstructure:"ws_url" yaml:"ws_url"`
	Stream    bool        `mapstructure:"stream" yaml:"stream"` // 使用 WS K 线而不是 REST 轮询
	Paper     PaperConfig `mapstructure:"paper" yaml:"paper"`
}

// PaperConfig 模拟盘参数
type PaperConfig struct {
	InitialCapital float64 `mapstructure:"initial_capital" yaml:"initial_capital"`
	FeeRate        float64 `mapstructure:"fee_rate" yaml:"fee_rate"`
	StepSize       float64 `mapstructure:"step_size" yaml:"step_size"`
	MinQty         float64 `mapstructure:"min_qty" yaml:"min_qty"`
	MinNotional    float64 `mapstructure:"min_notional" yaml:"min_notional"`
}

// TradingConfig 交易行为参数
type TradingConfig struct {
	AllocationPct float64       `mapstructure:"allocation_pct" yaml:"allocation_pct"`
	Leverage      int           `mapstructure:"leverage" yaml:"leverage"`
	HedgeMode     bool          `mapstructure:"hedge_mode" yaml:"hedge_mode"`
	FlipOnClose   bool          `mapstructure:"flip_on_close" yaml:"flip_on_close"`
	SlotExclusive bool          `mapstructure:"slot_exclusive" yaml:"slot_exclusive"`
	Side          string        `mapstructure:"side" yaml:"side"`
	Lookback      int           `mapstructure:"lookback" yaml:"lookback"`
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	UseLiveValues bool          `mapstructure:"use_live_values" yaml:"use_live_values"`

	FlipCooldownSeconds    float64 `mapstructure:"flip_cooldown_seconds" yaml:"flip_cooldown_seconds"`
	FlipCooldownBars       int     `mapstructure:"flip_cooldown_bars" yaml:"flip_cooldown_bars"`
	ReentryCooldownSeconds float64 `mapstructure:"reentry_cooldown_seconds" yaml:"reentry_cooldown_seconds"`
	ReentryCooldownBars    int     `mapstructure:"reentry_cooldown_bars" yaml:"reentry_cooldown_bars"`
	MinPositionHoldSeconds float64 `mapstructure:"min_position_hold_seconds" yaml:"min_position_hold_seconds"`
	MinPositionHoldBars    int     `mapstructure:"min_position_hold_bars" yaml:"min_position_hold_bars"`

	MaxConcurrentCycles int           `mapstructure:"max_concurrent_cycles" yaml:"max_concurrent_cycles"`
	StopJoinTimeout     time.Duration `mapstructure:"stop_join_timeout" yaml:"stop_join_timeout"`
}

// StopLossConfig 止损配置
type StopLossConfig struct {
	Enabled bool    `mapstructure:"enabled" yaml:"enabled"`
	Mode    string  `mapstructure:"mode" yaml:"mode"`
	USDT    float64 `mapstructure:"usdt" yaml:"usdt"`
	Percent float64 `mapstructure:"percent" yaml:"percent"`
	Scope   string  `mapstructure:"scope" yaml:"scope"`
}

// GuardConfig 防重复下单参数
type GuardConfig struct {
	MinWindow        time.Duration `mapstructure:"min_window" yaml:"min_window"`
	WindowFactor     float64       `mapstructure:"window_factor" yaml:"window_factor"`
	MinSubmitSpacing time.Duration `mapstructure:"min_submit_spacing" yaml:"min_submit_spacing"`
}

// SizingConfig 仓位计算参数
type SizingConfig struct {
	TolerancePct       float64 `mapstructure:"tolerance_pct" yaml:"tolerance_pct"`
	MaxAutoBumpPercent float64 `mapstructure:"max_auto_bump_percent" yaml:"max_auto_bump_percent"`
}

// RetryConfig 下单重试
type RetryConfig struct {
	Attempts    int           `mapstructure:"attempts" yaml:"attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff" yaml:"base_backoff"`
}

// OutageConfig 断网退避
type OutageConfig struct {
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	Factor         float64       `mapstructure:"factor" yaml:"factor"`
}

// ReconcileConfig 对账参数
type ReconcileConfig struct {
	MissThreshold  int           `mapstructure:"miss_threshold" yaml:"miss_threshold"`
	MinMissSpacing time.Duration `mapstructure:"min_miss_spacing" yaml:"min_miss_spacing"`
}

// JournalConfig 交易流水落库
type JournalConfig struct {
	Driver   string         `mapstructure:"driver" yaml:"driver"` // "" | sqlite | postgres
	Path     string         `mapstructure:"path" yaml:"path"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// PostgresConfig gorm/postgres 连接参数
type PostgresConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	DBName   string `mapstructure:"dbname" yaml:"dbname"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// MetricsConfig prometheus 暴露地址
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// InstanceConfig 单个交易对实例
type InstanceConfig struct {
	Symbol        string                    `mapstructure:"symbol" yaml:"symbol"`
	Intervals     []string                  `mapstructure:"intervals" yaml:"intervals"`
	Leverage      int                       `mapstructure:"leverage" yaml:"leverage,omitempty"`
	AllocationPct float64                   `mapstructure:"allocation_pct" yaml:"allocation_pct,omitempty"`
	Indicators    map[string]map[string]any `mapstructure:"indicators" yaml:"indicators"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		Exchange: ExchangeConfig{
			Name:  "paper",
			WSURL: "wss://fstream.binance.com",
			Paper: PaperConfig{
				InitialCapital: 1000,
				FeeRate:        0.0004,
				StepSize:       0.001,
				MinQty:         0.001,
				MinNotional:    5,
			},
		},
		Trading: TradingConfig{
			AllocationPct:          2.0,
			Leverage:               5,
			HedgeMode:              true,
			FlipOnClose:            true,
			SlotExclusive:          true,
			Side:                   SideBoth,
			Lookback:               200,
			FlipCooldownBars:       1,
			ReentryCooldownBars:    1,
			MinPositionHoldSeconds: 12,
			StopJoinTimeout:        10 * time.Second,
		},
		StopLoss: StopLossConfig{
			Mode:  StopLossModeUSDT,
			Scope: StopLossScopePerTrade,
		},
		Guard: GuardConfig{
			MinWindow:        8 * time.Second,
			WindowFactor:     1.5,
			MinSubmitSpacing: 350 * time.Millisecond,
		},
		Sizing:    SizingConfig{TolerancePct: 5, MaxAutoBumpPercent: 5},
		Retry:     RetryConfig{Attempts: 3, BaseBackoff: 500 * time.Millisecond},
		Outage:    OutageConfig{InitialBackoff: 5 * time.Second, MaxBackoff: 90 * time.Second, Factor: 1.5},
		Reconcile: ReconcileConfig{MissThreshold: 2, MinMissSpacing: time.Second},
		Journal:   JournalConfig{Driver: "sqlite", Path: "trades.db"},
		Instances: map[string]InstanceConfig{
			"btc": {
				Symbol:    "BTCUSDT",
				Intervals: []string{"1m", "5m"},
				Indicators: map[string]map[string]any{
					"rsi": {"enabled": true, "length": 14, "buy_value": 30, "sell_value": 70},
				},
			},
		},
	}
}

// LoadConfig 读取并解析配置文件
// configPath 目录下的 .env 会先被加载，用于注入 API Key
func LoadConfig(configPath string) (*Config, error) {
	envFile := filepath.Join(configPath, ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	v := viper.New()
	// 设置配置文件的名称、类型和路径
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{"exchange.api_key", "exchange.secret_key", "exchange.name", "journal.postgres.password"} {
		_ = v.BindEnv(key)
	}

	// 查找并读取配置文件
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file not found in %s: %w", configPath, err)
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// 在默认值之上覆盖，未出现的键保持默认
	cfg := DefaultConfig()
	cfg.Instances = nil
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验静态配置，构造阶段直接失败
func (c *Config) Validate() error {
	var errs []error

	t := c.Trading
	if t.AllocationPct <= 0 || t.AllocationPct > 100 {
		errs = append(errs, fmt.Errorf("trading.allocation_pct must be in (0,100], got %v", t.AllocationPct))
	}
	if t.Leverage < 1 {
		errs = append(errs, fmt.Errorf("trading.leverage must be >= 1, got %d", t.Leverage))
	}
	switch strings.ToUpper(t.Side) {
	case SideBuy, SideSell, SideBoth:
	default:
		errs = append(errs, fmt.Errorf("trading.side must be BUY, SELL or BOTH, got %q", t.Side))
	}
	if t.Lookback < 2 {
		errs = append(errs, fmt.Errorf("trading.lookback must be >= 2, got %d", t.Lookback))
	}

	if c.Guard.WindowFactor <= 0 {
		errs = append(errs, errors.New("guard.window_factor must be > 0"))
	}
	if c.Retry.Attempts < 1 {
		errs = append(errs, errors.New("retry.attempts must be >= 1"))
	}
	if c.Outage.InitialBackoff <= 0 || c.Outage.MaxBackoff < c.Outage.InitialBackoff || c.Outage.Factor < 1 {
		errs = append(errs, errors.New("outage backoff must satisfy 0 < initial <= max and factor >= 1"))
	}
	if c.Reconcile.MissThreshold < 1 {
		errs = append(errs, errors.New("reconcile.miss_threshold must be >= 1"))
	}

	switch c.Exchange.Name {
	case "paper":
	case "binance":
		if c.Exchange.APIKey == "" || c.Exchange.SecretKey == "" {
			errs = append(errs, errors.New("exchange.api_key and exchange.secret_key are required for binance"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported exchange %q", c.Exchange.Name))
	}

	if len(c.Instances) == 0 {
		errs = append(errs, errors.New("at least one instance is required"))
	}
	for name, inst := range c.Instances {
		if inst.Symbol == "" {
			errs = append(errs, fmt.Errorf("instance %s: symbol is required", name))
		}
		if len(inst.Intervals) == 0 {
			errs = append(errs, fmt.Errorf("instance %s: at least one interval is required", name))
		}
		for _, iv := range inst.Intervals {
			if _, err := ParseIntervalDuration(iv); err != nil {
				errs = append(errs, fmt.Errorf("instance %s: %w", name, err))
			}
		}
		if inst.Leverage < 0 {
			errs = append(errs, fmt.Errorf("instance %s: leverage must be >= 0", name))
		}
		if inst.AllocationPct < 0 || inst.AllocationPct > 100 {
			errs = append(errs, fmt.Errorf("instance %s: allocation_pct must be in [0,100]", name))
		}
	}

	return errors.Join(errs...)
}

// EffectiveLeverage 实例覆盖优先
func (c *Config) EffectiveLeverage(inst InstanceConfig) int {
	if inst.Leverage > 0 {
		return inst.Leverage
	}
	return c.Trading.Leverage
}

// EffectiveAllocation 返回 (0,1] 的分配比例
func (c *Config) EffectiveAllocation(inst InstanceConfig) float64 {
	pct := c.Trading.AllocationPct
	if inst.AllocationPct > 0 {
		pct = inst.AllocationPct
	}
	return pct / 100
}
