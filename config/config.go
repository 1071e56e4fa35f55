package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// 默认配置文件路径（base + local 覆盖）
var (
	DefaultBaseConfig  = "config/config.yaml"
	DefaultLocalConfig = "config/config.local.yaml"
)

// 合法的组合模式
const (
	ModeWeighted  = "weighted"
	ModeVote      = "vote"
	ModeUnanimous = "unanimous"
	ModePriority  = "priority"
)

// 回测资金模式
const (
	BacktestPerSymbol = "per-symbol"
	BacktestPortfolio = "portfolio"
)

// 已知策略名
const (
	StrategyMA  = "ma"
	StrategyRSI = "rsi"
)

// RiskConfig 风控限制（单次运行内不可变）
type RiskConfig struct {
	MaxPositionPct          float64 `yaml:"max_position_pct" json:"max_position_pct"`                     // 单标的最大资金占比
	StopLossPct             float64 `yaml:"stop_loss_pct" json:"stop_loss_pct"`                           // 止损比例（如 0.08 表示 8%）
	SymbolDailyLossPct      float64 `yaml:"symbol_daily_loss_pct" json:"symbol_daily_loss_pct"`           // 单标的日亏损上限（占权益比例）
	AccountDailyDrawdownPct float64 `yaml:"account_daily_drawdown_pct" json:"account_daily_drawdown_pct"` // 账户日回撤上限
	MaxOpenPositions        int     `yaml:"max_open_positions" json:"max_open_positions"`
	MaxConsecutiveLosses    int     `yaml:"max_consecutive_losses" json:"max_consecutive_losses"`
	MinOrderNotional        float64 `yaml:"min_order_notional" json:"min_order_notional"`       // 实盘最小下单金额
	VolatilityRiskPct       float64 `yaml:"volatility_risk_pct" json:"volatility_risk_pct"`     // 波动率仓位，0 表示关闭
	ATRWindow               int     `yaml:"atr_window" json:"atr_window"`
}

// StrategyConfig 行情与循环参数
type StrategyConfig struct {
	ShortWindow         int    `yaml:"short_window"`
	LongWindow          int    `yaml:"long_window"`
	BarSize             string `yaml:"bar_size"`
	Duration            string `yaml:"duration"`
	LoopIntervalSeconds int    `yaml:"loop_interval_seconds"`
}

// RSIConfig RSI 参数
type RSIConfig struct {
	Window     int     `yaml:"window"`
	Oversold   float64 `yaml:"oversold"`
	Overbought float64 `yaml:"overbought"`
}

// MAConfig 均线信号参数
type MAConfig struct {
	SignalMode          string  `yaml:"signal_mode"`           // separation / crossover
	FullScaleSeparation float64 `yaml:"full_scale_separation"` // 快慢线相对差达到此值时得分为 ±1
}

// StrategyComboConfig 多策略组合
type StrategyComboConfig struct {
	EnabledStrategies []string           `yaml:"enabled_strategies"`
	CombinationMode   string             `yaml:"combination_mode"`
	DecisionThreshold float64            `yaml:"decision_threshold"`
	Weights           map[string]float64 `yaml:"weights"`
	RSI               RSIConfig          `yaml:"rsi"`
	MA                MAConfig           `yaml:"ma"`
}

// Weight 返回策略权重，未配置时为 1.0
func (c StrategyComboConfig) Weight(name string) float64 {
	if w, ok := c.Weights[name]; ok {
		return w
	}
	return 1.0
}

// ScenarioConfig 回测场景（K线粒度 + 回看长度）
type ScenarioConfig struct {
	Name     string `yaml:"name"`
	BarSize  string `yaml:"bar_size"`
	Duration string `yaml:"duration"`
}

// BacktestConfig 回测执行参数
type BacktestConfig struct {
	Mode               string           `yaml:"mode"`
	SlippageBps        float64          `yaml:"slippage_bps"`
	CommissionPerOrder float64          `yaml:"commission_per_order"`
	MinOrderNotional   float64          `yaml:"min_order_notional"`
	InitialCapital     float64          `yaml:"initial_capital"`
	OutputDir          string           `yaml:"output_dir"`
	CacheDir           string           `yaml:"cache_dir"`
	Parallelism        int              `yaml:"parallelism"`
	Scenarios          []ScenarioConfig `yaml:"scenarios"`
}

// IBConfig 券商连接配置
type IBConfig struct {
	BaseURL            string  `yaml:"base_url"`
	Account            string  `yaml:"account"`
	TradingMode        string  `yaml:"trading_mode"` // paper / live / sim
	InsecureSkipVerify bool    `yaml:"insecure_skip_verify"`
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	TimeoutSeconds     int     `yaml:"timeout_seconds"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Type            string `yaml:"type"` // sqlite / postgres / mysql
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // 秒
	LogLevel        string `yaml:"log_level"`
}

// Config 系统配置
type Config struct {
	Symbols      []string `yaml:"symbols"`
	Timezone     string   `yaml:"timezone"`
	DatabasePath string   `yaml:"database_path"`
	LogLevel     string   `yaml:"log_level"`

	Risk          RiskConfig          `yaml:"risk"`
	Strategy      StrategyConfig      `yaml:"strategy"`
	StrategyCombo StrategyComboConfig `yaml:"strategy_combo"`
	Backtest      BacktestConfig      `yaml:"backtest"`
	IB            IBConfig            `yaml:"ib"`
	Database      DatabaseConfig      `yaml:"database"`

	Capital struct {
		MaxDeployUSD float64 `yaml:"max_deploy_usd"`
	} `yaml:"capital"`

	Log struct {
		FileEnabled bool   `yaml:"file_enabled"`
		Dir         string `yaml:"dir"`
		MaxSizeMB   int    `yaml:"max_size_mb"`
		MaxBackups  int    `yaml:"max_backups"`
		MaxAgeDays  int    `yaml:"max_age_days"`
		Compress    bool   `yaml:"compress"`
	} `yaml:"log"`

	Web struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`
		Port    int    `yaml:"port"`
	} `yaml:"web"`

	// 对账分布式锁（单实例时保持关闭）
	Lock struct {
		Enabled    bool   `yaml:"enabled"`
		Type       string `yaml:"type"`
		Prefix     string `yaml:"prefix"`
		DefaultTTL int    `yaml:"default_ttl"` // 秒
		Redis      struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			PoolSize int    `yaml:"pool_size"`
		} `yaml:"redis"`
	} `yaml:"lock"`
}

// ConfigError 配置缺失或非法，启动时致命
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "配置错误: " + e.Reason
	}
	return fmt.Sprintf("配置错误 [%s]: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// LoadConfig 加载单个配置文件
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("读取配置文件失败: %v", err)}
	}
	return LoadConfigFromBytes(data)
}

// LoadConfigFromBytes 从字节加载配置
func LoadConfigFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("解析配置文件失败: %v", err)}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefaultConfig 加载 config/config.yaml，并用 config/config.local.yaml 覆盖
func LoadDefaultConfig() (*Config, error) {
	return LoadLayeredConfig(DefaultBaseConfig, DefaultLocalConfig)
}

// LoadLayeredConfig 深度合并 base 与 local（map 逐层合并，标量与列表整体替换）
func LoadLayeredConfig(basePath, localPath string) (*Config, error) {
	baseData, err := os.ReadFile(basePath)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("读取配置文件失败: %v", err)}
	}

	localData, err := os.ReadFile(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return LoadConfigFromBytes(baseData)
		}
		return nil, &ConfigError{Reason: fmt.Sprintf("读取本地配置失败: %v", err)}
	}

	merged, err := mergeYAML(baseData, localData)
	if err != nil {
		return nil, err
	}
	return LoadConfigFromBytes(merged)
}

func mergeYAML(base, overlay []byte) ([]byte, error) {
	var baseMap, overlayMap map[string]interface{}
	if err := yaml.Unmarshal(base, &baseMap); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("解析配置文件失败: %v", err)}
	}
	if err := yaml.Unmarshal(overlay, &overlayMap); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("解析本地配置失败: %v", err)}
	}
	if baseMap == nil {
		baseMap = map[string]interface{}{}
	}
	deepMerge(baseMap, overlayMap)
	return yaml.Marshal(baseMap)
}

func deepMerge(dst, src map[string]interface{}) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]interface{})
		dstMap, dstIsMap := dst[k].(map[string]interface{})
		if srcIsMap && dstIsMap {
			deepMerge(dstMap, srcMap)
			continue
		}
		dst[k] = v
	}
}

// Validate 验证配置并填充默认值
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return invalid("symbols", "至少需要配置一个交易标的")
	}
	seen := make(map[string]bool, len(c.Symbols))
	for i, s := range c.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			return invalid("symbols", "第 %d 个交易标的为空", i+1)
		}
		if seen[s] {
			return invalid("symbols", "交易标的 %s 重复", s)
		}
		seen[s] = true
		c.Symbols[i] = s
	}

	if c.Timezone == "" {
		c.Timezone = "America/New_York"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "data/autostock.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	if c.Capital.MaxDeployUSD == 0 {
		c.Capital.MaxDeployUSD = 10000
	}
	if c.Capital.MaxDeployUSD < 0 {
		return invalid("capital.max_deploy_usd", "不能为负数")
	}

	if err := c.validateRisk(); err != nil {
		return err
	}
	if err := c.validateStrategy(); err != nil {
		return err
	}
	if err := c.validateBacktest(); err != nil {
		return err
	}
	c.fillInfraDefaults()
	return nil
}

func (c *Config) validateRisk() error {
	r := &c.Risk
	fractions := []struct {
		field string
		value float64
	}{
		{"risk.max_position_pct", r.MaxPositionPct},
		{"risk.stop_loss_pct", r.StopLossPct},
		{"risk.symbol_daily_loss_pct", r.SymbolDailyLossPct},
		{"risk.account_daily_drawdown_pct", r.AccountDailyDrawdownPct},
	}
	for _, f := range fractions {
		if f.value <= 0 || f.value > 1 {
			return invalid(f.field, "必须在 (0, 1] 区间内，当前为 %v", f.value)
		}
	}
	if r.MaxOpenPositions == 0 {
		r.MaxOpenPositions = 5
	}
	if r.MaxOpenPositions < 0 {
		return invalid("risk.max_open_positions", "必须大于0")
	}
	if r.MaxConsecutiveLosses == 0 {
		r.MaxConsecutiveLosses = 3
	}
	if r.MaxConsecutiveLosses < 0 {
		return invalid("risk.max_consecutive_losses", "必须大于0")
	}
	if r.MinOrderNotional < 0 {
		return invalid("risk.min_order_notional", "不能为负数")
	}
	if r.VolatilityRiskPct < 0 || r.VolatilityRiskPct > 1 {
		return invalid("risk.volatility_risk_pct", "必须在 [0, 1] 区间内")
	}
	if r.ATRWindow <= 0 {
		r.ATRWindow = 14
	}
	return nil
}

func (c *Config) validateStrategy() error {
	s := &c.Strategy
	if s.ShortWindow <= 0 || s.LongWindow <= 0 {
		return invalid("strategy.short_window", "均线窗口必须大于0")
	}
	if s.ShortWindow >= s.LongWindow {
		return invalid("strategy.short_window", "short_window (%d) 必须小于 long_window (%d)", s.ShortWindow, s.LongWindow)
	}
	if s.BarSize == "" {
		s.BarSize = "5 mins"
	}
	if s.Duration == "" {
		s.Duration = "60 D"
	}
	if s.LoopIntervalSeconds <= 0 {
		return invalid("strategy.loop_interval_seconds", "必须大于0")
	}

	combo := &c.StrategyCombo
	if len(combo.EnabledStrategies) == 0 {
		combo.EnabledStrategies = []string{StrategyMA}
	}
	for i, name := range combo.EnabledStrategies {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != StrategyMA && name != StrategyRSI {
			return invalid("strategy_combo.enabled_strategies", "未知策略: %s", name)
		}
		combo.EnabledStrategies[i] = name
	}
	if combo.CombinationMode == "" {
		combo.CombinationMode = ModeWeighted
	}
	switch combo.CombinationMode {
	case ModeWeighted, ModeVote, ModeUnanimous, ModePriority:
	default:
		return invalid("strategy_combo.combination_mode", "不支持的组合模式: %s", combo.CombinationMode)
	}
	if combo.DecisionThreshold < 0 {
		return invalid("strategy_combo.decision_threshold", "不能为负数")
	}
	for name, w := range combo.Weights {
		if w < 0 {
			return invalid("strategy_combo.weights", "策略 %s 的权重不能为负数", name)
		}
	}

	if combo.RSI.Window == 0 {
		combo.RSI.Window = 14
	}
	if combo.RSI.Oversold == 0 && combo.RSI.Overbought == 0 {
		combo.RSI.Oversold = 30
		combo.RSI.Overbought = 70
	}
	if combo.RSI.Window < 0 {
		return invalid("strategy_combo.rsi.window", "必须大于0")
	}
	if combo.RSI.Oversold < 0 || combo.RSI.Overbought > 100 || combo.RSI.Oversold >= combo.RSI.Overbought {
		return invalid("strategy_combo.rsi", "需要 0 <= oversold < overbought <= 100")
	}

	if combo.MA.SignalMode == "" {
		combo.MA.SignalMode = "separation"
	}
	if combo.MA.SignalMode != "separation" && combo.MA.SignalMode != "crossover" {
		return invalid("strategy_combo.ma.signal_mode", "不支持的均线信号模式: %s", combo.MA.SignalMode)
	}
	if combo.MA.FullScaleSeparation == 0 {
		combo.MA.FullScaleSeparation = 0.01
	}
	if combo.MA.FullScaleSeparation < 0 {
		return invalid("strategy_combo.ma.full_scale_separation", "必须大于0")
	}
	return nil
}

func (c *Config) validateBacktest() error {
	b := &c.Backtest
	if b.Mode == "" {
		b.Mode = BacktestPerSymbol
	}
	if b.Mode != BacktestPerSymbol && b.Mode != BacktestPortfolio {
		return invalid("backtest.mode", "不支持的回测模式: %s", b.Mode)
	}
	if b.SlippageBps < 0 || b.CommissionPerOrder < 0 || b.MinOrderNotional < 0 {
		return invalid("backtest", "滑点、佣金和最小下单金额不能为负数")
	}
	if b.InitialCapital == 0 {
		b.InitialCapital = c.Capital.MaxDeployUSD
	}
	if b.InitialCapital < 0 {
		return invalid("backtest.initial_capital", "不能为负数")
	}
	if b.OutputDir == "" {
		b.OutputDir = "data/backtests"
	}
	if b.CacheDir == "" {
		b.CacheDir = "data/bar_cache"
	}
	if b.Parallelism <= 0 {
		b.Parallelism = runtime.NumCPU()
	}
	if len(b.Scenarios) == 0 {
		b.Scenarios = []ScenarioConfig{
			{Name: "5min", BarSize: "5 mins", Duration: "60 D"},
			{Name: "1d", BarSize: "1 day", Duration: "2 Y"},
		}
	}
	names := make(map[string]bool, len(b.Scenarios))
	for _, sc := range b.Scenarios {
		if sc.Name == "" || sc.BarSize == "" || sc.Duration == "" {
			return invalid("backtest.scenarios", "场景的 name/bar_size/duration 不能为空")
		}
		if names[sc.Name] {
			return invalid("backtest.scenarios", "场景 %s 重复", sc.Name)
		}
		names[sc.Name] = true
	}
	return nil
}

func (c *Config) fillInfraDefaults() {
	if c.IB.BaseURL == "" {
		c.IB.BaseURL = "https://localhost:5000/v1/api"
	}
	if c.IB.TradingMode == "" {
		c.IB.TradingMode = "paper"
	}
	if c.IB.RateLimitPerSecond <= 0 {
		c.IB.RateLimitPerSecond = 5
	}
	if c.IB.TimeoutSeconds <= 0 {
		c.IB.TimeoutSeconds = 10
	}

	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.Type == "sqlite" && c.Database.DSN == "" {
		c.Database.DSN = c.DatabasePath
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "silent"
	}

	if c.Log.Dir == "" {
		c.Log.Dir = "logs"
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 50
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 7
	}
	if c.Log.MaxAgeDays <= 0 {
		c.Log.MaxAgeDays = 30
	}

	if c.Web.Host == "" {
		c.Web.Host = "127.0.0.1"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8089
	}

	if c.Lock.Type == "" {
		c.Lock.Type = "redis"
	}
	if c.Lock.Prefix == "" {
		c.Lock.Prefix = "autostock:"
	}
	if c.Lock.DefaultTTL <= 0 {
		c.Lock.DefaultTTL = 30
	}
	if c.Lock.Redis.Addr == "" {
		c.Lock.Redis.Addr = "localhost:6379"
	}
	if c.Lock.Redis.PoolSize <= 0 {
		c.Lock.Redis.PoolSize = 10
	}
}
