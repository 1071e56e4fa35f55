package strategy

import (
	"fmt"
	"time"

	"github.com/songjiangwork/auto-stock/config"
	"github.com/songjiangwork/auto-stock/indicators"
	"github.com/songjiangwork/auto-stock/logger"
)

// Signal 单个策略对一个标的的输出
// Ready=false 表示历史数据不足，视为中性
type Signal struct {
	Strategy string    `json:"strategy"`
	Symbol   string    `json:"symbol"`
	Time     time.Time `json:"time"`
	Score    float64   `json:"score"` // [-1, 1]
	Ready    bool      `json:"ready"`
}

// Direction 信号方向：1=看多，-1=看空，0=中性
func (s Signal) Direction() int {
	if !s.Ready {
		return 0
	}
	switch {
	case s.Score > 0:
		return 1
	case s.Score < 0:
		return -1
	}
	return 0
}

// Strategy 策略接口：从 K 线窗口生成信号
type Strategy interface {
	Name() string
	// MinBars 产生信号所需的最少 K 线数
	MinBars() int
	Evaluate(symbol string, bars []indicators.Bar) Signal
}

func notReady(name, symbol string, bars []indicators.Bar) Signal {
	sig := Signal{Strategy: name, Symbol: symbol}
	if len(bars) > 0 {
		sig.Time = bars[len(bars)-1].Time
	}
	return sig
}

// Factory 策略构造函数
type Factory func(cfg *config.Config) Strategy

// registry 与配置校验接受的策略名一致
var registry = map[string]Factory{
	config.StrategyMA: func(cfg *config.Config) Strategy {
		return NewMACrossover(cfg.Strategy.ShortWindow, cfg.Strategy.LongWindow, cfg.StrategyCombo.MA)
	},
	config.StrategyRSI: func(cfg *config.Config) Strategy {
		rsi := cfg.StrategyCombo.RSI
		return NewRSIStrategy(rsi.Window, rsi.Oversold, rsi.Overbought)
	},
}

// NewStrategies 按配置顺序构造已启用的策略
func NewStrategies(cfg *config.Config) ([]Strategy, error) {
	names := cfg.StrategyCombo.EnabledStrategies
	result := make([]Strategy, 0, len(names))
	for _, name := range names {
		factory, ok := registry[name]
		if !ok {
			return nil, &config.ConfigError{Field: "strategy_combo.enabled_strategies", Reason: fmt.Sprintf("未知策略: %s", name)}
		}
		result = append(result, factory(cfg))
	}
	return result, nil
}

// SignalEngine 对一个标的运行全部已启用策略
type SignalEngine struct {
	strategies []Strategy
}

// NewSignalEngine 创建信号引擎
func NewSignalEngine(strategies ...Strategy) *SignalEngine {
	return &SignalEngine{strategies: strategies}
}

// NewSignalEngineFromConfig 根据配置创建信号引擎
func NewSignalEngineFromConfig(cfg *config.Config) (*SignalEngine, error) {
	strategies, err := NewStrategies(cfg)
	if err != nil {
		return nil, err
	}
	return NewSignalEngine(strategies...), nil
}

// Evaluate 每个策略输出一个信号，顺序与配置一致
func (e *SignalEngine) Evaluate(symbol string, bars []indicators.Bar) []Signal {
	signals := make([]Signal, 0, len(e.strategies))
	for _, s := range e.strategies {
		sig := s.Evaluate(symbol, bars)
		if !sig.Ready {
			logger.Debug("[%s] 策略 %s 数据不足 (%d/%d)", symbol, s.Name(), len(bars), s.MinBars())
		}
		signals = append(signals, sig)
	}
	return signals
}

// MinBars 所有策略中最大的数据需求
func (e *SignalEngine) MinBars() int {
	n := 0
	for _, s := range e.strategies {
		if s.MinBars() > n {
			n = s.MinBars()
		}
	}
	return n
}

// Names 已启用策略名
func (e *SignalEngine) Names() []string {
	names := make([]string, len(e.strategies))
	for i, s := range e.strategies {
		names[i] = s.Name()
	}
	return names
}
