package strategy

import (
	"github.com/songjiangwork/auto-stock/config"
	"github.com/songjiangwork/auto-stock/indicators"
)

// MACrossover 快慢均线策略
//
// separation 模式：得分与快慢线相对差成正比，相对差达到 fullScale 时为 ±1
// crossover 模式：只在快线上穿/下穿慢线的那根 K 线给出 ±1
type MACrossover struct {
	fast      *indicators.MovingAverage
	slow      *indicators.MovingAverage
	mode      string
	fullScale float64
}

// NewMACrossover 创建均线策略
func NewMACrossover(short, long int, cfg config.MAConfig) *MACrossover {
	mode := cfg.SignalMode
	if mode == "" {
		mode = "separation"
	}
	fullScale := cfg.FullScaleSeparation
	if fullScale <= 0 {
		fullScale = 0.01
	}
	return &MACrossover{
		fast:      indicators.NewMovingAverage(short),
		slow:      indicators.NewMovingAverage(long),
		mode:      mode,
		fullScale: fullScale,
	}
}

// Name 策略名
func (m *MACrossover) Name() string {
	return config.StrategyMA
}

// MinBars 所需 K 线数
func (m *MACrossover) MinBars() int {
	if m.mode == "crossover" {
		return m.slow.Period() + 2
	}
	return m.slow.Period()
}

// Evaluate 生成信号
func (m *MACrossover) Evaluate(symbol string, bars []indicators.Bar) Signal {
	sig := notReady(m.Name(), symbol, bars)
	if len(bars) < m.MinBars() {
		return sig
	}

	fast := m.fast.Calculate(bars)
	slow := m.slow.Calculate(bars)
	curFast, curSlow := fast[len(fast)-1], slow[len(slow)-1]

	sig.Ready = true
	if m.mode == "crossover" {
		prevFast, prevSlow := fast[len(fast)-2], slow[len(slow)-2]
		switch {
		case prevFast <= prevSlow && curFast > curSlow:
			sig.Score = 1
		case prevFast >= prevSlow && curFast < curSlow:
			sig.Score = -1
		}
		return sig
	}

	if curSlow == 0 {
		return sig
	}
	sig.Score = indicators.Clamp(((curFast-curSlow)/curSlow)/m.fullScale, -1, 1)
	return sig
}
