package strategy

import (
	"github.com/songjiangwork/auto-stock/config"
	"github.com/songjiangwork/auto-stock/indicators"
)

// RSIStrategy 超卖看多、超买看空
type RSIStrategy struct {
	rsi        *indicators.RSI
	window     int
	oversold   float64
	overbought float64
}

// NewRSIStrategy 创建 RSI 策略
func NewRSIStrategy(window int, oversold, overbought float64) *RSIStrategy {
	return &RSIStrategy{
		rsi:        indicators.NewRSI(window),
		window:     window,
		oversold:   oversold,
		overbought: overbought,
	}
}

// Name 策略名
func (r *RSIStrategy) Name() string {
	return config.StrategyRSI
}

// MinBars 所需 K 线数
func (r *RSIStrategy) MinBars() int {
	return r.rsi.Period()
}

// Evaluate 生成信号
func (r *RSIStrategy) Evaluate(symbol string, bars []indicators.Bar) Signal {
	sig := notReady(r.Name(), symbol, bars)
	if len(bars) < r.MinBars() {
		return sig
	}

	closes := indicators.ClosePrices(bars[len(bars)-r.window-1:])
	value := indicators.SimpleRSI(closes)

	sig.Ready = true
	switch {
	case value <= r.oversold:
		sig.Score = 1
	case value >= r.overbought:
		sig.Score = -1
	}
	return sig
}
