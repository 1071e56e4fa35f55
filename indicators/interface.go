// Package indicators 策略与风控使用的技术指标
package indicators

import "time"

// Bar 一根 K 线（时间为 bar 开始时刻）
type Bar struct {
	Symbol string    `json:"symbol"`
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Indicator 指标接口
type Indicator interface {
	// Name 指标名称
	Name() string
	// Calculate 计算指标序列，数据不足时返回 nil
	Calculate(bars []Bar) []float64
	// Period 计算所需的最少 K 线数
	Period() int
}

// Current 返回指标最新值，数据不足时 ok=false
func Current(ind Indicator, bars []Bar) (float64, bool) {
	values := ind.Calculate(bars)
	if len(values) == 0 {
		return 0, false
	}
	return values[len(values)-1], true
}
