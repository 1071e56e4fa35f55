package indicators

// MovingAverage 收盘价简单均线
type MovingAverage struct {
	period int
}

// NewMovingAverage 创建均线
func NewMovingAverage(period int) *MovingAverage {
	return &MovingAverage{period: period}
}

// Name 指标名称
func (m *MovingAverage) Name() string {
	return "SMA"
}

// Period 所需周期数
func (m *MovingAverage) Period() int {
	return m.period
}

// Calculate 计算均线
func (m *MovingAverage) Calculate(bars []Bar) []float64 {
	return SMA(ClosePrices(bars), m.period)
}
