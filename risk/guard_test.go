package risk

import (
	"testing"

	"github.com/songjiangwork/auto-stock/position"
)

func testLimits() Limits {
	return Limits{
		MaxPositionPct:          0.2,
		StopLossPct:             0.08,
		SymbolDailyLossPct:      0.02,
		AccountDailyDrawdownPct: 0.05,
		MaxOpenPositions:        5,
		MaxConsecutiveLosses:    3,
	}
}

func TestCapitalSizing(t *testing.T) {
	g := NewGuard(testLimits())
	state := NewAccountState("2026-03-02", 100000, 0)

	r := g.EvaluateEntry(state, EntryRequest{Symbol: "AAPL", Price: 250})
	if !r.Allowed || r.Quantity != 80 {
		t.Fatalf("100000*0.2/250 应为 80 股, 得到 %s", r)
	}

	// 有效权益取资金上限
	state.MaxDeployUSD = 10000
	r = g.EvaluateEntry(state, EntryRequest{Symbol: "AAPL", Price: 250})
	if !r.Allowed || r.Quantity != 8 {
		t.Errorf("10000*0.2/250 应为 8 股, 得到 %s", r)
	}

	r = g.EvaluateEntry(state, EntryRequest{Symbol: "AAPL", Price: 2500})
	if r.Allowed || r.Reason != CapitalSizing {
		t.Errorf("不足 1 股应拒绝, 得到 %s", r)
	}
}

func TestCapitalSizingMinNotionalAndVolatility(t *testing.T) {
	limits := testLimits()
	limits.MinOrderNotional = 1000
	limits.VolatilityRiskPct = 0.01
	g := NewGuard(limits)
	state := NewAccountState("2026-03-02", 100000, 0)

	// 波动率仓位 100000*0.01/(4/100)=25000 大于 20000, 仍按比例上限 -> 200 股
	r := g.EvaluateEntry(state, EntryRequest{Symbol: "AAPL", Price: 100, ATR: 4})
	if !r.Allowed || r.Quantity != 200 {
		t.Fatalf("应按资金比例买 200 股, 得到 %s", r)
	}
	// 高波动: 100000*0.01/(50/100)=2000 -> 20 股
	r = g.EvaluateEntry(state, EntryRequest{Symbol: "AAPL", Price: 100, ATR: 50})
	if !r.Allowed || r.Quantity != 20 {
		t.Fatalf("高波动时应缩小到 20 股, 得到 %s", r)
	}
	// 现金上限 900 低于最小下单金额
	r = g.EvaluateEntry(state, EntryRequest{Symbol: "AAPL", Price: 100, MaxNotional: 900})
	if r.Allowed || r.Reason != CapitalSizing {
		t.Errorf("低于最小下单金额应拒绝, 得到 %s", r)
	}
}

func TestNotionalNeverExceedsCap(t *testing.T) {
	g := NewGuard(testLimits())
	for _, equity := range []float64{1, 999.99, 12345.67, 100000, 2500000} {
		for _, price := range []float64{0.5, 3.33, 99.99, 250, 4999} {
			state := NewAccountState("2026-03-02", equity, 0)
			r := g.EvaluateEntry(state, EntryRequest{Symbol: "AAPL", Price: price})
			if r.Allowed && r.Notional > 0.2*equity+1e-9 {
				t.Errorf("equity=%v price=%v 金额 %v 超过上限 %v", equity, price, r.Notional, 0.2*equity)
			}
		}
	}
}

func TestStopLoss(t *testing.T) {
	g := NewGuard(testLimits())
	if !g.CheckStopLoss(100, 92) {
		t.Error("92 应触发止损")
	}
	if g.CheckStopLoss(100, 93) {
		t.Error("93 不应触发止损")
	}
	if g.CheckStopLoss(0, 1) {
		t.Error("无成本时不应触发")
	}
}

func TestGateOrder(t *testing.T) {
	g := NewGuard(testLimits())

	tests := []struct {
		name  string
		setup func(s *AccountState)
		want  DenyReason
	}{
		{"账户回撤", func(s *AccountState) {
			s.Equity = 94900
			s.ConsecutiveLosses["AAPL"] = 5
		}, AccountDrawdownBreached},
		{"连续亏损", func(s *AccountState) {
			s.ConsecutiveLosses["AAPL"] = 3
			s.OpenPositions = 10
		}, ConsecutiveLossBreaker},
		{"持仓数", func(s *AccountState) {
			s.OpenPositions = 5
			s.SymbolDailyPnL["AAPL"] = -5000
		}, MaxOpenPositions},
		{"标的日亏损", func(s *AccountState) {
			s.SymbolDailyPnL["AAPL"] = -2500
		}, SymbolDailyLoss},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := NewAccountState("2026-03-02", 100000, 0)
			tt.setup(state)
			r := g.EvaluateEntry(state, EntryRequest{Symbol: "AAPL", Price: 100})
			if r.Allowed || r.Reason != tt.want {
				t.Errorf("期望 Deny(%s), 得到 %s", tt.want, r)
			}
		})
	}
}

func TestSmallSymbolLossAllowed(t *testing.T) {
	g := NewGuard(testLimits())
	state := NewAccountState("2026-03-02", 100000, 0)
	state.Equity = 99500
	state.SymbolDailyPnL["AAPL"] = -500
	if r := g.EvaluateEntry(state, EntryRequest{Symbol: "AAPL", Price: 100}); !r.Allowed {
		t.Errorf("小幅亏损应放行, 得到 %s", r)
	}
}

func TestDrawdownDeniesAllSymbols(t *testing.T) {
	g := NewGuard(testLimits())
	state := NewAccountState("2026-03-02", 100000, 0)
	state.Equity = 94000

	for _, symbol := range []string{"AAPL", "MSFT", "TSLA", "NVDA"} {
		r := g.EvaluateEntry(state, EntryRequest{Symbol: symbol, Price: 10})
		if r.Reason != AccountDrawdownBreached {
			t.Errorf("%s 应因账户回撤被拒绝, 得到 %s", symbol, r)
		}
	}

	// 日切后恢复
	state.RollDay("2026-03-03")
	if r := g.EvaluateEntry(state, EntryRequest{Symbol: "AAPL", Price: 10}); !r.Allowed {
		t.Errorf("新交易日应恢复开仓, 得到 %s", r)
	}
}

func TestDrawdownBreakerLatchesForDay(t *testing.T) {
	g := NewGuard(testLimits())
	state := NewAccountState("2026-03-02", 100000, 0)
	state.Equity = 94000

	if r := g.EvaluateEntry(state, EntryRequest{Symbol: "AAPL", Price: 10}); r.Reason != AccountDrawdownBreached {
		t.Fatalf("回撤 6%% 应熔断, 得到 %s", r)
	}
	if !state.DrawdownBreached {
		t.Fatal("触发后应在状态上锁定")
	}

	// 同一交易日内权益回升
	state.Equity = 97000
	if r := g.EvaluateEntry(state, EntryRequest{Symbol: "MSFT", Price: 10}); r.Reason != AccountDrawdownBreached {
		t.Errorf("当日剩余时间应继续拒绝, 得到 %s", r)
	}

	state.RollDay("2026-03-03")
	if state.DrawdownBreached {
		t.Error("日切后应解除熔断")
	}
	if r := g.EvaluateEntry(state, EntryRequest{Symbol: "MSFT", Price: 10}); !r.Allowed {
		t.Errorf("新交易日应恢复开仓, 得到 %s", r)
	}
}

func TestConsecutiveLossCounter(t *testing.T) {
	g := NewGuard(testLimits())
	state := NewAccountState("2026-03-02", 1000000, 0)

	for i := 0; i < 3; i++ {
		state.RecordClose("AAPL", -10)
		if state.ConsecutiveLosses["AAPL"] != i+1 {
			t.Fatalf("第 %d 次亏损后计数应为 %d", i+1, i+1)
		}
	}
	if r := g.EvaluateEntry(state, EntryRequest{Symbol: "AAPL", Price: 100}); r.Reason != ConsecutiveLossBreaker {
		t.Fatalf("连亏 3 次应熔断, 得到 %s", r)
	}
	if r := g.EvaluateEntry(state, EntryRequest{Symbol: "MSFT", Price: 100}); !r.Allowed {
		t.Errorf("其他标的不受影响, 得到 %s", r)
	}

	state.RecordClose("AAPL", 0)
	if state.ConsecutiveLosses["AAPL"] != 0 {
		t.Errorf("保本平仓应清零计数")
	}
}

func TestSetPositionsCountsOpen(t *testing.T) {
	state := NewAccountState("2026-03-02", 1000, 0)
	state.SetPositions(map[string]position.Position{
		"AAPL": {Symbol: "AAPL", Quantity: 10, AvgCost: 100},
		"MSFT": {Symbol: "MSFT"},
		"TSLA": {Symbol: "TSLA", Quantity: -2, AvgCost: 200},
	})
	if state.OpenPositions != 2 || len(state.Positions) != 2 {
		t.Errorf("应有 2 个持仓, 得到 %d", state.OpenPositions)
	}

	c := state.Clone()
	c.Positions["NVDA"] = position.Position{Symbol: "NVDA", Quantity: 1}
	if len(state.Positions) != 2 {
		t.Error("Clone 应为深拷贝")
	}
}
