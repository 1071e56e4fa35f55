package position

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// 成交方向
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Position 持仓视图（数量带符号，空头为负）
type Position struct {
	Symbol   string    `json:"symbol"`
	Quantity float64   `json:"quantity"`
	AvgCost  float64   `json:"avg_cost"`
	OpenedAt time.Time `json:"opened_at"`
}

// IsLong 是否持有多头
func (p Position) IsLong() bool {
	return p.Quantity > 0
}

// IsFlat 是否空仓
func (p Position) IsFlat() bool {
	return p.Quantity == 0
}

// Fill 一笔成交
type Fill struct {
	Symbol     string
	Side       string
	Qty        float64
	Price      float64
	Commission float64
	Time       time.Time
}

// ClosedTrade 一次完整的开平仓：持仓归零或反手时生成，分批平仓合并为一笔
type ClosedTrade struct {
	Symbol    string    `json:"symbol"`
	Qty       float64   `json:"qty"`
	AvgCost   float64   `json:"avg_cost"`
	ExitPrice float64   `json:"exit_price"` // 按数量加权的平仓均价
	Realized  float64   `json:"realized"`
	Time      time.Time `json:"time"`
}

// Outcome 一笔成交对账本的影响
type Outcome struct {
	// Realized 本笔成交实现的盈亏，部分平仓也计入
	Realized float64
	// Trade 本笔成交使持仓归零或反手时的整笔平仓，否则为 nil
	Trade *ClosedTrade
}

type lot struct {
	qty      decimal.Decimal // 带符号
	avg      decimal.Decimal
	openedAt time.Time

	// 当前这笔持仓已部分平掉的累计
	closedQty    decimal.Decimal
	exitNotional decimal.Decimal
	realized     decimal.Decimal
	entryAvg     decimal.Decimal
}

// Book 按平均成本法匹配开平仓
// 开仓佣金计入成本，平仓佣金从已实现盈亏中扣除
type Book struct {
	lots map[string]*lot
}

// NewBook 创建空账本
func NewBook() *Book {
	return &Book{lots: make(map[string]*lot)}
}

// Apply 记入一笔成交
func (b *Book) Apply(f Fill) Outcome {
	qty := decimal.NewFromFloat(f.Qty).Abs()
	if qty.IsZero() {
		return Outcome{}
	}
	if strings.EqualFold(f.Side, SideSell) {
		qty = qty.Neg()
	}
	price := decimal.NewFromFloat(f.Price)
	commission := decimal.NewFromFloat(f.Commission)

	l, ok := b.lots[f.Symbol]
	if !ok {
		l = &lot{}
		b.lots[f.Symbol] = l
	}

	// 同向或空仓：加仓
	if l.qty.IsZero() || l.qty.Sign() == qty.Sign() {
		b.open(l, qty, price, commission, f.Time)
		return Outcome{}
	}

	closeQty := decimal.Min(qty.Abs(), l.qty.Abs())
	closeCommission := commission.Mul(closeQty).Div(qty.Abs())
	realized := price.Sub(l.avg).Mul(closeQty)
	if l.qty.Sign() < 0 {
		realized = realized.Neg()
	}
	realized = realized.Sub(closeCommission)

	l.closedQty = l.closedQty.Add(closeQty)
	l.exitNotional = l.exitNotional.Add(price.Mul(closeQty))
	l.realized = l.realized.Add(realized)
	l.entryAvg = l.avg

	if l.qty.Sign() > 0 {
		l.qty = l.qty.Sub(closeQty)
	} else {
		l.qty = l.qty.Add(closeQty)
	}
	out := Outcome{Realized: realized.InexactFloat64()}
	if !l.qty.IsZero() {
		return out
	}

	out.Trade = &ClosedTrade{
		Symbol:    f.Symbol,
		Qty:       l.closedQty.InexactFloat64(),
		AvgCost:   l.entryAvg.InexactFloat64(),
		ExitPrice: l.exitNotional.Div(l.closedQty).InexactFloat64(),
		Realized:  l.realized.InexactFloat64(),
		Time:      f.Time,
	}
	*l = lot{}

	// 反手：剩余部分按成交价开新仓
	remaining := qty.Abs().Sub(closeQty)
	if remaining.IsPositive() {
		signed := remaining
		if qty.Sign() < 0 {
			signed = signed.Neg()
		}
		b.open(l, signed, price, commission.Sub(closeCommission), f.Time)
	}
	return out
}

func (b *Book) open(l *lot, qty, price, commission decimal.Decimal, at time.Time) {
	if l.qty.IsZero() {
		l.openedAt = at
	}
	// 多头成本加佣金，空头开仓收入减佣金
	cost := l.qty.Abs().Mul(l.avg).Add(qty.Abs().Mul(price))
	if qty.Sign() > 0 {
		cost = cost.Add(commission)
	} else {
		cost = cost.Sub(commission)
	}
	l.qty = l.qty.Add(qty)
	l.avg = cost.Div(l.qty.Abs())
}

// Position 当前持仓
func (b *Book) Position(symbol string) Position {
	l, ok := b.lots[symbol]
	if !ok {
		return Position{Symbol: symbol}
	}
	return Position{
		Symbol:   symbol,
		Quantity: l.qty.InexactFloat64(),
		AvgCost:  l.avg.InexactFloat64(),
		OpenedAt: l.openedAt,
	}
}

// Positions 所有非零持仓
func (b *Book) Positions() map[string]Position {
	result := make(map[string]Position, len(b.lots))
	for symbol, l := range b.lots {
		if l.qty.IsZero() {
			continue
		}
		result[symbol] = b.Position(symbol)
	}
	return result
}

// Symbols 出现过的标的（排序）
func (b *Book) Symbols() []string {
	symbols := make([]string, 0, len(b.lots))
	for s := range b.lots {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}
