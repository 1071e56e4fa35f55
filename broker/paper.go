package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/songjiangwork/auto-stock/indicators"
	"github.com/songjiangwork/auto-stock/logger"
	"github.com/songjiangwork/auto-stock/position"
)

// PaperBroker 内存模拟券商：按最新 K 线收盘价立即成交
type PaperBroker struct {
	mu sync.Mutex

	account    string
	cash       float64
	commission float64
	now        func() time.Time

	bars       map[string][]indicators.Bar
	positions  map[string]Position
	executions []Execution
	rejects    map[string]string
	held       map[string]bool
	connectErr error
	connected  bool
}

// NewPaperBroker 创建模拟券商
func NewPaperBroker(account string, cash, commissionPerOrder float64) *PaperBroker {
	if account == "" {
		account = "PAPER"
	}
	return &PaperBroker{
		account:    account,
		cash:       cash,
		commission: commissionPerOrder,
		now:        func() time.Time { return time.Now().UTC() },
		bars:       make(map[string][]indicators.Bar),
		positions:  make(map[string]Position),
		rejects:    make(map[string]string),
		held:       make(map[string]bool),
	}
}

// SetClock 替换成交时间来源
func (p *PaperBroker) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// SetBars 设置标的的历史 K 线
func (p *PaperBroker) SetBars(symbol string, bars []indicators.Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bars[strings.ToUpper(symbol)] = append([]indicators.Bar(nil), bars...)
}

// SetPosition 直接设置券商侧持仓（模拟本地与券商不一致）
func (p *PaperBroker) SetPosition(symbol string, qty, avgCost float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	if qty == 0 {
		delete(p.positions, symbol)
		return
	}
	p.positions[symbol] = Position{Symbol: symbol, Quantity: qty, AvgCost: avgCost}
}

// AddExecution 注入一笔历史成交
func (p *PaperBroker) AddExecution(e Execution) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e.ExecID == "" {
		e.ExecID = uuid.NewString()
	}
	if e.Account == "" {
		e.Account = p.account
	}
	e.Time = e.Time.UTC()
	p.executions = append(p.executions, e)
}

// RejectOrders 之后该标的的订单都会被拒绝
func (p *PaperBroker) RejectOrders(symbol, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejects[strings.ToUpper(symbol)] = reason
}

// HoldOrders 之后该标的的订单只受理不成交（模拟未成交的市价单）
func (p *PaperBroker) HoldOrders(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.held[strings.ToUpper(symbol)] = true
}

// FailConnect 模拟网关不可达
func (p *PaperBroker) FailConnect(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr = err
}

// Connect 实现 Broker
func (p *PaperBroker) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connectErr != nil {
		return &ConnectivityError{Op: "connect", Err: p.connectErr}
	}
	p.connected = true
	return nil
}

// Close 实现 Broker
func (p *PaperBroker) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

// Account 实现 Broker
func (p *PaperBroker) Account() string {
	return p.account
}

func (p *PaperBroker) checkConnected(op string) error {
	if p.connectErr != nil {
		return &ConnectivityError{Op: op, Err: p.connectErr}
	}
	return nil
}

func (p *PaperBroker) lastClose(symbol string) (float64, bool) {
	bars := p.bars[symbol]
	if len(bars) == 0 {
		return 0, false
	}
	return bars[len(bars)-1].Close, true
}

// GetEquity 现金加持仓市值
func (p *PaperBroker) GetEquity(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkConnected("equity"); err != nil {
		return 0, err
	}
	equity := p.cash
	for symbol, pos := range p.positions {
		price, ok := p.lastClose(symbol)
		if !ok {
			price = pos.AvgCost
		}
		equity += pos.Quantity * price
	}
	return equity, nil
}

// GetPositions 实现 Broker
func (p *PaperBroker) GetPositions(ctx context.Context) (map[string]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkConnected("positions"); err != nil {
		return nil, err
	}
	result := make(map[string]Position, len(p.positions))
	for symbol, pos := range p.positions {
		result[symbol] = pos
	}
	return result, nil
}

// GetExecutionsSince 实现 Broker
func (p *PaperBroker) GetExecutionsSince(ctx context.Context, since time.Time) ([]Execution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkConnected("executions"); err != nil {
		return nil, err
	}
	var result []Execution
	for _, e := range p.executions {
		if e.Time.After(since) {
			result = append(result, e)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Time.Before(result[j].Time) })
	return result, nil
}

// GetHistoricalBars 返回预设 K 线（忽略区间与周期）
func (p *PaperBroker) GetHistoricalBars(ctx context.Context, symbol, duration, barSize string) ([]indicators.Bar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkConnected("bars"); err != nil {
		return nil, err
	}
	symbol = strings.ToUpper(symbol)
	bars := append([]indicators.Bar(nil), p.bars[symbol]...)
	for i := range bars {
		bars[i].Symbol = symbol
	}
	return bars, nil
}

// QualifySymbols 有 K 线的标的视为有效
func (p *PaperBroker) QualifySymbols(ctx context.Context, symbols []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range symbols {
		if _, ok := p.bars[strings.ToUpper(s)]; !ok {
			return fmt.Errorf("未找到合约: %s", s)
		}
	}
	return nil
}

// SubmitMarketOrder 按最新收盘价立即全部成交
func (p *PaperBroker) SubmitMarketOrder(ctx context.Context, order MarketOrder) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkConnected("order"); err != nil {
		return nil, err
	}

	symbol := strings.ToUpper(order.Symbol)
	reject := func(reason string) (*OrderResult, error) {
		return nil, &OrderRejection{Symbol: symbol, Side: order.Side, Quantity: order.Quantity, Status: StatusRejected, Reason: reason}
	}
	if reason, ok := p.rejects[symbol]; ok {
		return reject(reason)
	}
	if order.Quantity <= 0 {
		return reject("数量必须为正")
	}
	price, ok := p.lastClose(symbol)
	if !ok {
		return reject("没有行情")
	}

	at := p.now()
	orderID := uuid.NewString()
	if p.held[symbol] {
		logger.Debug("📝 [模拟] %s %s %d 已受理，等待成交", symbol, order.Side, order.Quantity)
		return &OrderResult{OrderID: orderID, ClientOrderID: order.ClientOrderID, Status: StatusSubmitted}, nil
	}
	exec := Execution{
		ExecID:     uuid.NewString(),
		Account:    p.account,
		Symbol:     symbol,
		Side:       order.Side,
		Quantity:   float64(order.Quantity),
		Price:      price,
		Commission: p.commission,
		OrderID:    orderID,
		Time:       at,
	}
	p.executions = append(p.executions, exec)

	// 以券商当前持仓为起点记账（持仓可能被 SetPosition 改过）
	book := bookFromPositions(p.positions)
	book.Apply(position.Fill{Symbol: symbol, Side: order.Side, Qty: exec.Quantity, Price: price, Commission: p.commission, Time: at})
	if pos := book.Position(symbol); pos.IsFlat() {
		delete(p.positions, symbol)
	} else {
		p.positions[symbol] = pos
	}

	notional := exec.Quantity * price
	if order.Side == "BUY" {
		p.cash -= notional + p.commission
	} else {
		p.cash += notional - p.commission
	}
	logger.Debug("📝 [模拟] %s %s %d @ %.2f", symbol, order.Side, order.Quantity, price)

	return &OrderResult{
		OrderID:       orderID,
		ClientOrderID: order.ClientOrderID,
		Status:        StatusFilled,
		FilledQty:     exec.Quantity,
		AvgPrice:      price,
	}, nil
}

func bookFromPositions(positions map[string]Position) *position.Book {
	book := position.NewBook()
	for symbol, pos := range positions {
		side := position.SideBuy
		if pos.Quantity < 0 {
			side = position.SideSell
		}
		book.Apply(position.Fill{Symbol: symbol, Side: side, Qty: pos.Quantity, Price: pos.AvgCost, Time: pos.OpenedAt})
	}
	return book
}
