// Package broker 券商接口：账户、持仓、成交、行情与下单
package broker

import (
	"context"
	"time"

	"github.com/songjiangwork/auto-stock/indicators"
	"github.com/songjiangwork/auto-stock/position"
)

// 订单默认参数
const (
	TimeInForceDay = "DAY"
	OrderTypeMKT   = "MKT"
)

// 订单状态
const (
	StatusSubmitted = "Submitted"
	StatusFilled    = "Filled"
	StatusRejected  = "Rejected"
	StatusCancelled = "Cancelled"
)

// Position 券商持仓（数量带符号）
type Position = position.Position

// MarketOrder 市价单
type MarketOrder struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"` // BUY, SELL
	Quantity      int    `json:"quantity"`
	TIF           string `json:"tif"`
	OutsideRTH    bool   `json:"outside_rth"`
	ClientOrderID string `json:"client_order_id"`
}

// OrderResult 下单结果
type OrderResult struct {
	OrderID       string  `json:"order_id"`
	ClientOrderID string  `json:"client_order_id"`
	Status        string  `json:"status"`
	FilledQty     float64 `json:"filled_qty"`
	AvgPrice      float64 `json:"avg_price"`
}

// Execution 券商成交回报
type Execution struct {
	ExecID     string    `json:"exec_id"`
	Account    string    `json:"account"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	Commission float64   `json:"commission"`
	OrderID    string    `json:"order_id"`
	Time       time.Time `json:"time"`
}

// Broker 券商接口
type Broker interface {
	Connect(ctx context.Context) error
	Close() error

	// Account 当前使用的账户（Connect 之后有效）
	Account() string

	GetEquity(ctx context.Context) (float64, error)
	// GetPositions 券商持仓，作为当前持仓的唯一依据
	GetPositions(ctx context.Context) (map[string]Position, error)
	// GetExecutionsSince 返回时间严格晚于 since 的成交
	GetExecutionsSince(ctx context.Context, since time.Time) ([]Execution, error)
	GetHistoricalBars(ctx context.Context, symbol, duration, barSize string) ([]indicators.Bar, error)
	QualifySymbols(ctx context.Context, symbols []string) error
	SubmitMarketOrder(ctx context.Context, order MarketOrder) (*OrderResult, error)
}
