package database

import (
	"context"
	"time"
)

// Database 数据库接口
type Database interface {
	// 成交记录（只追加，以券商成交 ID 去重）
	UpsertExecution(ctx context.Context, exec *Execution) (bool, error)
	LatestExecutionTime(ctx context.Context) (time.Time, error)
	ListExecutions(ctx context.Context, filter *ExecutionFilter) ([]*Execution, error)

	// 每日盈亏
	GetDailyPnL(ctx context.Context, symbol, tradeDate string) (*DailyPnL, error)
	UpsertDailyPnL(ctx context.Context, row *DailyPnL) error
	ListDailyPnL(ctx context.Context, tradeDate string) ([]*DailyPnL, error)

	// 连亏计数
	GetLossCounter(ctx context.Context, symbol string) (*LossCounter, error)
	SaveLossCounter(ctx context.Context, counter *LossCounter) error

	// 键值状态
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error

	// 订单记录
	SaveOrder(ctx context.Context, order *OrderRecord) error
	GetOrders(ctx context.Context, filter *OrderFilter) ([]*OrderRecord, error)

	// 持仓快照
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	LatestSnapshots(ctx context.Context) ([]*Snapshot, error)

	// 事件日志
	SaveEvent(ctx context.Context, event *EventRecord) error
	GetEvents(ctx context.Context, filter *EventFilter) ([]*EventRecord, error)

	// 对账冲突
	SaveReconciliation(ctx context.Context, recon *ReconciliationRecord) error
	GetReconciliations(ctx context.Context, limit int) ([]*ReconciliationRecord, error)

	// 回测结果
	SaveBacktestRuns(ctx context.Context, runs []*BacktestRun) error

	// 事务：fn 内的操作全部成功才提交
	WithTx(ctx context.Context, fn func(tx Database) error) error

	// 健康检查
	Ping(ctx context.Context) error

	// 关闭连接
	Close() error
}

// 数据模型

// Execution 券商成交
type Execution struct {
	ExecID     string    `gorm:"primaryKey;size:100" json:"exec_id"`
	Account    string    `gorm:"size:50" json:"account"`
	Symbol     string    `gorm:"index:idx_exec_symbol_time;size:20" json:"symbol"`
	Side       string    `gorm:"size:10" json:"side"` // BUY, SELL
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	Commission float64   `json:"commission"`
	OrderID    string    `gorm:"index;size:100" json:"order_id"`
	ExecutedAt time.Time `gorm:"index:idx_exec_symbol_time;index" json:"executed_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// DailyPnL 每个 (标的, 交易日) 一行
type DailyPnL struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol     string    `gorm:"uniqueIndex:idx_pnl_symbol_date;size:20" json:"symbol"`
	TradeDate  string    `gorm:"uniqueIndex:idx_pnl_symbol_date;index;size:10" json:"trade_date"`
	Realized   float64   `json:"realized"`
	TradeCount int       `json:"trade_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// LossCounter 标的连亏计数，TradeDate 为计数所属交易日
type LossCounter struct {
	Symbol    string    `gorm:"primaryKey;size:20" json:"symbol"`
	Count     int       `json:"count"`
	TradeDate string    `gorm:"size:10" json:"trade_date"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppState 键值状态，值为 JSON
type AppState struct {
	Key       string    `gorm:"primaryKey;size:100" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OrderRecord 下单记录
type OrderRecord struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol        string    `gorm:"index;size:20" json:"symbol"`
	Side          string    `gorm:"size:10" json:"side"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	Reason        string    `gorm:"size:50" json:"reason"`
	Status        string    `gorm:"index;size:20" json:"status"` // SUBMITTED, REJECTED, DRY_RUN
	ClientOrderID string    `gorm:"index;size:100" json:"client_order_id"`
	BrokerOrderID string    `gorm:"size:100" json:"broker_order_id"`
	Note          string    `gorm:"type:text" json:"note"`
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
}

// Snapshot 每个周期的标的快照
type Snapshot struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol     string    `gorm:"index:idx_snapshot_symbol_time;size:20" json:"symbol"`
	Position   float64   `json:"position"`
	AvgCost    float64   `json:"avg_cost"`
	LastPrice  float64   `json:"last_price"`
	Unrealized float64   `json:"unrealized"`
	Action     string    `gorm:"size:10" json:"action"`
	Score      float64   `json:"score"`
	CreatedAt  time.Time `gorm:"index:idx_snapshot_symbol_time" json:"created_at"`
}

// EventRecord 事件日志
type EventRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Type      string    `gorm:"index;size:50" json:"type"`
	Severity  string    `gorm:"index;size:20" json:"severity"` // critical, warning, info
	Symbol    string    `gorm:"index;size:20" json:"symbol"`
	Message   string    `gorm:"type:text" json:"message"`
	Data      string    `gorm:"type:text" json:"data"` // JSON
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// ReconciliationRecord 对账冲突记录
type ReconciliationRecord struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol     string    `gorm:"index;size:20" json:"symbol"`
	Kind       string    `gorm:"size:30" json:"kind"` // position, daily_pnl
	LocalQty   float64   `json:"local_qty"`
	BrokerQty  float64   `json:"broker_qty"`
	Diff       float64   `json:"diff"`
	Note       string    `gorm:"type:text" json:"note"`
	ResolvedAt time.Time `gorm:"index" json:"resolved_at"`
}

// BacktestRun 一次 (标的, 场景) 回测的汇总
type BacktestRun struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Batch          string    `gorm:"index;size:30" json:"batch"`
	Mode           string    `gorm:"size:20" json:"mode"`
	Symbol         string    `gorm:"index;size:20" json:"symbol"`
	Scenario       string    `gorm:"size:20" json:"scenario"`
	Bars           int       `json:"bars"`
	Trades         int       `json:"trades"`
	WinRate        float64   `json:"win_rate"`
	PnL            float64   `json:"pnl"`
	ReturnPct      float64   `json:"return_pct"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	InitialCapital float64   `json:"initial_capital"`
	FinalEquity    float64   `json:"final_equity"`
	CreatedAt      time.Time `json:"created_at"`
}

// 过滤器

// ExecutionFilter 成交过滤器
type ExecutionFilter struct {
	Symbol  string
	OrderID string
	Since   *time.Time // 包含
	Until   *time.Time // 不包含
	Limit   int
}

// OrderFilter 订单过滤器
type OrderFilter struct {
	Symbol string
	Status string
	Since  *time.Time
	Limit  int
}

// EventFilter 事件过滤器
type EventFilter struct {
	Type     string
	Severity string
	Symbol   string
	Since    *time.Time
	Limit    int
}
