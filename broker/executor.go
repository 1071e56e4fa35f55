package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/songjiangwork/auto-stock/database"
	"github.com/songjiangwork/auto-stock/lock"
	"github.com/songjiangwork/auto-stock/logger"
	"github.com/songjiangwork/auto-stock/metrics"
)

// 下单原因
const (
	ReasonStrategyBuy  = "STRATEGY_BUY"
	ReasonStrategySell = "STRATEGY_SELL"
	ReasonStopLoss     = "STOP_LOSS"
	ReasonFlatten      = "FLATTEN"
)

// 订单记录状态
const (
	OrderStatusSubmitted = "SUBMITTED"
	OrderStatusRejected  = "REJECTED"
	OrderStatusDryRun    = "DRY_RUN"
)

// OrderRequest 下单请求
type OrderRequest struct {
	Symbol   string
	Side     string
	Quantity int
	Price    float64 // 参考价，仅用于记录
	Reason   string
	Note     string
}

// OrderExecutor 下单执行器：标的级锁、记录订单、指标
// 单个周期内不重试，拒单原样返回给调用方
type OrderExecutor struct {
	broker Broker
	db     database.Database
	lock   lock.DistributedLock
	dryRun bool
}

// NewOrderExecutor 创建下单执行器
func NewOrderExecutor(b Broker, db database.Database, distributedLock lock.DistributedLock, dryRun bool) *OrderExecutor {
	if distributedLock == nil {
		distributedLock = lock.NewLocalLock()
	}
	return &OrderExecutor{broker: b, db: db, lock: distributedLock, dryRun: dryRun}
}

// PlaceOrder 提交市价单
func (oe *OrderExecutor) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	pm := metrics.GetPrometheusMetrics()

	order, err := BuildMarketOrder(req.Symbol, req.Side, req.Quantity)
	if err != nil {
		return nil, err
	}

	record := &database.OrderRecord{
		Symbol:        order.Symbol,
		Side:          order.Side,
		Quantity:      float64(order.Quantity),
		Price:         req.Price,
		Reason:        req.Reason,
		ClientOrderID: order.ClientOrderID,
		Note:          req.Note,
		CreatedAt:     time.Now().UTC(),
	}

	if oe.dryRun {
		record.Status = OrderStatusDryRun
		oe.saveOrder(ctx, record)
		pm.RecordOrder(order.Symbol, order.Side, OrderStatusDryRun)
		logger.Info("🧪 [%s] DRY RUN %s %d @ %.2f (%s)", order.Symbol, order.Side, order.Quantity, req.Price, req.Reason)
		return &OrderResult{ClientOrderID: order.ClientOrderID, Status: OrderStatusDryRun}, nil
	}

	// 同一账户同一标的同时只允许一笔下单
	lockKey := fmt.Sprintf("order:%s:%s", oe.broker.Account(), order.Symbol)
	acquired, lockErr := oe.lock.TryLock(ctx, lockKey, 30*time.Second)
	if lockErr != nil {
		// 锁服务异常不阻塞下单
		logger.Warn("⚠️ [%s] 获取下单锁失败: %v", order.Symbol, lockErr)
	} else if !acquired {
		logger.Warn("🔒 [%s] 已有下单在进行中，跳过", order.Symbol)
		return nil, fmt.Errorf("标的 %s 下单锁被占用", order.Symbol)
	} else {
		defer func() {
			if err := oe.lock.Unlock(context.WithoutCancel(ctx), lockKey); err != nil {
				logger.Warn("⚠️ [%s] 释放下单锁失败: %v", order.Symbol, err)
			}
		}()
	}

	result, err := oe.broker.SubmitMarketOrder(ctx, order)
	if err != nil {
		var rejection *OrderRejection
		if errors.As(err, &rejection) {
			record.Status = OrderStatusRejected
			record.Note = joinNote(req.Note, rejection.Reason)
			oe.saveOrder(ctx, record)
			pm.RecordOrder(order.Symbol, order.Side, OrderStatusRejected)
			pm.RecordOrderRejection(order.Symbol)
			logger.Warn("⚠️ [%s] 订单被拒 %s %d: %s", order.Symbol, order.Side, order.Quantity, rejection.Reason)
		}
		return nil, err
	}

	record.Status = OrderStatusSubmitted
	record.BrokerOrderID = result.OrderID
	oe.saveOrder(ctx, record)
	pm.RecordOrder(order.Symbol, order.Side, OrderStatusSubmitted)
	logger.Info("✅ [%s] 下单成功 %s %d @ %.2f 订单ID: %s (%s)", order.Symbol, order.Side, order.Quantity, req.Price, result.OrderID, result.Status)
	return result, nil
}

func (oe *OrderExecutor) saveOrder(ctx context.Context, record *database.OrderRecord) {
	if oe.db == nil {
		return
	}
	if err := oe.db.SaveOrder(context.WithoutCancel(ctx), record); err != nil {
		logger.Error("❌ [%s] 保存订单记录失败: %v", record.Symbol, err)
	}
}

func joinNote(note, reason string) string {
	if note == "" {
		return reason
	}
	if reason == "" {
		return note
	}
	return note + " | " + reason
}
