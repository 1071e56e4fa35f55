package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormDatabase GORM 数据库实现
type GormDatabase struct {
	db *gorm.DB
}

// DBConfig 数据库配置
type DBConfig struct {
	Type            string        // sqlite, postgres, mysql
	DSN             string        // 数据源名称
	MaxOpenConns    int           // 最大打开连接数
	MaxIdleConns    int           // 最大空闲连接数
	ConnMaxLifetime time.Duration // 连接最大生命周期
	LogLevel        string        // 日志级别: silent, error, warn, info
}

// NewGormDatabase 创建 GORM 数据库实例
func NewGormDatabase(config *DBConfig) (*GormDatabase, error) {
	var dialector gorm.Dialector

	switch config.Type {
	case "sqlite":
		dialector = sqlite.Open(config.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	// 日志级别
	logLevel := logger.Silent
	switch config.LogLevel {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	// 配置连接池
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(
		&Execution{},
		&DailyPnL{},
		&LossCounter{},
		&AppState{},
		&OrderRecord{},
		&Snapshot{},
		&EventRecord{},
		&ReconciliationRecord{},
		&BacktestRun{},
	); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	return &GormDatabase{db: db}, nil
}

// UpsertExecution 按成交 ID 插入，已存在时不做任何修改；返回是否新插入
func (g *GormDatabase) UpsertExecution(ctx context.Context, exec *Execution) (bool, error) {
	if exec.ExecID == "" {
		return false, errors.New("成交 ID 不能为空")
	}
	result := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "exec_id"}}, DoNothing: true}).
		Create(exec)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// LatestExecutionTime 最新成交时间，无记录时为零值
func (g *GormDatabase) LatestExecutionTime(ctx context.Context) (time.Time, error) {
	var exec Execution
	err := g.db.WithContext(ctx).Order("executed_at DESC").Limit(1).Find(&exec).Error
	if err != nil {
		return time.Time{}, err
	}
	if exec.ExecID == "" {
		return time.Time{}, nil
	}
	return exec.ExecutedAt, nil
}

// ListExecutions 按时间升序列出成交
func (g *GormDatabase) ListExecutions(ctx context.Context, filter *ExecutionFilter) ([]*Execution, error) {
	query := g.db.WithContext(ctx).Model(&Execution{})

	if filter != nil {
		if filter.Symbol != "" {
			query = query.Where("symbol = ?", filter.Symbol)
		}
		if filter.OrderID != "" {
			query = query.Where("order_id = ?", filter.OrderID)
		}
		if filter.Since != nil {
			query = query.Where("executed_at >= ?", *filter.Since)
		}
		if filter.Until != nil {
			query = query.Where("executed_at < ?", *filter.Until)
		}
		if filter.Limit > 0 {
			query = query.Limit(filter.Limit)
		}
	}

	var execs []*Execution
	if err := query.Order("executed_at ASC").Order("exec_id ASC").Find(&execs).Error; err != nil {
		return nil, err
	}
	return execs, nil
}

// GetDailyPnL 获取某标的某日盈亏，不存在时返回 nil
func (g *GormDatabase) GetDailyPnL(ctx context.Context, symbol, tradeDate string) (*DailyPnL, error) {
	var rows []*DailyPnL
	err := g.db.WithContext(ctx).
		Where("symbol = ? AND trade_date = ?", symbol, tradeDate).
		Limit(1).Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// UpsertDailyPnL 按 (symbol, trade_date) 写入
func (g *GormDatabase) UpsertDailyPnL(ctx context.Context, row *DailyPnL) error {
	row.UpdatedAt = time.Now()
	return g.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "symbol"}, {Name: "trade_date"}},
			DoUpdates: clause.AssignmentColumns([]string{"realized", "trade_count", "updated_at"}),
		}).
		Create(row).Error
}

// ListDailyPnL 某日全部标的盈亏
func (g *GormDatabase) ListDailyPnL(ctx context.Context, tradeDate string) ([]*DailyPnL, error) {
	var rows []*DailyPnL
	if err := g.db.WithContext(ctx).Where("trade_date = ?", tradeDate).Order("symbol ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// GetLossCounter 获取连亏计数，不存在时返回 nil
func (g *GormDatabase) GetLossCounter(ctx context.Context, symbol string) (*LossCounter, error) {
	var rows []*LossCounter
	if err := g.db.WithContext(ctx).Where("symbol = ?", symbol).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// SaveLossCounter 写入连亏计数
func (g *GormDatabase) SaveLossCounter(ctx context.Context, counter *LossCounter) error {
	counter.UpdatedAt = time.Now()
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(counter).Error
}

// GetState 读取键值状态
func (g *GormDatabase) GetState(ctx context.Context, key string) (string, bool, error) {
	var rows []*AppState
	if err := g.db.WithContext(ctx).Where(&AppState{Key: key}).Limit(1).Find(&rows).Error; err != nil {
		return "", false, err
	}
	if len(rows) == 0 {
		return "", false, nil
	}
	return rows[0].Value, true, nil
}

// SetState 写入键值状态
func (g *GormDatabase) SetState(ctx context.Context, key, value string) error {
	state := &AppState{Key: key, Value: value, UpdatedAt: time.Now()}
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(state).Error
}

// SaveOrder 保存订单记录
func (g *GormDatabase) SaveOrder(ctx context.Context, order *OrderRecord) error {
	return g.db.WithContext(ctx).Create(order).Error
}

// GetOrders 获取订单记录（新的在前）
func (g *GormDatabase) GetOrders(ctx context.Context, filter *OrderFilter) ([]*OrderRecord, error) {
	query := g.db.WithContext(ctx).Model(&OrderRecord{})

	if filter != nil {
		if filter.Symbol != "" {
			query = query.Where("symbol = ?", filter.Symbol)
		}
		if filter.Status != "" {
			query = query.Where("status = ?", filter.Status)
		}
		if filter.Since != nil {
			query = query.Where("created_at >= ?", *filter.Since)
		}
		if filter.Limit > 0 {
			query = query.Limit(filter.Limit)
		}
	}

	var orders []*OrderRecord
	if err := query.Order("created_at DESC").Order("id DESC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// SaveSnapshot 保存快照
func (g *GormDatabase) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	return g.db.WithContext(ctx).Create(snap).Error
}

// LatestSnapshots 每个标的最新一条快照
func (g *GormDatabase) LatestSnapshots(ctx context.Context) ([]*Snapshot, error) {
	latest := g.db.Model(&Snapshot{}).Select("MAX(id)").Group("symbol")
	var snaps []*Snapshot
	if err := g.db.WithContext(ctx).Where("id IN (?)", latest).Order("symbol ASC").Find(&snaps).Error; err != nil {
		return nil, err
	}
	return snaps, nil
}

// SaveEvent 保存事件记录
func (g *GormDatabase) SaveEvent(ctx context.Context, event *EventRecord) error {
	return g.db.WithContext(ctx).Create(event).Error
}

// GetEvents 获取事件记录（新的在前）
func (g *GormDatabase) GetEvents(ctx context.Context, filter *EventFilter) ([]*EventRecord, error) {
	query := g.db.WithContext(ctx).Model(&EventRecord{})

	if filter != nil {
		if filter.Type != "" {
			query = query.Where("type = ?", filter.Type)
		}
		if filter.Severity != "" {
			query = query.Where("severity = ?", filter.Severity)
		}
		if filter.Symbol != "" {
			query = query.Where("symbol = ?", filter.Symbol)
		}
		if filter.Since != nil {
			query = query.Where("created_at >= ?", *filter.Since)
		}
		if filter.Limit > 0 {
			query = query.Limit(filter.Limit)
		}
	}

	var events []*EventRecord
	if err := query.Order("created_at DESC").Order("id DESC").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// SaveReconciliation 保存对账冲突
func (g *GormDatabase) SaveReconciliation(ctx context.Context, recon *ReconciliationRecord) error {
	return g.db.WithContext(ctx).Create(recon).Error
}

// GetReconciliations 最近的对账冲突
func (g *GormDatabase) GetReconciliations(ctx context.Context, limit int) ([]*ReconciliationRecord, error) {
	query := g.db.WithContext(ctx).Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var recons []*ReconciliationRecord
	if err := query.Find(&recons).Error; err != nil {
		return nil, err
	}
	return recons, nil
}

// SaveBacktestRuns 批量保存回测结果
func (g *GormDatabase) SaveBacktestRuns(ctx context.Context, runs []*BacktestRun) error {
	if len(runs) == 0 {
		return nil
	}
	return g.db.WithContext(ctx).CreateInBatches(runs, 100).Error
}

// WithTx 在事务中执行 fn
func (g *GormDatabase) WithTx(ctx context.Context, fn func(tx Database) error) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormDatabase{db: tx})
	})
}

// Ping 健康检查
func (g *GormDatabase) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭连接
func (g *GormDatabase) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
