package event

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/songjiangwork/auto-stock/database"
	"github.com/songjiangwork/auto-stock/logger"
)

// EventCenter 事件中心：消费事件总线并写入 events 表
type EventCenter struct {
	db       database.Database
	eventBus *EventBus
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
}

// NewEventCenter 创建事件中心
func NewEventCenter(db database.Database, bufferSize int) *EventCenter {
	ctx, cancel := context.WithCancel(context.Background())
	return &EventCenter{
		db:       db,
		eventBus: NewEventBus(bufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 启动事件中心
func (ec *EventCenter) Start() {
	if ec.started {
		return
	}
	ec.started = true

	ec.wg.Add(1)
	go ec.processEvents()
	logger.Debug("✅ 事件中心已启动")
}

// Stop 停止事件中心，退出前写完队列中剩余的事件
func (ec *EventCenter) Stop() {
	ec.cancel()
	ec.wg.Wait()
	logger.Debug("✅ 事件中心已停止")
}

func (ec *EventCenter) processEvents() {
	defer ec.wg.Done()

	eventCh := ec.eventBus.Subscribe()
	for {
		select {
		case <-ec.ctx.Done():
			ec.drain(eventCh)
			return
		case ev := <-eventCh:
			ec.handleEvent(ev)
		}
	}
}

func (ec *EventCenter) drain(eventCh <-chan *Event) {
	for {
		select {
		case ev := <-eventCh:
			ec.handleEvent(ev)
		default:
			return
		}
	}
}

// handleEvent 持久化单个事件
func (ec *EventCenter) handleEvent(ev *Event) {
	if ev == nil {
		return
	}

	message := ev.Message
	if message == "" {
		message = GetEventTitle(ev.Type)
	}

	details := "{}"
	if len(ev.Data) > 0 {
		raw, err := json.Marshal(ev.Data)
		if err != nil {
			logger.Warn("⚠️ 序列化事件详情失败: %v", err)
		} else {
			details = string(raw)
		}
	}

	record := &database.EventRecord{
		Type:      string(ev.Type),
		Severity:  string(GetEventSeverity(ev.Type)),
		Symbol:    ev.Symbol,
		Message:   message,
		Data:      details,
		CreatedAt: ev.Timestamp.UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ec.db.SaveEvent(ctx, record); err != nil {
		logger.Error("❌ 保存事件失败: %v", err)
	}
}

// PublishEvent 发布事件（便捷方法）
func (ec *EventCenter) PublishEvent(eventType EventType, symbol, message string, data map[string]interface{}) {
	ec.eventBus.Publish(&Event{
		Type:      eventType,
		Symbol:    symbol,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// LogWriter 返回写入 events 表的日志存储函数，供 logger.InitLogStorage 使用
// 直接落库而不经过事件总线，避免队列满时的告警日志再次入队
func (ec *EventCenter) LogWriter() func(level, message string) {
	return func(level, message string) {
		severity := SeverityWarning
		if level == "ERROR" || level == "FATAL" {
			severity = SeverityCritical
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ec.db.SaveEvent(ctx, &database.EventRecord{
			Type:      string(EventTypeLog),
			Severity:  string(severity),
			Message:   strings.TrimSpace(message),
			Data:      "{}",
			CreatedAt: time.Now().UTC(),
		})
	}
}
