package event

import (
	"time"

	"github.com/songjiangwork/auto-stock/logger"
)

// EventType 事件类型
type EventType string

const (
	EventTypeSystemStart            EventType = "system_start"
	EventTypeSystemStop             EventType = "system_stop"
	EventTypeReconcileCompleted     EventType = "reconcile_completed"
	EventTypeReconciliationConflict EventType = "reconciliation_conflict"
	EventTypeDecision               EventType = "decision"
	EventTypeRiskDenied             EventType = "risk_denied"
	EventTypeStopLoss               EventType = "stop_loss"
	EventTypeOrderSubmitted         EventType = "order_submitted"
	EventTypeOrderRejected          EventType = "order_rejected"
	EventTypeNoData                 EventType = "no_data"
	EventTypeConfigChanged          EventType = "config_changed"
	EventTypeError                  EventType = "error"
	EventTypeLog                    EventType = "log"
)

// Event 事件结构
type Event struct {
	Type      EventType
	Symbol    string
	Message   string
	Timestamp time.Time
	Data      map[string]interface{}
}

// Publisher 事件发布方（引擎、对账只依赖这个接口）
type Publisher interface {
	PublishEvent(eventType EventType, symbol, message string, data map[string]interface{})
}

// EventBus 事件总线
type EventBus struct {
	eventCh    chan *Event
	bufferSize int
}

// NewEventBus 创建事件总线
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &EventBus{
		eventCh:    make(chan *Event, bufferSize),
		bufferSize: bufferSize,
	}
}

// Publish 发布事件（非阻塞）
func (eb *EventBus) Publish(event *Event) bool {
	if event == nil {
		return false
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case eb.eventCh <- event:
		return true
	default:
		// 队列满时丢弃，不阻塞交易循环
		logger.Warn("⚠️ 事件队列已满，丢弃事件: %s", event.Type)
		return false
	}
}

// Subscribe 订阅事件（返回 channel）
func (eb *EventBus) Subscribe() <-chan *Event {
	return eb.eventCh
}

// Pending 队列中未处理的事件数
func (eb *EventBus) Pending() int {
	return len(eb.eventCh)
}

// Discard 丢弃所有事件的发布方，用于回测和测试
type Discard struct{}

// PublishEvent 实现 Publisher
func (Discard) PublishEvent(EventType, string, string, map[string]interface{}) {}
