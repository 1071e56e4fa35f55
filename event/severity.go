package event

// EventSeverity 事件严重程度
type EventSeverity string

const (
	SeverityCritical EventSeverity = "critical"
	SeverityWarning  EventSeverity = "warning"
	SeverityInfo     EventSeverity = "info"
)

var severities = map[EventType]EventSeverity{
	EventTypeError:                  SeverityCritical,
	EventTypeReconciliationConflict: SeverityWarning,
	EventTypeRiskDenied:             SeverityWarning,
	EventTypeStopLoss:               SeverityWarning,
	EventTypeOrderRejected:          SeverityWarning,
	EventTypeNoData:                 SeverityWarning,
	EventTypeConfigChanged:          SeverityWarning,
}

var titles = map[EventType]string{
	EventTypeSystemStart:            "系统启动",
	EventTypeSystemStop:             "系统停止",
	EventTypeReconcileCompleted:     "对账完成",
	EventTypeReconciliationConflict: "对账冲突",
	EventTypeDecision:               "交易决策",
	EventTypeRiskDenied:             "风控拒绝",
	EventTypeStopLoss:               "触发止损",
	EventTypeOrderSubmitted:         "订单已提交",
	EventTypeOrderRejected:          "订单被拒",
	EventTypeNoData:                 "无行情数据",
	EventTypeConfigChanged:          "配置变更",
	EventTypeError:                  "错误",
	EventTypeLog:                    "日志",
}

// GetEventSeverity 事件类型对应的严重程度，未登记的为 info
func GetEventSeverity(eventType EventType) EventSeverity {
	if s, ok := severities[eventType]; ok {
		return s
	}
	return SeverityInfo
}

// GetEventTitle 事件标题
func GetEventTitle(eventType EventType) string {
	if t, ok := titles[eventType]; ok {
		return t
	}
	return string(eventType)
}
