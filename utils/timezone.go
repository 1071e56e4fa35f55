package utils

import (
	"time"
)

// DefaultTimezone 美股交易所所在时区
const DefaultTimezone = "America/New_York"

var (
	// GlobalLocation 全局配置的时区
	GlobalLocation *time.Location
)

func init() {
	SetLocation(DefaultTimezone)
}

// SetLocation 设置全局时区
func SetLocation(name string) error {
	loc, err := time.LoadLocation(name)
	if err != nil {
		// 加载失败时保留原有时区；系统缺少 tzdata 时退回 UTC
		if GlobalLocation == nil {
			GlobalLocation = time.UTC
		}
		return err
	}
	GlobalLocation = loc
	return nil
}

// ToConfiguredTimezone 将时间转换为配置的时区
func ToConfiguredTimezone(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.In(GlobalLocation)
}

// NowConfiguredTimezone 获取当前配置时区的时间
func NowConfiguredTimezone() time.Time {
	return time.Now().In(GlobalLocation)
}
