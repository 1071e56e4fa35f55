package logger

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		" INFO ":  INFO,
		"warning": WARN,
		"Error":   ERROR,
		"fatal":   FATAL,
		"bogus":   INFO,
	}
	for in, want := range cases {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, 期望 %v", in, got, want)
		}
	}
}

func TestLogStorageRespectsMinLevel(t *testing.T) {
	SetLevel(INFO)
	defer Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, 4)
	InitLogStorage(func(level, message string) {
		mu.Lock()
		got = append(got, level+"|"+message)
		mu.Unlock()
		done <- struct{}{}
	}, WARN)

	Info("不应写入存储")
	Warn("写入存储 %d", 1)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("等待存储写入超时")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("存储写入次数应为 1, 得到 %d: %v", len(got), got)
	}
	if !strings.HasPrefix(got[0], "WARN|[WARN] 写入存储 1") {
		t.Errorf("存储内容不符合预期: %s", got[0])
	}
}
