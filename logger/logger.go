package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel 日志级别
type LogLevel int

const (
	DEBUG LogLevel = iota // 调试信息（最详细）
	INFO                  // 一般信息
	WARN                  // 警告信息
	ERROR                 // 错误信息
	FATAL                 // 致命错误（程序无法继续）
)

// FileOptions 文件日志配置（轮转由 lumberjack 负责）
type FileOptions struct {
	Enabled    bool
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var (
	globalLevel LogLevel = INFO
	mu          sync.RWMutex

	// 文件日志
	fileLogger *log.Logger
	fileWriter io.WriteCloser
	fileOpts   = FileOptions{Dir: "logs", MaxSizeMB: 50, MaxBackups: 7, MaxAgeDays: 30}
	fileMu     sync.Mutex

	// 时区
	globalLocation *time.Location = time.Local
	locationMu     sync.RWMutex

	// 异步存储写入器（通过函数指针避免循环依赖）
	logStorageWriter func(level, message string)
	logStorageLevel  LogLevel = WARN
	logStorageMu     sync.RWMutex
)

// String 返回日志级别的字符串表示
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel 解析日志级别字符串
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO // 默认INFO级别
	}
}

// SetLevel 设置全局日志级别，DEBUG 级别会自动启用文件日志
func SetLevel(level LogLevel) {
	mu.Lock()
	globalLevel = level
	mu.Unlock()

	fileMu.Lock()
	enabled := fileOpts.Enabled
	fileMu.Unlock()

	if level == DEBUG || enabled {
		initFileLogger()
	} else {
		closeFileLogger()
	}
}

// GetLevel 获取全局日志级别
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return globalLevel
}

// SetLocation 设置日志时间戳时区
func SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	locationMu.Lock()
	defer locationMu.Unlock()
	globalLocation = loc
}

// ConfigureFile 设置文件日志参数
func ConfigureFile(opts FileOptions) {
	fileMu.Lock()
	if opts.Dir == "" {
		opts.Dir = "logs"
	}
	fileOpts = opts
	fileMu.Unlock()

	closeFileLogger()
	if opts.Enabled || GetLevel() == DEBUG {
		initFileLogger()
	}
}

// initFileLogger 初始化文件日志
func initFileLogger() {
	fileMu.Lock()
	defer fileMu.Unlock()

	if fileLogger != nil {
		return
	}

	if err := os.MkdirAll(fileOpts.Dir, 0755); err != nil {
		log.Printf("[WARN] 创建日志文件夹失败: %v，将只输出到控制台", err)
		return
	}

	logFileName := filepath.Join(fileOpts.Dir, "app-autostock.log")
	fileWriter = &lumberjack.Logger{
		Filename:   logFileName,
		MaxSize:    fileOpts.MaxSizeMB,
		MaxBackups: fileOpts.MaxBackups,
		MaxAge:     fileOpts.MaxAgeDays,
		Compress:   fileOpts.Compress,
		LocalTime:  true,
	}
	// 文件日志器不带前缀时间戳，由 logf 写入配置时区的时间
	fileLogger = log.New(fileWriter, "", 0)

	log.Printf("[INFO] 文件日志已启用，日志文件: %s", logFileName)
}

// closeFileLogger 关闭文件日志
func closeFileLogger() {
	fileMu.Lock()
	defer fileMu.Unlock()

	if fileWriter != nil {
		fileWriter.Close()
		fileWriter = nil
		fileLogger = nil
	}
}

// InitLogStorage 初始化日志存储，minLevel 以下的日志不会写入
func InitLogStorage(writer func(level, message string), minLevel LogLevel) {
	logStorageMu.Lock()
	defer logStorageMu.Unlock()
	logStorageWriter = writer
	logStorageLevel = minLevel
}

// Close 关闭文件日志（程序退出时调用）
func Close() {
	closeFileLogger()
	logStorageMu.Lock()
	defer logStorageMu.Unlock()
	logStorageWriter = nil
}

func shouldLog(level LogLevel) bool {
	return level >= GetLevel()
}

func now() string {
	locationMu.RLock()
	loc := globalLocation
	locationMu.RUnlock()
	return time.Now().In(loc).Format("2006/01/02 15:04:05")
}

// emit 输出到控制台、文件和存储
func emit(level LogLevel, message string) {
	log.Print(message)

	fileMu.Lock()
	if fileLogger != nil {
		fileLogger.Printf("%s %s", now(), message)
	}
	fileMu.Unlock()

	logStorageMu.RLock()
	writer := logStorageWriter
	minLevel := logStorageLevel
	logStorageMu.RUnlock()

	if writer != nil && level >= minLevel {
		// 异步写入，避免阻塞交易循环
		go func() {
			defer func() {
				// 存储写入失败不能影响主程序，也不能再打日志（避免循环）
				_ = recover()
			}()
			writer(level.String(), message)
		}()
	}
}

func logf(level LogLevel, format string, args ...interface{}) {
	if !shouldLog(level) {
		return
	}
	emit(level, fmt.Sprintf("[%s] ", level.String())+fmt.Sprintf(format, args...))
}

func logln(level LogLevel, args ...interface{}) {
	if !shouldLog(level) {
		return
	}
	message := fmt.Sprintln(append([]interface{}{fmt.Sprintf("[%s]", level.String())}, args...)...)
	emit(level, strings.TrimSuffix(message, "\n"))
}

// Debug 输出调试日志
func Debug(format string, args ...interface{}) {
	logf(DEBUG, format, args...)
}

// Debugln 输出调试日志（无格式）
func Debugln(args ...interface{}) {
	logln(DEBUG, args...)
}

// Info 输出一般信息日志
func Info(format string, args ...interface{}) {
	logf(INFO, format, args...)
}

// Infoln 输出一般信息日志（无格式）
func Infoln(args ...interface{}) {
	logln(INFO, args...)
}

// Warn 输出警告日志
func Warn(format string, args ...interface{}) {
	logf(WARN, format, args...)
}

// Warnln 输出警告日志（无格式）
func Warnln(args ...interface{}) {
	logln(WARN, args...)
}

// Error 输出错误日志
func Error(format string, args ...interface{}) {
	logf(ERROR, format, args...)
}

// Errorln 输出错误日志（无格式）
func Errorln(args ...interface{}) {
	logln(ERROR, args...)
}

// Fatal 输出致命错误日志并退出程序
func Fatal(format string, args ...interface{}) {
	logf(FATAL, format, args...)
	Close()
	os.Exit(1)
}
