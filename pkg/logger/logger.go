// Package logger 提供基于 slog 的结构化日志。
//
// 核心功能:
//   - Init() 配置默认日志器 (JSON/Text), SetLevel() 动态调整级别
//   - FromContext() 上下文感知日志
//   - 包级便捷方法 (Info/Error/Warn/Debug/Fatal)
//   - AttachDBHandler() pool 就绪后双写 PostgreSQL engine_logs
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	// defaultLogger 使用 atomic.Pointer 保证并发安全。
	defaultLogger atomic.Pointer[slog.Logger]

	// level 所有内置 handler 共享, SetLevel 即时生效。
	level = new(slog.LevelVar)
)

func init() { defaultLogger.Store(newLogger(false)) }

// getLogger 原子读取当前默认日志器。
func getLogger() *slog.Logger { return defaultLogger.Load() }

// storeLogger 原子存储默认日志器并同步 slog.SetDefault。
func storeLogger(l *slog.Logger) {
	defaultLogger.Store(l)
	slog.SetDefault(l)
}

func newLogger(development bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: development,
	}
	var handler slog.Handler
	if development {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// Init 初始化日志配置。env: "development"/"dev" 或 "production" (默认)。
func Init(env string) {
	env = strings.ToLower(strings.TrimSpace(env))
	dev := env == "development" || env == "dev"
	storeLogger(newLogger(dev))
}

// SetLevel 设置日志级别 (DEBUG/INFO/WARN/ERROR), 无法识别时保持 INFO。
func SetLevel(name string) {
	level.Set(ParseLevel(name))
}

// ParseLevel 解析级别名称 (大小写不敏感)。
func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ========================================
// Context 感知日志
// ========================================

type ctxKey struct{}

// WithContext 将日志器注入 context。
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext 从 context 提取日志器，若不存在则返回默认日志器。
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
			return l
		}
	}
	return getLogger()
}

// ========================================
// 包级便捷方法
// ========================================

// Info/Error/Warn/Debug 记录结构化日志。args 为 key-value 对。
func Info(msg string, args ...any)  { getLogger().Info(msg, args...) }
func Error(msg string, args ...any) { getLogger().Error(msg, args...) }
func Warn(msg string, args ...any)  { getLogger().Warn(msg, args...) }
func Debug(msg string, args ...any) { getLogger().Debug(msg, args...) }

// Fatal 记录致命错误, flush DB 日志后退出。
func Fatal(msg string, args ...any) {
	getLogger().Error(msg, args...)
	ShutdownDBHandler()
	os.Exit(1)
}

// 预留字段常量, MUST 使用常量键名，勿硬编码。
const (
	FieldThreadID   = "thread_id"
	FieldTurnID     = "turn_id"
	FieldItemID     = "item_id"
	FieldRequestID  = "request_id"
	FieldEventType  = "event_type"
	FieldItemType   = "item_type"
	FieldComponent  = "component"
	FieldSource     = "source"
	FieldError      = "error"
	FieldStatus     = "status"
	FieldDecision   = "decision"
	FieldCount      = "count"
	FieldMethod     = "method"
	FieldTopic      = "topic"
	FieldSeq        = "seq"
	FieldAttempt    = "attempt"
	FieldDurationMS = "duration_ms"
	FieldAddr       = "addr"
	FieldURL        = "url"
	FieldPort       = "port"
	FieldPath       = "path"
	FieldKey        = "key"
	FieldVersion    = "version"
	FieldSubscriber = "subscriber"
	FieldRaw        = "raw"
)
