package log

import (
	"context"
	"sync"
)

// Logger 日志接口，With 返回附带固定字段的子 logger
type Logger interface {
	Debug(v ...interface{})
	Info(v ...interface{})
	Warn(v ...interface{})
	Error(v ...interface{})
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	With(keysAndValues ...interface{}) Logger
}

var (
	mux           sync.RWMutex
	defaultLogger Logger = NewSugarLogger(NewOptions())
)

func GetDefaultLogger() Logger {
	mux.RLock()
	defer mux.RUnlock()
	return defaultLogger
}

// SetDefaultLogger 替换默认实现，nil 忽略
func SetDefaultLogger(logger Logger) {
	if logger == nil {
		return
	}
	mux.Lock()
	defer mux.Unlock()
	defaultLogger = logger
}

type fieldsKey struct{}

// WithFields 在 ctx 上追加日志字段，例如事务 id、资源名
func WithFields(ctx context.Context, keysAndValues ...interface{}) context.Context {
	if len(keysAndValues) == 0 {
		return ctx
	}
	prev, _ := ctx.Value(fieldsKey{}).([]interface{})
	fields := make([]interface{}, 0, len(prev)+len(keysAndValues))
	fields = append(fields, prev...)
	fields = append(fields, keysAndValues...)
	return context.WithValue(ctx, fieldsKey{}, fields)
}

// Fields 取出 ctx 上的日志字段
func Fields(ctx context.Context) []interface{} {
	if ctx == nil {
		return nil
	}
	fields, _ := ctx.Value(fieldsKey{}).([]interface{})
	return fields
}

func fromContext(ctx context.Context) Logger {
	logger := GetDefaultLogger()
	if fields := Fields(ctx); len(fields) > 0 {
		return logger.With(fields...)
	}
	return logger
}

func Debugf(format string, args ...interface{}) {
	GetDefaultLogger().Debugf(format, args...)
}

func Infof(format string, args ...interface{}) {
	GetDefaultLogger().Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	GetDefaultLogger().Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	GetDefaultLogger().Errorf(format, args...)
}

// DebugContextf 打印 Debug 日志，附带 ctx 上的字段
func DebugContextf(ctx context.Context, format string, args ...interface{}) {
	fromContext(ctx).Debugf(format, args...)
}

func InfoContextf(ctx context.Context, format string, args ...interface{}) {
	fromContext(ctx).Infof(format, args...)
}

func WarnContextf(ctx context.Context, format string, args ...interface{}) {
	fromContext(ctx).Warnf(format, args...)
}

func ErrorContextf(ctx context.Context, format string, args ...interface{}) {
	fromContext(ctx).Errorf(format, args...)
}
