package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu  sync.RWMutex
	log *zap.Logger
)

// Init builds the process logger. Debug mode uses the console encoder with
// coloured levels; otherwise JSON with an ISO8601 "timestamp" key.
func Init(debug bool) {
	var config zap.Config

	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	built, err := config.Build()
	if err != nil {
		panic(err)
	}
	Replace(built)
}

// Replace swaps the process logger, e.g. for zap.NewNop() in tests.
func Replace(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	log = l
}

// Get returns the logger instance
func Get() *zap.Logger {
	mu.RLock()
	l := log
	mu.RUnlock()
	if l == nil {
		Init(os.Getenv("DEBUG") == "true")
		return Get()
	}
	return l
}

// Component returns a child logger tagged with the component name. Long-lived
// objects (pool, runner, sinks) hold one of these.
func Component(name string) *zap.Logger {
	return Get().With(zap.String("component", name))
}

// Info logs an info message
func Info(msg string, fields ...zap.Field) {
	Get().Info(msg, fields...)
}

// Debug logs a debug message
func Debug(msg string, fields ...zap.Field) {
	Get().Debug(msg, fields...)
}

// Warn logs a warning message
func Warn(msg string, fields ...zap.Field) {
	Get().Warn(msg, fields...)
}

// Error logs an error message
func Error(msg string, fields ...zap.Field) {
	Get().Error(msg, fields...)
}

// Fatal logs a fatal message and exits
func Fatal(msg string, fields ...zap.Field) {
	Get().Fatal(msg, fields...)
}

// Sync flushes any buffered log entries
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if log != nil {
		_ = log.Sync()
	}
}
