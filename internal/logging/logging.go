package logging

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level and encoding for the process logger.
type Config struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

var (
	mu       sync.RWMutex
	base     = mustDefault()
	disabled atomic.Bool
)

func mustDefault() *zap.Logger {
	l, err := build(Config{Level: "info", Format: "console"})
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func build(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	var zc zap.Config
	switch strings.ToLower(cfg.Format) {
	case "", "console":
		zc = zap.NewDevelopmentConfig()
		zc.Development = false
		zc.DisableStacktrace = true
	case "json":
		zc = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

// Init replaces the process logger.
func Init(cfg Config) error {
	l, err := build(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	old := base
	base = l
	mu.Unlock()
	_ = old.Sync()
	return nil
}

// L returns the process logger, or a no-op logger while disabled.
func L() *zap.Logger {
	if disabled.Load() {
		return zap.NewNop()
	}
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Named returns a component logger.
func Named(component string) *zap.Logger {
	return L().Named(component)
}

// Disable turns off all logging
func Disable() {
	disabled.Store(true)
}

// Enable turns logging back on
func Enable() {
	disabled.Store(false)
}

// Sync flushes buffered entries.
func Sync() {
	_ = L().Sync()
}

// Info logs an info message
func Info(v ...any) {
	L().Sugar().Info(v...)
}

// Infof logs a formatted info message
func Infof(format string, v ...any) {
	L().Sugar().Infof(format, v...)
}

// Error logs an error message
func Error(v ...any) {
	L().Sugar().Error(v...)
}

// Errorf logs a formatted error message
func Errorf(format string, v ...any) {
	L().Sugar().Errorf(format, v...)
}

// Warnf logs a formatted warning message
func Warnf(format string, v ...any) {
	L().Sugar().Warnf(format, v...)
}

// Debugf logs a formatted debug message
func Debugf(format string, v ...any) {
	L().Sugar().Debugf(format, v...)
}

// Ref renders an opaque handle (credential ref, token) for logs.
func Ref(id string) string {
	if len(id) > 8 {
		return id[:8] + "…"
	}
	return id
}
