// Package logger provides a shared, component-tagged zap logger for every
// package in the tree. Call sites never hold their own *zap.Logger; they
// call the package-level Info/Warn/Error/Debug helpers with a component
// tag, or hold a small component-bound handle from Get.
package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	base     *zap.Logger
	initOnce sync.Once
)

func root() *zap.Logger {
	initOnce.Do(func() {
		level := parseLevel(os.Getenv("LOG_LEVEL"))
		dev := strings.EqualFold(os.Getenv("MARCUS_ENV"), "development")

		encoding := "json"
		encCfg := zap.NewProductionEncoderConfig()
		if dev {
			encoding = "console"
			encCfg = zap.NewDevelopmentEncoderConfig()
		}
		encCfg.TimeKey = "ts"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		if !dev {
			encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		}

		cfg := zap.Config{
			Level:            zap.NewAtomicLevelAt(level),
			Development:      dev,
			Encoding:         encoding,
			EncoderConfig:    encCfg,
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
		}

		l, err := cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			l, _ = zap.NewProduction()
		}
		base = l
	})
	return base
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func fields(f map[string]interface{}) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}

// DebugC logs a plain debug message tagged with component.
func DebugC(component, msg string) {
	root().Named(component).Debug(msg)
}

// DebugCF logs a debug message with structured fields.
func DebugCF(component, msg string, f map[string]interface{}) {
	root().Named(component).Debug(msg, fields(f)...)
}

// InfoC logs a plain info message tagged with component.
func InfoC(component, msg string) {
	root().Named(component).Info(msg)
}

// InfoCF logs an info message with structured fields.
func InfoCF(component, msg string, f map[string]interface{}) {
	root().Named(component).Info(msg, fields(f)...)
}

// WarnC logs a plain warning tagged with component.
func WarnC(component, msg string) {
	root().Named(component).Warn(msg)
}

// WarnCF logs a warning with structured fields.
func WarnCF(component, msg string, f map[string]interface{}) {
	root().Named(component).Warn(msg, fields(f)...)
}

// ErrorC logs a plain error message tagged with component.
func ErrorC(component, msg string) {
	root().Named(component).Error(msg)
}

// ErrorCF logs an error message with structured fields.
func ErrorCF(component, msg string, f map[string]interface{}) {
	root().Named(component).Error(msg, fields(f)...)
}

// Sync flushes any buffered log entries. Call once from main before exit.
func Sync() {
	if base != nil {
		_ = base.Sync()
	}
}

// Logger is a thin, component-bound handle for packages that prefer to hold
// a value instead of calling the package-level functions directly (used
// where a struct field reads better at call sites, e.g. long-lived
// providers and stores).
type Logger struct {
	component string
}

// Get returns a Logger bound to component.
func Get(component string) *Logger {
	return &Logger{component: component}
}

func (l *Logger) Debug(msg string)                            { DebugC(l.component, msg) }
func (l *Logger) DebugF(msg string, f map[string]interface{}) { DebugCF(l.component, msg, f) }
func (l *Logger) Info(msg string)                             { InfoC(l.component, msg) }
func (l *Logger) InfoF(msg string, f map[string]interface{})  { InfoCF(l.component, msg, f) }
func (l *Logger) Warn(msg string)                             { WarnC(l.component, msg) }
func (l *Logger) WarnF(msg string, f map[string]interface{})  { WarnCF(l.component, msg, f) }
func (l *Logger) Error(msg string)                            { ErrorC(l.component, msg) }
func (l *Logger) ErrorF(msg string, f map[string]interface{}) { ErrorCF(l.component, msg, f) }
