// Package logger wraps a process-wide zap logger shared by the coordinator,
// the worker nodes and the command-line client.
package logger

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu  sync.RWMutex
	log *zap.Logger
)

// Config represents logger configuration
type Config struct {
	Level      string `mapstructure:"level" json:"level"`             // debug, info, warn, error
	Encoding   string `mapstructure:"encoding" json:"encoding"`       // json or console
	OutputPath string `mapstructure:"output_path" json:"output_path"` // stdout, stderr, or file path
	Component  string `mapstructure:"component" json:"component"`     // coordinator, node, ...
}

// Init initializes the global logger with the given configuration.
func Init(cfg Config) error {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Encoding == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var writer zapcore.WriteSyncer
	switch cfg.OutputPath {
	case "", "stderr":
		writer = zapcore.AddSync(os.Stderr)
	case "stdout":
		writer = zapcore.AddSync(os.Stdout)
	default:
		file, err := os.OpenFile(cfg.OutputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		writer = zapcore.AddSync(file)
	}

	l := zap.New(zapcore.NewCore(encoder, writer, level), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if cfg.Component != "" {
		l = l.With(zap.String("component", cfg.Component))
	}

	mu.Lock()
	log = l
	mu.Unlock()
	return nil
}

// Set replaces the global logger. Tests use it with zaptest or zap.NewNop.
func Set(l *zap.Logger) {
	mu.Lock()
	log = l
	mu.Unlock()
}

// L returns the global logger, initializing a console logger on first use.
func L() *zap.Logger {
	mu.RLock()
	l := log
	mu.RUnlock()
	if l != nil {
		return l
	}
	_ = Init(Config{Level: "info", Encoding: "console", OutputPath: "stderr", Component: "conveyor"})
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Named returns a child of the global logger scoped to a subsystem.
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// Sync flushes buffered entries; call it before the process exits.
func Sync() {
	_ = L().Sync()
}
