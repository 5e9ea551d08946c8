// Package logging provides category-scoped structured loggers on a shared zap
// core, with optional per-category file output.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a subsystem's log stream.
type Category string

const (
	CategoryBoot      Category = "boot"      // startup and wiring
	CategorySession   Category = "session"   // session lifecycle
	CategoryKernel    Category = "kernel"    // composer and stage reports
	CategoryLoop      Category = "loop"      // tick orchestration
	CategoryStore     Category = "store"     // sqlite driver
	CategoryTransport Category = "transport" // outbox and subscribers
	CategorySkills    Category = "skills"    // skill runner
	CategoryServer    Category = "server"    // HTTP/WS facade
	CategoryAdapt     Category = "adapt"     // policy adaptation
)

var (
	mu      sync.RWMutex
	root    *zap.Logger
	loggers = map[Category]*zap.Logger{}
)

func init() {
	root = zap.NewNop()
}

// Initialize builds the shared core at the given level. When dir is non-empty
// logs are additionally written to <dir>/noema.log.
func Initialize(level, dir string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.Lock(os.Stderr),
		lvl,
	)

	cores := []zapcore.Core{consoleCore}
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(dir, "noema.log"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(f),
			lvl,
		))
	}

	mu.Lock()
	defer mu.Unlock()
	root = zap.New(zapcore.NewTee(cores...))
	loggers = map[Category]*zap.Logger{}
	return nil
}

// Get returns the logger for a category, creating it on first use.
func Get(cat Category) *zap.Logger {
	mu.RLock()
	l, ok := loggers[cat]
	mu.RUnlock()
	if ok {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	l = root.With(zap.String("cat", string(cat)))
	loggers[cat] = l
	return l
}

// Sync flushes the shared core.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}
