// internal/debuglog/logger.go
//
// Process-wide logging facade. Logf always emits; Debugf emits only when
// MESHDB_DEBUG=1. Output goes to stderr, and additionally to a rotated file
// when MESHDB_LOG_FILE is set.
package debuglog

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	once    sync.Once
	sugar   *zap.SugaredLogger
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func enabled() bool {
	return os.Getenv("MESHDB_DEBUG") == "1"
}

func logger() *zap.SugaredLogger {
	once.Do(func() {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc := zapcore.NewConsoleEncoder(encCfg)

		level := zapcore.InfoLevel
		if enabled() {
			level = zapcore.DebugLevel
		}

		cores := []zapcore.Core{
			zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level),
		}
		if path := os.Getenv("MESHDB_LOG_FILE"); path != "" {
			sink := zapcore.AddSync(&lumberjack.Logger{
				Filename:   path,
				MaxSize:    50, // megabytes
				MaxBackups: 3,
				MaxAge:     14, // days
			})
			cores = append(cores, zapcore.NewCore(enc, sink, level))
		}
		sugar = zap.New(zapcore.NewTee(cores...)).Sugar()
	})
	return sugar
}

func Logf(format string, args ...any) {
	logger().Infof(format, args...)
}

func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	logger().Debugf(format, args...)
}

func Errorf(format string, args ...any) {
	logger().Errorf(format, args...)
}

// RateLimitedf logs at most once per interval for the same key. Debug-only,
// meant for per-message noise on hot network paths.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !enabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	logger().Debugf(format, args...)
}

// Sync flushes buffered log entries, for use at shutdown.
func Sync() {
	if sugar != nil {
		_ = sugar.Sync()
	}
}
