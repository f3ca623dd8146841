package logger

import (
	"fmt"
	"os"
	"sync"

	"github.com/Laisky/zap"
	"github.com/Laisky/zap/zapcore"

	"github.com/relaymesh/gateway/common/config"
)

// Logger is the process-wide structured logger. It is configured once at
// package init so that packages imported before main() runs (config,
// model) can still log during their own init().
var Logger *zap.Logger

var setupOnce sync.Once

func init() {
	Logger = build(config.DebugEnabled)
}

// Setup rebuilds the logger from config.DebugEnabled (read from the
// environment) and logs that it is initialized. It runs at most once per
// process; a config hot reload does not call it.
func Setup() {
	setupOnce.Do(func() {
		Logger = build(config.DebugEnabled)
		Logger.Info("logger initialized", zap.Bool("debug", config.DebugEnabled))
	})
}

// Reconfigure rebuilds the logger at the given level and swaps it in.
// Nothing in this module calls it; config hot reload leaves the level as is.
func Reconfigure(debug bool) {
	Logger = build(debug)
}

func build(debug bool) *zap.Logger {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stdout"}

	l, err := cfg.Build()
	if err != nil {
		// Logging itself can't fail us at startup; fall back to a bare
		// logger rather than panic so the process can still serve traffic.
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		l = zap.NewNop()
	}
	return l.With(zap.String("service", "ai-gateway"))
}
