// Package logger hands out named subsystem loggers that share one verbosity
// level.
//
// The level is read once from HUDDLE_LOG and can be changed at runtime with
// SetLevel:
//
//	HUDDLE_LOG=warn   warnings and errors only (default)
//	HUDDLE_LOG=info   lifecycle: peers found/lost, group created/joined, messages
//	HUDDLE_LOG=debug  full protocol trace including dropped packets
//
// Usage:
//
//	var log = logger.Named("discovery")
//	log.Infow("peer discovered", "peer", id, "addr", addr)
package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvLevel is the environment variable holding the verbosity knob.
const EnvLevel = "HUDDLE_LOG"

var (
	level = zap.NewAtomicLevelAt(zapcore.WarnLevel)

	rootOnce sync.Once
	root     *zap.Logger
)

func base() *zap.Logger {
	rootOnce.Do(func() {
		if v := os.Getenv(EnvLevel); v != "" {
			if err := SetLevel(v); err != nil {
				fmt.Fprintf(os.Stderr, "logger: %v, using warn\n", err)
			}
		}
		enc := zap.NewDevelopmentEncoderConfig()
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), level)
		root = zap.New(core)
	})
	return root
}

// Named returns the logger for a subsystem.
func Named(subsystem string) *zap.SugaredLogger {
	return base().Named(subsystem).Sugar()
}

// Nop returns a logger that discards everything.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// ParseLevel maps the verbosity knob to a zap level. "default" and the
// empty string mean warn.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default", "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "debug", "trace":
		return zapcore.DebugLevel, nil
	}
	return zapcore.WarnLevel, fmt.Errorf("unknown log level %q", s)
}

// SetLevel changes the level of every logger handed out by this package.
func SetLevel(s string) error {
	lvl, err := ParseLevel(s)
	if err != nil {
		return err
	}
	level.SetLevel(lvl)
	return nil
}

// Level returns the current level.
func Level() zapcore.Level {
	return level.Level()
}

// Sync flushes buffered log entries.
func Sync() {
	if root != nil {
		_ = root.Sync()
	}
}
