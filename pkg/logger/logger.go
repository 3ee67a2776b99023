// Package logger builds the process-wide zap logger.
package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logFileName    = "main.log"
	maxSizeMB      = 10
	maxGenerations = 5
)

// New returns a logger at the given level writing JSON to a rotated
// file under dir and human-readable lines to stdout.
func New(level, dir string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(dir, logFileName),
		MaxSize:    maxSizeMB,
		MaxBackups: maxGenerations,
		Compress:   true,
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), lvl),
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(os.Stdout), lvl),
	)
	return zap.New(core, zap.AddCaller()), nil
}
