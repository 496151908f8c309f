// Package diagnostics holds the run-local sinks: the trajectory log, energy
// and gradient series, and named activity timers.
package diagnostics

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TrajectoryFile is the file name of the weight/measure trajectory log.
const TrajectoryFile = "log.txt"

// NewTrajectoryLog opens path for appending and returns a console-encoded zap
// logger writing to it. The returned close func syncs and closes the file.
func NewTrajectoryLog(path string) (*zap.Logger, func() error, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.CallerKey = zapcore.OmitKey
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(f), zap.DebugLevel)

	logger := zap.New(core)
	closeFn := func() error {
		_ = logger.Sync()
		return f.Close()
	}
	return logger, closeFn, nil
}

// Tee fans a record out to several zap loggers' cores.
func Tee(loggers ...*zap.Logger) *zap.Logger {
	cores := make([]zapcore.Core, 0, len(loggers))
	for _, l := range loggers {
		if l != nil {
			cores = append(cores, l.Core())
		}
	}
	return zap.New(zapcore.NewTee(cores...))
}
