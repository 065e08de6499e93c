package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LOG is the process-wide sugared logger. It defaults to info level so that
// packages can log before Init runs.
var LOG *zap.SugaredLogger

func init() {
	logger, _ := zap.NewDevelopment()
	LOG = logger.Sugar()
}

// Init replaces the process logger with one at the given level
// ("debug", "info", "warn", "error"). Unknown levels fall back to info.
func Init(level string) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		return
	}
	LOG = logger.Sugar()
}
