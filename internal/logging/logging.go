package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates the production JSON logger with the level taken from
// LOG_LEVEL (default: info) and the service name attached to every entry.
func New(serviceName string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(os.Getenv("LOG_LEVEL")))

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}

	return logger.With(zap.String("service", serviceName))
}

func parseLevel(levelStr string) zapcore.Level {
	switch levelStr {
	case "DEBUG", "debug":
		return zapcore.DebugLevel
	case "WARN", "warn":
		return zapcore.WarnLevel
	case "ERROR", "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
