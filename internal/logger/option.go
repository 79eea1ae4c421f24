package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation limits for file logging. The agent runs on small flash
// storage, so old logs are compressed and capped.
const (
	logFileMaxSizeMB  = 15
	logFileMaxBackups = 10
	logFileMaxAgeDays = 30
)

// WithRotatingFile is an option that tees logger output into a
// size-rotated file in addition to the existing core.
//
//nolint:ireturn,nolintlint // Returning zap.Option is intended for zap integration.
func WithRotatingFile(path string, level zapcore.LevelEnabler) zap.Option {
	if level == nil {
		level = defaultLevel
	}

	return zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		sink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    logFileMaxSizeMB,
			MaxBackups: logFileMaxBackups,
			MaxAge:     logFileMaxAgeDays,
			Compress:   true,
		})

		fileCore := zapcore.NewCore(newConsoleEncoder(false), sink, level)

		return zapcore.NewTee(core, fileCore)
	})
}
