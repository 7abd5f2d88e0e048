package logger

import (
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	DefaultLevel = "info"
)

func GetLogger() *zap.Logger {

	viper.SetDefault("logger.level", DefaultLevel)

	level := zap.InfoLevel
	if err := level.Set(viper.GetString("logger.level")); err != nil {
		level = zap.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}

	return logger
}
