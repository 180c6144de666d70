package infra

import (
	"go.uber.org/zap"
)

// NewLogger собирает корневой логгер по секции logger.
func NewLogger(cfg LoggerConfig, service string) (*zap.Logger, error) {
	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	zapConfig.Level = level
	zapConfig.InitialFields = map[string]interface{}{"service": service}

	return zapConfig.Build()
}
