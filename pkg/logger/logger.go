package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level       string
	Encoding    string
	Development bool
}

// New builds the process logger. Entries are also recorded in store when it
// is not nil.
func New(cfg Config, store *SystemLogStore) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}

	if raw := strings.TrimSpace(cfg.Level); raw != "" {
		level, err := zapcore.ParseLevel(raw)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", raw, err)
		}
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}
	switch encoding := strings.ToLower(strings.TrimSpace(cfg.Encoding)); encoding {
	case "":
	case "json", "console":
		zapCfg.Encoding = encoding
	default:
		return nil, fmt.Errorf("unsupported log encoding %q", cfg.Encoding)
	}
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	base, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return WrapZapLogger(base, store), nil
}
