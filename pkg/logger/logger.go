package logger

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const EnvProduction = "production"

// New builds the process logger. Production writes JSON with ISO8601
// timestamps, anything else a development console logger. When writer is
// non-nil every entry is also written to it as JSON.
func New(env string, writer io.Writer) (*zap.Logger, error) {
	cfg := config(env)
	if writer == nil {
		return cfg.Build()
	}

	level := zap.NewAtomicLevelAt(cfg.Level.Level())
	var console zapcore.Encoder
	if env == EnvProduction {
		console = zapcore.NewJSONEncoder(cfg.EncoderConfig)
	} else {
		console = zapcore.NewConsoleEncoder(cfg.EncoderConfig)
	}

	teeEncoder := cfg.EncoderConfig
	teeEncoder.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewTee(
		zapcore.NewCore(console, zapcore.AddSync(os.Stdout), level),
		zapcore.NewCore(zapcore.NewJSONEncoder(teeEncoder), zapcore.AddSync(writer), level),
	)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func config(env string) zap.Config {
	if env == EnvProduction {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return cfg
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return cfg
}
