package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapConfig controls the zap backend construction
type ZapConfig struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "console"
	Output string // "stdout", "stderr" or a file path
}

// DefaultZapConfig returns a console logger at info level
func DefaultZapConfig() ZapConfig {
	return ZapConfig{
		Level:  "info",
		Format: "console",
		Output: "stdout",
	}
}

// zapAdapter hides zap types behind the Logger interface
type zapAdapter struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger creates a Logger backed by a zap SugaredLogger
func NewZapLogger(config ZapConfig) (Logger, error) {
	level, err := parseZapLevel(config.Level)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zapConfig := zap.Config{
		Level:         zap.NewAtomicLevelAt(level),
		Encoding:      config.Format,
		EncoderConfig: encoderConfig,
		OutputPaths:   []string{config.Output},
		ErrorOutputPaths: []string{
			"stderr",
		},
	}
	if zapConfig.Encoding == "" {
		zapConfig.Encoding = "console"
	}
	if len(zapConfig.OutputPaths) == 1 && zapConfig.OutputPaths[0] == "" {
		zapConfig.OutputPaths[0] = "stdout"
	}

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build zap logger: %w", err)
	}

	return &zapAdapter{sugar: zapLogger.Sugar()}, nil
}

func parseZapLevel(level string) (zapcore.Level, error) {
	switch level {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level: %s", level)
	}
}

func (z *zapAdapter) LogLevelf(level int, format string, args ...interface{}) {
	switch level {
	case LogLevelDebug:
		z.sugar.Debugf(format, args...)
	case LogLevelInfo:
		z.sugar.Infof(format, args...)
	case LogLevelWarn:
		z.sugar.Warnf(format, args...)
	case LogLevelError:
		z.sugar.Errorf(format, args...)
	}
}

func (z *zapAdapter) Debugf(format string, args ...interface{}) {
	z.sugar.Debugf(format, args...)
}

func (z *zapAdapter) Infof(format string, args ...interface{}) {
	z.sugar.Infof(format, args...)
}

func (z *zapAdapter) Warnf(format string, args ...interface{}) {
	z.sugar.Warnf(format, args...)
}

func (z *zapAdapter) Errorf(format string, args ...interface{}) {
	z.sugar.Errorf(format, args...)
}
