package service

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 是全局日志接口
// 在其他模块中使用：service.Logger.Info("Order filled", zap.String("symbol", sym))
var Logger = zap.NewNop()

// LogConfig 日志配置
type LogConfig struct {
	Level       string   `mapstructure:"level" yaml:"level"`
	OutputPaths []string `mapstructure:"output_paths" yaml:"output_paths"`
}

// InitLogger 初始化高性能的 Zap 日志
func InitLogger(cfg LogConfig) error {
	config := zap.NewProductionConfig()

	// 格式化时间
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.TimeKey = "time"

	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		config.Level = level
	}
	if len(cfg.OutputPaths) > 0 {
		config.OutputPaths = cfg.OutputPaths
	}

	logger, err := config.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	Logger = logger
	return nil
}

// ComponentLogger 返回带 symbol/interval 字段的子 logger
func ComponentLogger(base *zap.Logger, component, symbol, interval string) *zap.Logger {
	if base == nil {
		base = Logger
	}
	fields := []zap.Field{zap.String("component", component)}
	if symbol != "" {
		fields = append(fields, zap.String("symbol", symbol))
	}
	if interval != "" {
		fields = append(fields, zap.String("interval", interval))
	}
	return base.With(fields...)
}
