package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 日志配置
type Config struct {
	Level      string `yaml:"level" json:"level"`           // 日志级别: debug/info/warn/error
	File       string `yaml:"file" json:"file"`             // 日志文件路径（为空则输出到标准输出）
	MaxSize    int    `yaml:"maxSize" json:"maxSize"`       // 单个日志文件最大大小(MB)
	MaxBackups int    `yaml:"maxBackups" json:"maxBackups"` // 保留的旧日志文件数
	MaxAge     int    `yaml:"maxAge" json:"maxAge"`         // 日志保留天数
	Compress   bool   `yaml:"compress" json:"compress"`     // 是否压缩旧日志
}

// New 初始化日志系统
func New(cfg Config) *zap.Logger {
	var level zapcore.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	var writer zapcore.WriteSyncer

	// 如果配置了日志文件，使用 lumberjack 进行日志滚动
	if cfg.File != "" {
		writer = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
	} else {
		writer = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), writer, level)
	return zap.New(core, zap.AddCaller())
}
