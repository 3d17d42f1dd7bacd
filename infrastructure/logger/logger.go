package logger

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mirror-trader/monitor/logschema"
)

// Logger 封装zap日志器，提供结构化日志功能
type Logger struct {
	*zap.Logger
	config Config
}

// Config 日志配置
type Config struct {
	Level      string   `yaml:"level"`       // debug, info, warn, error
	Outputs    []string `yaml:"outputs"`     // stdout, file
	OutputFile string   `yaml:"output_file"` // 日志文件路径
	ErrorFile  string   `yaml:"error_file"`  // 错误日志单独文件
	Format     string   `yaml:"format"`      // json 或 console
	MaxSize    int      `yaml:"max_size"`    // 单个日志文件最大MB
	MaxBackups int      `yaml:"max_backups"` // 保留的旧日志文件数
	MaxAge     int      `yaml:"max_age"`     // 保留天数
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Outputs:    []string{"stdout"},
		Format:     "json",
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
	}
}

// New 创建新的Logger实例
func New(cfg Config) (*Logger, error) {
	// 解析日志级别
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	// 构建核心
	cores := []zapcore.Core{}

	// 标准输出
	if contains(cfg.Outputs, "stdout") {
		var encoder zapcore.Encoder
		if cfg.Format == "console" {
			encoder = zapcore.NewConsoleEncoder(encoderConfig)
		} else {
			encoder = zapcore.NewJSONEncoder(encoderConfig)
		}
		cores = append(cores, zapcore.NewCore(
			encoder,
			zapcore.AddSync(os.Stdout),
			level,
		))
	}

	// 文件输出
	if contains(cfg.Outputs, "file") && cfg.OutputFile != "" {
		fileWriter, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file failed: %w", err)
		}

		encoder := zapcore.NewJSONEncoder(encoderConfig)
		cores = append(cores, zapcore.NewCore(
			encoder,
			zapcore.AddSync(fileWriter),
			level,
		))
	}

	// 错误日志单独文件
	if cfg.ErrorFile != "" {
		errorWriter, err := os.OpenFile(cfg.ErrorFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open error log file failed: %w", err)
		}

		encoder := zapcore.NewJSONEncoder(encoderConfig)
		cores = append(cores, zapcore.NewCore(
			encoder,
			zapcore.AddSync(errorWriter),
			zapcore.ErrorLevel, // 只记录error及以上级别
		))
	}

	core := zapcore.NewTee(cores...)
	zapLogger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return &Logger{
		Logger: zapLogger,
		config: cfg,
	}, nil
}

// WithFields 添加字段返回新的logger
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	return &Logger{
		Logger: l.Logger.With(zapFields...),
		config: l.config,
	}
}

// FromZap 包装已有的 zap.Logger（测试中配合 zaptest/observer 使用）。
func FromZap(l *zap.Logger) *Logger {
	return &Logger{Logger: l, config: DefaultConfig()}
}

// NewNop 不输出任何内容的 Logger
func NewNop() *Logger {
	return FromZap(zap.NewNop())
}

// logEvent 按 schema 校验字段后输出，缺字段时附带 schema_error。
func (l *Logger) logEvent(level zapcore.Level, msg string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if err := logschema.Validate(msg, fields); err != nil {
		fields["schema_error"] = err.Error()
	}
	fields["ts"] = time.Now().UTC().Format(time.RFC3339Nano)

	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	if ce := l.Check(level, msg); ce != nil {
		ce.Write(zapFields...)
	}
}

// LogOrder 记录单条订单结果
func (l *Logger) LogOrder(mode, ticker string, success, attempted bool, kind string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["mode"] = mode
	fields["ticker"] = ticker
	fields["success"] = success
	fields["attempted"] = attempted
	fields["kind"] = kind
	level := zapcore.InfoLevel
	if !success {
		level = zapcore.WarnLevel
	}
	l.logEvent(level, "order_event", fields)
}

// LogBatch 记录批次汇总
func (l *Logger) LogBatch(batchID, mode string, total, succeeded, failed int, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["batchId"] = batchID
	fields["mode"] = mode
	fields["total"] = total
	fields["succeeded"] = succeeded
	fields["failed"] = failed
	level := zapcore.InfoLevel
	if failed > 0 {
		level = zapcore.WarnLevel
	}
	l.logEvent(level, "batch_event", fields)
}

// LogBreaker 记录熔断器状态变化
func (l *Logger) LogBreaker(key, from, to string) {
	level := zapcore.InfoLevel
	if to == "open" {
		level = zapcore.WarnLevel
	}
	l.logEvent(level, "breaker_event", map[string]interface{}{
		"key":  key,
		"from": from,
		"to":   to,
	})
}

// LogRetry 记录一次重试
func (l *Logger) LogRetry(mode, action string, attempt int, delay time.Duration, status int, err error) {
	fields := map[string]interface{}{
		"mode":    mode,
		"action":  action,
		"attempt": attempt,
		"delayMs": delay.Milliseconds(),
	}
	if status != 0 {
		fields["status"] = status
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.logEvent(zapcore.WarnLevel, "retry_event", fields)
}

// LogHealthCheck 记录一次健康检查
func (l *Logger) LogHealthCheck(key string, healthy bool, latencyMs float64, errMsg string) {
	fields := map[string]interface{}{
		"key":       key,
		"healthy":   healthy,
		"latencyMs": latencyMs,
	}
	level := zapcore.DebugLevel
	if !healthy {
		fields["error"] = errMsg
		level = zapcore.WarnLevel
	}
	l.logEvent(level, "health_check", fields)
}

// LogTradeUpdate 记录成交回报
func (l *Logger) LogTradeUpdate(mode, orderID, event string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["mode"] = mode
	fields["orderId"] = orderID
	fields["event"] = event
	l.logEvent(zapcore.InfoLevel, "trade_update", fields)
}

// LogError 记录错误并附带上下文
func (l *Logger) LogError(err error, context map[string]interface{}) {
	if context == nil {
		context = make(map[string]interface{})
	}
	context["error"] = err.Error()
	l.logEvent(zapcore.ErrorLevel, "error_event", context)
}

// Close 关闭日志器
func (l *Logger) Close() error {
	return l.Sync()
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
