// This package defines a common config struct which can be used by any subsystem within courier.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug         bool
	RootDir       string
	LoggingPrefix string

	DatabaseURL string
	RedisURL    string

	// Durable store.
	RetentionDays   int
	SweepIntervalMs int64
	SweepBatchSize  int64

	// Hot queue.
	QueueTTLDays      int
	RehydratePageSize int
	PopBatchSize      int

	// Availability tracking.
	PresenceTTLMs int64
	HeartbeatMs   int64

	// Delivery stream.
	KeepaliveMs int64

	// Orchestrator.
	MaxEnvelopeBytes   int
	StoreRetryBudgetMs int64
	SendTimeoutMs      int64

	// Rate limiting.
	RateLimitBytes    int64
	RateLimitWindowMs int64

	// Push wakeups.
	WakeupMaxRetries       int
	WakeupBackoffMs        int64
	WakeupGatewayTimeoutMs int64
	APNSCertPath           string
	APNSTopic              string
	APNSProductionMode     bool

	// Delivery-loop monitor.
	LoopThreshold int
	LoopWindowMs  int64

	writer io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithDatabaseURL(u string) Option {
	return func(c *Config) {
		c.DatabaseURL = u
	}
}

func WithRedisURL(u string) Option {
	return func(c *Config) {
		c.RedisURL = u
	}
}

func WithRetentionDays(n int) Option {
	return func(c *Config) {
		c.RetentionDays = n
	}
}

func WithMaxEnvelopeBytes(n int) Option {
	return func(c *Config) {
		c.MaxEnvelopeBytes = n
	}
}

func WithRateLimit(bytes, windowMs int64) Option {
	return func(c *Config) {
		c.RateLimitBytes = bytes
		c.RateLimitWindowMs = windowMs
	}
}

func WithWakeupSchedule(maxRetries int, backoffMs int64) Option {
	return func(c *Config) {
		c.WakeupMaxRetries = maxRetries
		c.WakeupBackoffMs = backoffMs
	}
}

func WithAPNS(certPath, topic string, production bool) Option {
	return func(c *Config) {
		c.APNSCertPath = certPath
		c.APNSTopic = topic
		c.APNSProductionMode = production
	}
}

func WithLoopDetection(threshold int, windowMs int64) Option {
	return func(c *Config) {
		c.LoopThreshold = threshold
		c.LoopWindowMs = windowMs
	}
}

func WithStoreRetryBudgetMs(n int64) Option {
	return func(c *Config) {
		c.StoreRetryBudgetMs = n
	}
}

func WithSendTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.SendTimeoutMs = n
	}
}

func WithPresenceTTLMs(n int64) Option {
	return func(c *Config) {
		c.PresenceTTLMs = n
	}
}

func WithKeepaliveMs(n int64) Option {
	return func(c *Config) {
		c.KeepaliveMs = n
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:         os.Getenv("DEBUG") == "1",
		RootDir:       ".",
		LoggingPrefix: "",

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		RetentionDays:   30,
		SweepIntervalMs: 60000,
		SweepBatchSize:  1000,

		QueueTTLDays:      7,
		RehydratePageSize: 100,
		PopBatchSize:      100,

		PresenceTTLMs: 30000,
		HeartbeatMs:   10000,

		KeepaliveMs: 30000,

		MaxEnvelopeBytes:   256 * 1024,
		StoreRetryBudgetMs: 10000,
		SendTimeoutMs:      30000,

		RateLimitBytes:    5 * 1024 * 1024,
		RateLimitWindowMs: 60000,

		WakeupMaxRetries:       5,
		WakeupBackoffMs:        60000,
		WakeupGatewayTimeoutMs: 10000,
		APNSCertPath:           os.Getenv("APNS_CERT_PATH"),
		APNSTopic:              os.Getenv("APNS_TOPIC"),
		APNSProductionMode:     os.Getenv("APNS_PRODUCTION") == "1",

		LoopThreshold: 5,
		LoopWindowMs:  60000,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}
