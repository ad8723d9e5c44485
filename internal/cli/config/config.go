package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the taskgrid CLI.
type Config struct {
	LogLevel string
	Manifest string

	MinWorkers       int
	MaxWorkers       int
	TaskTimeout      time.Duration
	AcquireTimeout   time.Duration
	Strategy         string
	MemoryLimit      int64
	GlobalMaxRetries int
	RetryBaseDelay   time.Duration
	ShutdownGrace    time.Duration

	SandboxImage   string
	SandboxTimeout time.Duration
	SandboxCleanup string

	RedisAddr    string
	PostgresDSN  string
	KafkaBrokers string

	CronSchedule string
	MetricsAddr  string
	OTelEndpoint string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel: v.GetString("log_level"),
		Manifest: v.GetString("manifest"),

		MinWorkers:       v.GetInt("min_workers"),
		MaxWorkers:       v.GetInt("max_workers"),
		TaskTimeout:      v.GetDuration("task_timeout"),
		AcquireTimeout:   v.GetDuration("acquire_timeout"),
		Strategy:         v.GetString("strategy"),
		MemoryLimit:      v.GetInt64("memory_limit_bytes"),
		GlobalMaxRetries: v.GetInt("global_max_retries"),
		RetryBaseDelay:   v.GetDuration("retry_base_delay"),
		ShutdownGrace:    v.GetDuration("shutdown_grace"),

		SandboxImage:   v.GetString("sandbox_image"),
		SandboxTimeout: v.GetDuration("sandbox_timeout"),
		SandboxCleanup: v.GetString("sandbox_cleanup"),

		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		KafkaBrokers: v.GetString("kafka_brokers"),

		CronSchedule: v.GetString("cron"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),
	}
}
