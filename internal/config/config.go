package config

import "time"

type AppCfg struct {
	Port        int    `mapstructure:"port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	Env         string `mapstructure:"env"`
}

type MongoCfg struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisCfg struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type KafkaCfg struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type JWTCfg struct {
	Algorithm     string `mapstructure:"algorithm"`
	HSSecret      string `mapstructure:"hs_secret"`
	PublicKeyPath string `mapstructure:"public_key_path"`
}

type SyncCfg struct {
	Feed             string `mapstructure:"feed"` // "mongo" or "redis"
	FetchRetries     int    `mapstructure:"fetch_retries"`
	RetryBackoffMS   int    `mapstructure:"retry_backoff_ms"`
	NotifyBuffer     int    `mapstructure:"notify_buffer"`
	FetchTimeoutSecs int    `mapstructure:"fetch_timeout_seconds"`

	// Derived
	RetryBackoff time.Duration `mapstructure:"-"`
	FetchTimeout time.Duration `mapstructure:"-"`
}

type Config struct {
	App   AppCfg   `mapstructure:"app"`
	Mongo MongoCfg `mapstructure:"mongo"`
	Redis RedisCfg `mapstructure:"redis"`
	Kafka KafkaCfg `mapstructure:"kafka"`
	JWT   JWTCfg   `mapstructure:"jwt"`
	Sync  SyncCfg  `mapstructure:"sync"`
}
