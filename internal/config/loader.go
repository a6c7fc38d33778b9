package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("app.port", 8085)
	v.SetDefault("app.metrics_port", 9095)
	v.SetDefault("app.env", "production")
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "groupsync")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "groupsync")
	v.SetDefault("jwt.algorithm", "HS256")
	v.SetDefault("sync.feed", "mongo")
	v.SetDefault("sync.fetch_retries", 3)
	v.SetDefault("sync.retry_backoff_ms", 200)
	v.SetDefault("sync.notify_buffer", 256)
	v.SetDefault("sync.fetch_timeout_seconds", 10)

	// config file is optional, env + defaults always apply
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.Sync.RetryBackoff = time.Duration(cfg.Sync.RetryBackoffMS) * time.Millisecond
	cfg.Sync.FetchTimeout = time.Duration(cfg.Sync.FetchTimeoutSecs) * time.Second
	return &cfg, nil
}
