package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hupe1980/docshard"
	"github.com/hupe1980/docshard/internal/translog"
	"github.com/spf13/viper"
)

const envPrefix = "SHARDCTL"

// config is the shardctl configuration. Values come from the config file,
// then SHARDCTL_* environment variables (store.type is SHARDCTL_STORE_TYPE).
type config struct {
	Store storeConfig

	Concurrency   int
	Retries       int
	RetryInterval time.Duration
	IOLimit       int64 // bytes per second, 0 for unlimited
	Compression   translog.Compression

	LogLevel  slog.Level
	LogFormat string
}

type storeConfig struct {
	Type      string // local, s3 or minio
	Path      string
	Bucket    string
	Prefix    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("store.type", "local")
	v.SetDefault("store.path", "./snapshots")
	v.SetDefault("store.use_ssl", true)
	v.SetDefault("concurrency", 4)
	v.SetDefault("retries", 3)
	v.SetDefault("retry_interval", "50ms")
	v.SetDefault("io_limit", 0)
	v.SetDefault("compression", "zstd")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// loadConfig reads path, if set, and the environment.
func loadConfig(path string) (*config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	compression, err := translog.ParseCompression(v.GetString("compression"))
	if err != nil {
		return nil, err
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log.level"))); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}

	cfg := &config{
		Store: storeConfig{
			Type:      strings.ToLower(v.GetString("store.type")),
			Path:      v.GetString("store.path"),
			Bucket:    v.GetString("store.bucket"),
			Prefix:    v.GetString("store.prefix"),
			Endpoint:  v.GetString("store.endpoint"),
			Region:    v.GetString("store.region"),
			AccessKey: v.GetString("store.access_key"),
			SecretKey: v.GetString("store.secret_key"),
			UseSSL:    v.GetBool("store.use_ssl"),
		},
		Concurrency:   v.GetInt("concurrency"),
		Retries:       v.GetInt("retries"),
		RetryInterval: v.GetDuration("retry_interval"),
		IOLimit:       v.GetInt64("io_limit"),
		Compression:   compression,
		LogLevel:      level,
		LogFormat:     strings.ToLower(v.GetString("log.format")),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *config) validate() error {
	switch c.Store.Type {
	case "local":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for a local store")
		}
	case "s3":
		if c.Store.Bucket == "" {
			return fmt.Errorf("store.bucket is required for an s3 store")
		}
	case "minio":
		if c.Store.Bucket == "" || c.Store.Endpoint == "" {
			return fmt.Errorf("store.bucket and store.endpoint are required for a minio store")
		}
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries cannot be negative")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

func (c *config) logger() *docshard.Logger {
	if c.LogFormat == "json" {
		return docshard.NewJSONLogger(c.LogLevel)
	}
	return docshard.NewTextLogger(c.LogLevel)
}
