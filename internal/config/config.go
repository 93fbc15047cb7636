package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	pebblestore "github.com/qwertypants/figureforge/internal/storage/pebble"
)

// Config is the top-level configuration loaded from file and environment.
type Config struct {
	Environment string
	Store       StoreConfig
	Queue       QueueConfig
	Worker      WorkerConfig
	Provider    ProviderConfig
	Blob        BlobConfig
	Sweep       SweepConfig
	Moderation  ModerationConfig
	Logging     LoggingConfig
}

type StoreConfig struct {
	DataDir       string
	Fsync         string // always|interval|never
	FsyncInterval time.Duration
}

// FsyncMode maps the configured fsync policy onto the store's mode.
func (s StoreConfig) FsyncMode() pebblestore.FsyncMode {
	switch strings.ToLower(s.Fsync) {
	case "always":
		return pebblestore.FsyncModeAlways
	case "never":
		return pebblestore.FsyncModeNever
	default:
		return pebblestore.FsyncModeInterval
	}
}

type QueueConfig struct {
	Name                string
	LeaseDuration       time.Duration
	RedeliveryThreshold int
	ReceiveBatch        int
	ReclaimInterval     time.Duration
}

type WorkerConfig struct {
	Count             int
	MaxBatchSize      int
	ProcessingTimeout time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
}

type ProviderConfig struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	DefaultModel string
}

type BlobConfig struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Bucket     string
	UseSSL     bool
	Region     string
	PresignTTL time.Duration
}

type SweepConfig struct {
	StaleJobWindow time.Duration
	Schedule       string // cron spec for stale-job and dead-letter sweeps
}

type ModerationConfig struct {
	// Rules are CEL expressions over image metadata; any rule evaluating to
	// true marks the image as a confirmed violation.
	Rules []string
}

type LoggingConfig struct {
	Level string
}

// Load reads figureforge.yaml from the working directory or ./config and
// overlays FIGUREFORGE_* environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("figureforge")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("FIGUREFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = mapstructure.StringToTimeDurationHookFunc()
	})
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("store.datadir", "")
	v.SetDefault("store.fsync", "interval")
	v.SetDefault("store.fsyncinterval", "5ms")

	v.SetDefault("queue.name", "generation")
	v.SetDefault("queue.leaseduration", "30s")
	v.SetDefault("queue.redeliverythreshold", 3)
	v.SetDefault("queue.receivebatch", 1)
	v.SetDefault("queue.reclaiminterval", "5s")

	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.maxbatchsize", 4)
	v.SetDefault("worker.processingtimeout", "90s")
	v.SetDefault("worker.heartbeatinterval", "10s")
	v.SetDefault("worker.pollinterval", "1s")

	v.SetDefault("provider.baseurl", "https://api.fal.ai/v1")
	v.SetDefault("provider.timeout", "60s")
	v.SetDefault("provider.defaultmodel", "flux_dev")

	v.SetDefault("blob.endpoint", "127.0.0.1:9000")
	v.SetDefault("blob.bucket", "figureforge-images")
	v.SetDefault("blob.usessl", false)
	v.SetDefault("blob.presignttl", "15m")

	v.SetDefault("sweep.stalejobwindow", "5m")
	v.SetDefault("sweep.schedule", "@every 1m")

	v.SetDefault("logging.level", "info")
}
