package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/genflow/internal/engine"
	"github.com/rendis/genflow/internal/generation"
	"github.com/rendis/genflow/internal/host"
	"github.com/rendis/genflow/internal/selector"
)

// Config holds all genflow configuration.
// Priority: flags > env vars (GENFLOW_*) > settings.json > defaults.
type Config struct {
	DBPath            string           `mapstructure:"db_path"`
	LogLevel          string           `mapstructure:"log_level"`
	PoolSize          int              `mapstructure:"pool_size"`
	PingTimeout       time.Duration    `mapstructure:"ping_timeout"`
	SubmitTimeout     time.Duration    `mapstructure:"submit_timeout"`
	ForegroundTimeout time.Duration    `mapstructure:"foreground_timeout"`
	MaxSteps          int              `mapstructure:"max_steps"`
	RecoveryWindow    time.Duration    `mapstructure:"recovery_window"`
	Retention         time.Duration    `mapstructure:"retention"`
	PurgeSchedule     string           `mapstructure:"purge_schedule"`
	ListenAddr        string           `mapstructure:"listen_addr"`
	NATSURL           string           `mapstructure:"nats_url"`
	Channel           string           `mapstructure:"channel"`
	Generation        GenerationConfig `mapstructure:"generation"`
	Breaker           BreakerConfig    `mapstructure:"breaker"`
}

type GenerationConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	VideoModel string        `mapstructure:"video_model"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	Stream     bool          `mapstructure:"stream"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

func genflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".genflow"
	}
	return filepath.Join(home, ".genflow")
}

func settingsPath() string {
	return filepath.Join(genflowDir(), "settings.json")
}

// setDefaults registers every key, which also makes each one reachable
// through AutomaticEnv.
func setDefaults(v *viper.Viper) {
	gen := generation.DefaultConfig()
	v.SetDefault("db_path", filepath.Join(genflowDir(), "genflow.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("pool_size", 10)
	v.SetDefault("ping_timeout", "2s")
	v.SetDefault("submit_timeout", "15s")
	v.SetDefault("foreground_timeout", "2m")
	v.SetDefault("max_steps", engine.DefaultMaxSteps)
	v.SetDefault("recovery_window", "5m")
	v.SetDefault("retention", "168h")
	v.SetDefault("purge_schedule", "*/15 * * * *")
	v.SetDefault("listen_addr", ":4100")
	v.SetDefault("nats_url", "")
	v.SetDefault("channel", host.DefaultChannel)
	v.SetDefault("generation.base_url", gen.BaseURL)
	v.SetDefault("generation.api_key", "")
	v.SetDefault("generation.model", gen.Model)
	v.SetDefault("generation.video_model", "")
	v.SetDefault("generation.timeout", gen.Timeout.String())
	v.SetDefault("generation.max_retries", gen.MaxRetries)
	v.SetDefault("generation.retry_delay", "1s")
	v.SetDefault("generation.stream", gen.Stream)
	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.cooldown", "30s")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("GENFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// loadConfig reads the settings file (a missing file is fine) and decodes
// the merged view into a Config.
func loadConfig(v *viper.Viper, file string) (Config, error) {
	if file == "" {
		file = settingsPath()
	}
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read settings %s: %w", file, err)
		}
	}
	return decodeConfig(v)
}

func decodeConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode settings: %w", err)
	}
	if cfg.PoolSize <= 0 {
		return Config{}, fmt.Errorf("pool_size must be positive, got %d", cfg.PoolSize)
	}
	return cfg, nil
}

func (c Config) hostConfig() host.Config {
	return host.Config{
		DBPath:            c.DBPath,
		PoolSize:          c.PoolSize,
		ForegroundTimeout: c.ForegroundTimeout,
		MaxSteps:          c.MaxSteps,
		PingTimeout:       c.PingTimeout,
		SubmitTimeout:     c.SubmitTimeout,
		RecoveryWindow:    c.RecoveryWindow,
		Retention:         c.Retention,
		PurgeSchedule:     c.PurgeSchedule,
		NATSURL:           c.NATSURL,
		Channel:           c.Channel,
		Generation: generation.Config{
			BaseURL:    c.Generation.BaseURL,
			APIKey:     c.Generation.APIKey,
			Model:      c.Generation.Model,
			VideoModel: c.Generation.VideoModel,
			Timeout:    c.Generation.Timeout,
			MaxRetries: c.Generation.MaxRetries,
			RetryDelay: c.Generation.RetryDelay,
			Stream:     c.Generation.Stream,
		},
		Breaker: selector.BreakerConfig{
			FailureThreshold: c.Breaker.FailureThreshold,
			Cooldown:         c.Breaker.Cooldown,
		},
	}
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // keys that only take effect after a restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	restart := []struct {
		key     string
		changed bool
	}{
		{"db_path", old.DBPath != new.DBPath},
		{"pool_size", old.PoolSize != new.PoolSize},
		{"max_steps", old.MaxSteps != new.MaxSteps},
		{"listen_addr", old.ListenAddr != new.ListenAddr},
		{"nats_url", old.NATSURL != new.NATSURL},
		{"channel", old.Channel != new.Channel},
		{"ping_timeout", old.PingTimeout != new.PingTimeout},
		{"submit_timeout", old.SubmitTimeout != new.SubmitTimeout},
		{"purge_schedule", old.PurgeSchedule != new.PurgeSchedule},
		{"generation", old.Generation != new.Generation},
		{"breaker", old.Breaker != new.Breaker},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartNeeded = append(d.RestartNeeded, r.key)
		}
	}
	return d
}
