// Package config loads the service configuration from a YAML file,
// BACKTEST_* environment variables and built-in defaults, in that order of
// precedence from lowest to highest: defaults, file, environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. BACKTEST_SERVER_PORT
const EnvPrefix = "BACKTEST"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.websocket_path", "/ws")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("dispatcher.max_concurrent", 4)
	v.SetDefault("dispatcher.poll_interval", 5*time.Second)
	v.SetDefault("dispatcher.queue_size", 256)

	v.SetDefault("execution.timeout", 30*time.Minute)
	v.SetDefault("execution.cancel_grace", 5*time.Second)
	v.SetDefault("execution.progress_interval", 250*time.Millisecond)
	v.SetDefault("execution.progress_burst", 1)
	v.SetDefault("execution.auto_diagnose", false)

	v.SetDefault("diagnosis.max_evaluations", 4)
	v.SetDefault("diagnosis.defaults.top_n", 5)
	v.SetDefault("diagnosis.defaults.walk_forward_folds", 4)
	v.SetDefault("diagnosis.defaults.train_ratio", 0.7)
	v.SetDefault("diagnosis.defaults.degradation_threshold", 0.5)
	v.SetDefault("diagnosis.defaults.perturbation_pct", 0.1)
	v.SetDefault("diagnosis.defaults.fragility_threshold", 5.0)
	v.SetDefault("diagnosis.defaults.monte_carlo_runs", 500)
	v.SetDefault("diagnosis.defaults.seed", 42)
	v.SetDefault("diagnosis.defaults.min_bars", 20)

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.dsn", "backtest.db")
	v.SetDefault("storage.max_open_conns", 1)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel_prefix", "backtest")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", true)

	v.SetDefault("data.data_dir", "./data")

	v.SetDefault("events.shards", 8)
	v.SetDefault("events.buffer_size", 1024)
}

// Load reads the configuration. An empty path searches for config.yaml in
// the working directory and ./config; a missing file is not an error then.
func Load(path string) (*types.Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg types.Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late at startup
func Validate(cfg *types.Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}
	if cfg.Dispatcher.MaxConcurrent < 1 {
		return fmt.Errorf("dispatcher.max_concurrent must be >= 1")
	}
	if cfg.Execution.Timeout < 0 {
		return fmt.Errorf("execution.timeout must be >= 0")
	}
	switch cfg.Storage.Driver {
	case "memory":
	case "sqlite":
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for sqlite")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", cfg.Storage.Driver)
	}
	switch cfg.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown logging.format %q", cfg.Logging.Format)
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	return nil
}
