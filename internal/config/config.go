// Package config loads settings from defaults, an optional config.yaml and
// MODSCHED_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"modsched/internal/domain"
)

type Config struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	DBPath   string `mapstructure:"db_path" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	Debug    bool   `mapstructure:"debug"`

	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

type DispatcherConfig struct {
	Tick            time.Duration `mapstructure:"tick" validate:"required,min=1s"`
	BatchSize       int           `mapstructure:"batch_size" validate:"required,min=1"`
	Workers         int           `mapstructure:"workers" validate:"required,min=1"`
	Lease           time.Duration `mapstructure:"lease" validate:"required,min=1m"`
	OpTimeout       time.Duration `mapstructure:"op_timeout" validate:"required,min=1s"`
	RetryBudget     int           `mapstructure:"retry_budget" validate:"required,min=1"`
	RecoverSchedule string        `mapstructure:"recover_schedule" validate:"required"`
}

type NotifyConfig struct {
	RatePerSecond float64 `mapstructure:"rate_per_second" validate:"required,gt=0"`
	Burst         int     `mapstructure:"burst" validate:"required,min=1"`
}

// Load reads and validates the configuration. A missing config file is fine;
// defaults and environment cover everything.
func Load() (*Config, error) {
	setDefaults()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("MODSCHED")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("%w: read config file: %v", domain.ErrInvalidConfiguration, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", domain.ErrInvalidConfiguration, err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfiguration, err)
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("addr", ":8080")
	viper.SetDefault("db_path", "modsched.db")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("debug", false)

	viper.SetDefault("dispatcher.tick", 30*time.Second)
	viper.SetDefault("dispatcher.batch_size", 50)
	viper.SetDefault("dispatcher.workers", 4)
	viper.SetDefault("dispatcher.lease", 5*time.Minute)
	viper.SetDefault("dispatcher.op_timeout", 10*time.Second)
	viper.SetDefault("dispatcher.retry_budget", 10)
	viper.SetDefault("dispatcher.recover_schedule", "@every 5m")

	viper.SetDefault("notify.rate_per_second", 20.0)
	viper.SetDefault("notify.burst", 50)
}
