package device

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EngineConfig holds process-level engine defaults.
type EngineConfig struct {
	// DefaultGranularity is the dirty-bitmap granularity in bytes used
	// when a job target reports no preferred cluster size.
	DefaultGranularity int64 `mapstructure:"default_granularity"`

	// L2CacheEntries bounds each sparse extent's grain-table cache.
	L2CacheEntries int `mapstructure:"l2_cache_entries"`

	// MirrorBufSize is the default mirror buffer budget in bytes.
	MirrorBufSize int64 `mapstructure:"mirror_buf_size"`

	// LogLevel is a logrus level name ("info", "debug", ...).
	LogLevel string `mapstructure:"log_level"`
}

// LoadEngineConfig loads engine defaults using viper, falling back to the
// built-in values when no config file is present.
func LoadEngineConfig() (*EngineConfig, error) {
	viper.SetConfigName("vdisk-config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("$HOME/.vdisk")
	viper.AddConfigPath("/etc/vdisk")

	viper.SetDefault("default_granularity", 64*1024)
	viper.SetDefault("l2_cache_entries", 16)
	viper.SetDefault("mirror_buf_size", 10*1024*1024)
	viper.SetDefault("log_level", "info")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config EngineConfig
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if lvl, err := logrus.ParseLevel(config.LogLevel); err == nil {
		logrus.SetLevel(lvl)
	}

	return &config, nil
}
