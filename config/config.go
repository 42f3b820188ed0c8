/*
config loads the configuration of bufmgr.

The configuration is read from a yaml file (optional) and BUFMGR_* environment variables.
The environment variable name is the upper-cased key with '.' replaced by '_'
(e.g. BUFMGR_BUFFER_POOL_SIZE overrides buffer.pool_size).

	buffer:
	  pool_size: 128
	  partitions: 16
	bgwriter:
	  delay: 200ms
	storage:
	  data_dir: base/database
	log:
	  level: info
*/
package config

import (
	"io"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/HayatoShiba/bufmgr/storage/buffer"
)

// envPrefix is the prefix of environment variables
const envPrefix = "BUFMGR"

// Config is the configuration of bufmgr
type Config struct {
	Buffer   buffer.Config         `mapstructure:"buffer"`
	BgWriter buffer.BgWriterConfig `mapstructure:"bgwriter"`
	Storage  StorageConfig         `mapstructure:"storage"`
	Log      LogConfig             `mapstructure:"log"`
}

// StorageConfig is the configuration of disk manager
type StorageConfig struct {
	// DataDir is the directory where relation fork files are stored
	DataDir string `mapstructure:"data_dir"`
	// MaxOpenFiles is the number of files kept open at once
	MaxOpenFiles int `mapstructure:"max_open_files"`
}

// LogConfig is the configuration of logger
type LogConfig struct {
	// Level is one of debug, info, warn and error
	Level string `mapstructure:"level"`
}

// Default returns the default configuration
func Default() Config {
	return Config{
		Buffer:   buffer.DefaultConfig(),
		BgWriter: buffer.DefaultBgWriterConfig(),
		Storage: StorageConfig{
			DataDir:      "base/database",
			MaxOpenFiles: 64,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the configuration from the yaml file at path and environment variables.
// if path is empty, only defaults and environment variables are used
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "v.ReadInConfig failed")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "v.Unmarshal failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "cfg.Validate failed")
	}
	return &cfg, nil
}

// setDefaults registers every key so that environment variables are also applied to the keys absent in the file
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("buffer.pool_size", d.Buffer.PoolSize)
	v.SetDefault("buffer.partitions", d.Buffer.Partitions)
	v.SetDefault("buffer.writeback_max_pending", d.Buffer.WritebackMaxPending)
	v.SetDefault("buffer.max_usage_count", d.Buffer.MaxUsageCount)
	v.SetDefault("buffer.local_buffers", d.Buffer.LocalBuffers)

	v.SetDefault("bgwriter.delay", d.BgWriter.Delay)
	v.SetDefault("bgwriter.max_pages", d.BgWriter.MaxPages)
	v.SetDefault("bgwriter.lru_multiplier", d.BgWriter.LRUMultiplier)
	v.SetDefault("bgwriter.flush_after", d.BgWriter.FlushAfter)

	v.SetDefault("storage.data_dir", d.Storage.DataDir)
	v.SetDefault("storage.max_open_files", d.Storage.MaxOpenFiles)

	v.SetDefault("log.level", d.Log.Level)
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if err := c.Buffer.Validate(); err != nil {
		return errors.Wrap(err, "buffer")
	}
	if err := c.BgWriter.Validate(); err != nil {
		return errors.Wrap(err, "bgwriter")
	}
	if c.Storage.DataDir == "" {
		return errors.New("storage data dir must not be empty")
	}
	if c.Storage.MaxOpenFiles <= 0 {
		return errors.Errorf("storage max open files must be positive: %d", c.Storage.MaxOpenFiles)
	}
	if _, err := c.level(); err != nil {
		return err
	}
	return nil
}

func (c *Config) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return level, errors.Wrapf(err, "invalid log level %q", c.Log.Level)
	}
	return level, nil
}

// NewLogger returns the text logger writing to w at the configured level
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := c.level()
	if err != nil {
		return nil, err
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler), nil
}
