package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MegaGrindStone/go-mcp-client/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// settings configure the host process. The fleet configuration itself lives in the store they
// point at.
type settings struct {
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	Store     string `mapstructure:"store"`
	StoreDir  string `mapstructure:"store_dir"`
	ConfigKey string `mapstructure:"config_key"`
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`

	MetricsAddr string `mapstructure:"metrics_addr"`

	ProbeTargets  []string      `mapstructure:"probe_targets"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

const (
	storeFile  = "file"
	storeRedis = "redis"
)

var boundFlags = []string{
	"log_level", "log_file", "store", "store_dir", "config_key", "redis_addr", "metrics_addr",
}

// defineFlags declares the persistent flags every command understands.
func defineFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP("log_level", "", "info", "log level: trace, debug, info, warn, error or none")
	cmd.PersistentFlags().StringP("log_file", "", "", "optional log file, logs go to stdout when empty")
	cmd.PersistentFlags().StringP("store", "", storeFile, "fleet configuration store: file or redis")
	cmd.PersistentFlags().StringP("store_dir", "d", defaultStoreDir(), "directory of the file store")
	cmd.PersistentFlags().StringP("config_key", "k", config.DefaultKey, "key of the fleet configuration")
	cmd.PersistentFlags().StringP("redis_addr", "", "localhost:6379", "address of the redis store")
	cmd.PersistentFlags().StringP("metrics_addr", "", "", "address of the Prometheus endpoint, disabled when empty")
}

// getSettings merges defaults, the settings file, MCPFLEET_* environment variables and flags.
// A missing settings file is not an error.
func getSettings(cmd *cobra.Command, file string) (settings, error) {
	v := viper.New()
	v.SetDefault("log_level", "info")
	v.SetDefault("store", storeFile)
	v.SetDefault("store_dir", defaultStoreDir())
	v.SetDefault("config_key", config.DefaultKey)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("probe_interval", 10*time.Second)
	v.SetDefault("connect_timeout", 30*time.Second)

	v.SetEnvPrefix("MCPFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		for _, name := range boundFlags {
			if f := cmd.Flags().Lookup(name); f != nil {
				_ = v.BindPFlag(name, f)
			}
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) {
				return settings{}, fmt.Errorf("failed to read settings file %s: %w", file, err)
			}
		}
	}

	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return settings{}, fmt.Errorf("failed to decode settings: %w", err)
	}
	if err := s.validate(); err != nil {
		return settings{}, err
	}
	return s, nil
}

func (s settings) validate() error {
	switch s.Store {
	case storeFile:
		if s.StoreDir == "" {
			return errors.New("file store requires store_dir")
		}
	case storeRedis:
		if s.RedisAddr == "" {
			return errors.New("redis store requires redis_addr")
		}
	default:
		return fmt.Errorf("unknown store %q", s.Store)
	}
	if s.ConfigKey == "" {
		return errors.New("config_key is required")
	}
	return nil
}

func defaultStoreDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".mcpfleet"
	}
	return filepath.Join(dir, "mcpfleet")
}
