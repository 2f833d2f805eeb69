// Package config loads timewarden's process configuration the way the
// teacher loads its process-manager configuration: viper reads a single
// file in any viper-supported format, mapstructure decodes it onto typed
// Go structs.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Store             StoreConfig   `mapstructure:"store"`
	Log               *LogConfig    `mapstructure:"log"`
	Metrics           *MetricsConfig `mapstructure:"metrics"`
	Server            *ServerConfig `mapstructure:"server"`
	Cluster           ClusterConfig `mapstructure:"cluster"`
	OrphanWindow      time.Duration `mapstructure:"orphan_reclaim_window"`
	ExecutionThreshold time.Duration `mapstructure:"execution_threshold"`
}

type StoreConfig struct {
	DSN          string `mapstructure:"dsn"`
	TableName    string `mapstructure:"table_name"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type LogConfig struct {
	Dir        string `mapstructure:"dir"`
	Stdout     string `mapstructure:"stdout"`
	Stderr     string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
	Level      string `mapstructure:"level"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

// ClusterConfig lists the peers this node's dispatcher fans refresh and
// set_next_expiry hints out to.
type ClusterConfig struct {
	Peers []string `mapstructure:"peers"`
}

// Default values applied when a config file leaves the field unset.
const (
	DefaultOrphanWindow      = time.Hour
	DefaultExecutionThreshold = 150 * time.Millisecond
)

func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetDefault("orphan_reclaim_window", DefaultOrphanWindow)
	v.SetDefault("execution_threshold", DefaultExecutionThreshold)
	v.SetDefault("store.table_name", "timewarden_timers")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Store.DSN == "" {
		return nil, fmt.Errorf("config: store.dsn is required")
	}
	if cfg.OrphanWindow <= 0 {
		cfg.OrphanWindow = DefaultOrphanWindow
	}
	if cfg.ExecutionThreshold <= 0 {
		cfg.ExecutionThreshold = DefaultExecutionThreshold
	}
	return cfg, nil
}
