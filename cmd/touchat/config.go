package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the "serve" subcommand. YAML config, when
// given, is applied first; environment variables then overlay it,
// falling back to the struct tag defaults for anything neither set.
type ServerConfig struct {
	Addr                    string `env:"TOUCHAT_ADDR,default=:41234" yaml:"addr"`
	HeartbeatTimeoutSeconds int    `env:"TOUCHAT_HEARTBEAT_TIMEOUT_SECONDS,default=4" yaml:"heartbeat_timeout_seconds"`
	MaxMessages             int    `env:"TOUCHAT_MAX_MESSAGES,default=20" yaml:"max_messages"`
	WindowSize              uint32 `env:"TOUCHAT_WINDOW_SIZE,default=4096" yaml:"window_size"`
	MaxConnections          int    `env:"TOUCHAT_MAX_CONNECTIONS,default=256" yaml:"max_connections"`
	LogLevel                string `env:"TOUCHAT_LOG_LEVEL,default=info" yaml:"log_level"`
}

// ClientConfig controls the "connect" subcommand.
type ClientConfig struct {
	ServerAddr        string `env:"TOUCHAT_SERVER_ADDR" yaml:"server_addr"`
	DisplayName       string `env:"TOUCHAT_DISPLAY_NAME" yaml:"display_name"`
	HeartbeatInterval int    `env:"TOUCHAT_HEARTBEAT_INTERVAL_SECONDS,default=1" yaml:"heartbeat_interval_seconds"`
	WindowSize        uint32 `env:"TOUCHAT_WINDOW_SIZE,default=4096" yaml:"window_size"`
	LogLevel          string `env:"TOUCHAT_LOG_LEVEL,default=info" yaml:"log_level"`
}

func loadConfig(ctx context.Context, configPath string, cfg interface{}) error {
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return errors.Wrap(err, "touchat: reading config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return errors.Wrap(err, "touchat: parsing config file")
		}
	}
	if err := envconfig.Process(ctx, cfg); err != nil {
		return errors.Wrap(err, "touchat: applying environment overrides")
	}
	return nil
}
