// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the gateway.
type Config struct {
	Server        ServerConfig         `yaml:"server"`
	Log           LogConfig            `yaml:"log"`
	Storage       StorageConfig        `yaml:"storage"`
	Container     ContainerConfig      `yaml:"container"`
	Connections   []ConnectionConfig   `yaml:"connections"`
	Channels      []ChannelConfig      `yaml:"channels"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
}

// ServerConfig holds control/delivery API settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Auth            AuthConfig    `yaml:"auth"`
}

// AuthConfig holds the shared-secret credentials expected from API callers.
// Basic auth uses username/password; bearer auth uses token. At least one
// must be set.
type AuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds message store configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger, postgres

	// BadgerDB settings.
	BadgerDir  string `yaml:"badger_dir"`
	SyncWrites bool   `yaml:"sync_writes"`

	// PostgreSQL settings.
	PostgresDSN string `yaml:"postgres_dsn"`

	// LeaseTimeout is the fetch visibility lease for the memory and badger
	// backends. The postgres backend uses row locks instead.
	LeaseTimeout time.Duration `yaml:"lease_timeout"`
}

// ContainerConfig holds connector settings.
type ContainerConfig struct {
	ReceiveTimeout      time.Duration `yaml:"receive_timeout"`
	DispatcherWorkers   int           `yaml:"dispatcher_workers"`
	DispatcherQueueSize int           `yaml:"dispatcher_queue_size"`
}

// ConnectionConfig is a broker connection provisioned at startup.
type ConnectionConfig struct {
	Name         string `yaml:"name"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	QueueManager string `yaml:"queue_manager"`
	Channel      string `yaml:"channel"`
}

// ChannelConfig is a channel provisioned at startup.
type ChannelConfig struct {
	Name           string `yaml:"name"`
	ConnectionName string `yaml:"connection_name"`
	Destination    string `yaml:"destination"`
	Topic          string `yaml:"topic"`
	Direction      string `yaml:"direction"` // inbound, outbound
}

// SubscriptionConfig is a store subscription provisioned at startup.
type SubscriptionConfig struct {
	SubKey string `yaml:"sub_key"`
	Topic  string `yaml:"topic"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:         "memory",
			BadgerDir:    "./data",
			LeaseTimeout: 30 * time.Second,
		},
		Container: ContainerConfig{
			ReceiveTimeout:      time.Second,
			DispatcherWorkers:   5,
			DispatcherQueueSize: 100,
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults when
// the path is empty or the file does not exist.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for fatal misconfiguration. This is the
// only class of error that aborts the whole container at startup.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %s", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format: %s", c.Log.Format)
	}

	switch c.Storage.Type {
	case "memory":
	case "badger":
		if c.Storage.BadgerDir == "" {
			return fmt.Errorf("storage.badger_dir is required for badger storage")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for postgres storage")
		}
	default:
		return fmt.Errorf("unknown storage type: %s", c.Storage.Type)
	}

	if c.Server.Auth.Token == "" && (c.Server.Auth.Username == "" || c.Server.Auth.Password == "") {
		return fmt.Errorf("server.auth requires a token or a username and password")
	}

	names := make(map[string]struct{}, len(c.Connections))
	for _, conn := range c.Connections {
		if conn.Name == "" || conn.Host == "" || conn.Port == 0 {
			return fmt.Errorf("connection requires name, host and port")
		}
		if _, ok := names[conn.Name]; ok {
			return fmt.Errorf("duplicate connection name: %s", conn.Name)
		}
		names[conn.Name] = struct{}{}
	}

	channelNames := make(map[string]struct{}, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Name == "" || ch.ConnectionName == "" || ch.Destination == "" {
			return fmt.Errorf("channel requires name, connection_name and destination")
		}
		if _, ok := names[ch.ConnectionName]; !ok {
			return fmt.Errorf("channel %s references unknown connection: %s", ch.Name, ch.ConnectionName)
		}
		if _, ok := channelNames[ch.Name]; ok {
			return fmt.Errorf("duplicate channel name: %s", ch.Name)
		}
		channelNames[ch.Name] = struct{}{}
		switch ch.Direction {
		case "", "inbound", "outbound":
		default:
			return fmt.Errorf("channel %s has unknown direction: %s", ch.Name, ch.Direction)
		}
	}

	for _, sub := range c.Subscriptions {
		if sub.SubKey == "" || sub.Topic == "" {
			return fmt.Errorf("subscription requires sub_key and topic")
		}
	}

	return nil
}
