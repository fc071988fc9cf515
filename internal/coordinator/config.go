// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package coordinator

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config represents the coordinator configuration structure
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Discovery    DiscoveryConfig    `yaml:"discovery"`
	Registration RegistrationConfig `yaml:"registration"`
	Heartbeat    HeartbeatConfig    `yaml:"heartbeat"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig contains the HTTP/websocket listener settings
type ServerConfig struct {
	ID            string `yaml:"id"`
	ListenAddress string `yaml:"listen_address"`
	Path          string `yaml:"path"`
	Secure        bool   `yaml:"secure"`
}

// DiscoveryConfig contains the broadcast responder settings
type DiscoveryConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// RegistrationConfig controls the credential check performed at REGISTER
type RegistrationConfig struct {
	Secret string `yaml:"secret"` // HS256 shared secret; empty means open mode
}

// HeartbeatConfig controls liveness tracking
type HeartbeatConfig struct {
	Interval          int `yaml:"interval"`           // seconds between display heartbeats
	TimeoutMultiplier int `yaml:"timeout_multiplier"` // missed intervals before demotion
	SweepInterval     int `yaml:"sweep_interval"`     // seconds between monitor sweeps
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(config *Config, filepath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filepath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		return fmt.Errorf("server.listen_address is invalid: %w", err)
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive")
	}
	if c.Heartbeat.TimeoutMultiplier < 2 {
		return fmt.Errorf("heartbeat.timeout_multiplier must be at least 2")
	}
	if c.Discovery.Enabled && (c.Discovery.Port <= 0 || c.Discovery.Port > 65535) {
		return fmt.Errorf("discovery.port must be a valid port")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.ID == "" {
		c.Server.ID = "marquee-" + uuid.New().String()[:8]
	}
	if c.Server.Path == "" {
		c.Server.Path = "/ws"
	}
	if c.Discovery.Port == 0 {
		c.Discovery.Port = 5555
	}
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = 10
	}
	if c.Heartbeat.TimeoutMultiplier == 0 {
		c.Heartbeat.TimeoutMultiplier = 3
	}
	if c.Heartbeat.SweepInterval == 0 {
		c.Heartbeat.SweepInterval = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// ListenPort returns the numeric port of the listen address.
func (c *Config) ListenPort() int {
	_, portStr, err := net.SplitHostPort(c.Server.ListenAddress)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

// HeartbeatInterval returns the expected display heartbeat interval.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.Interval) * time.Second
}

// HeartbeatTimeout returns the demotion threshold.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Heartbeat.Interval*c.Heartbeat.TimeoutMultiplier) * time.Second
}

// SweepInterval returns the monitor sweep period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Heartbeat.SweepInterval) * time.Second
}

// NewDefaultConfig creates a default configuration template
func NewDefaultConfig() *Config {
	config := &Config{
		Server: ServerConfig{
			ListenAddress: ":8080",
		},
		Discovery: DiscoveryConfig{
			Enabled: true,
			Port:    5555,
		},
		Registration: RegistrationConfig{
			Secret: "",
		},
	}
	config.applyDefaults()
	return config
}
