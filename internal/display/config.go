package display

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config represents the display daemon configuration structure
type Config struct {
	Display     DisplayConfig     `yaml:"display"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// DisplayConfig contains the device identity and credential
type DisplayConfig struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Model      string `yaml:"model"`
	Credential string `yaml:"credential"`
}

// CoordinatorConfig contains rendezvous settings
type CoordinatorConfig struct {
	Endpoint         string `yaml:"endpoint"`          // static fallback, e.g. ws://192.168.1.10:8080/ws
	DiscoveryPort    int    `yaml:"discovery_port"`    // UDP broadcast port
	DiscoveryTimeout int    `yaml:"discovery_timeout"` // seconds to wait for an advertisement
}

// HeartbeatConfig controls the liveness signal
type HeartbeatConfig struct {
	Interval int `yaml:"interval"` // seconds; overridden by the coordinator's ack
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
	if c.Display.ID == "" {
		return fmt.Errorf("display.id is required")
	}
	if c.Display.Credential == "" {
		return fmt.Errorf("display.credential is required")
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive")
	}
	if c.Coordinator.DiscoveryPort <= 0 || c.Coordinator.DiscoveryPort > 65535 {
		return fmt.Errorf("coordinator.discovery_port must be a valid port")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Display.ID == "" {
		c.Display.ID = "display-" + uuid.New().String()[:8]
	}
	if c.Coordinator.DiscoveryPort == 0 {
		c.Coordinator.DiscoveryPort = 5555
	}
	if c.Coordinator.DiscoveryTimeout == 0 {
		c.Coordinator.DiscoveryTimeout = 3
	}
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// DiscoveryTimeout returns the probe wait as a duration.
func (c *Config) DiscoveryTimeout() time.Duration {
	return time.Duration(c.Coordinator.DiscoveryTimeout) * time.Second
}

// HeartbeatInterval returns the configured heartbeat period.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.Interval) * time.Second
}

// NewDefaultConfig creates a default configuration template
func NewDefaultConfig() *Config {
	config := &Config{
		Display: DisplayConfig{
			Name:       "Lobby Display",
			Model:      "generic",
			Credential: "credential_here",
		},
	}
	config.applyDefaults()
	return config
}
