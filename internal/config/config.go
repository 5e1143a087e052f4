package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete firewatch configuration
type Config struct {
	SourceID         string          `yaml:"source_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	MQTT             MQTTConfig      `yaml:"mqtt"`
	Detection        DetectionConfig `yaml:"detection"`
	Runner           RunnerConfig    `yaml:"runner"`
	Relay            RelayConfig     `yaml:"relay"`
	Health           HealthConfig    `yaml:"health"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"` // generated when empty
	Topic    string `yaml:"topic"`     // alert + heartbeat topic
	QoS      byte   `yaml:"qos"`
}

// DetectionConfig controls the confirmation state machine and heartbeat
type DetectionConfig struct {
	Labels              []string `yaml:"labels"`
	Threshold           float64  `yaml:"threshold"`
	RequiredConsecutive int      `yaml:"required_consecutive"`
	CooldownS           int      `yaml:"cooldown_s"`
	HeartbeatIntervalS  int      `yaml:"heartbeat_interval_s"`
	Marker              string   `yaml:"marker"` // token that prefixes detection lines
}

// RunnerConfig describes how to launch the external inference program
type RunnerConfig struct {
	Path      string   `yaml:"path"`
	ModelFile string   `yaml:"model_file"`
	Camera    string   `yaml:"camera"`
	Args      []string `yaml:"args"` // appended after the standard arguments
}

// RelayConfig is the static filter-and-forward rule
type RelayConfig struct {
	SourceTopic string `yaml:"source_topic"`
	DestTopic   string `yaml:"dest_topic"`
	Label       string `yaml:"label"`
	QoS         byte   `yaml:"qos"`
}

// HealthConfig controls the optional HTTP health server
type HealthConfig struct {
	Port string `yaml:"port"` // disabled when empty
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse decodes YAML bytes and validates the result
func Parse(data []byte) (*Config, error) {
	// Keys absent from the file keep their preset; explicit zeros are honoured
	cfg := presets()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a validated configuration with every default applied
func Default() *Config {
	cfg := presets()
	// Defaults alone always validate
	_ = Validate(cfg)
	return cfg
}

// presets holds the defaults for fields where zero is a valid setting
func presets() *Config {
	return &Config{
		Detection: DetectionConfig{Threshold: DefaultThreshold},
	}
}

// BrokerURL returns the paho broker address
func (m MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", m.Broker, m.Port)
}

// Cooldown returns the ignore window duration
func (d DetectionConfig) Cooldown() time.Duration {
	return time.Duration(d.CooldownS) * time.Second
}

// HeartbeatInterval returns the heartbeat period
func (d DetectionConfig) HeartbeatInterval() time.Duration {
	return time.Duration(d.HeartbeatIntervalS) * time.Second
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}
