package config

import (
	"fmt"
	"strings"
)

// Defaults mirror the values the sensor was deployed with
const (
	DefaultSourceID            = "RPI_1"
	DefaultShutdownTimeoutS    = 5
	DefaultBroker              = "localhost"
	DefaultPort                = 1883
	DefaultTopic               = "alerta/fuego"
	DefaultThreshold           = 0.90
	DefaultRequiredConsecutive = 5
	DefaultCooldownS           = 60
	DefaultHeartbeatIntervalS  = 1
	DefaultMarker              = "boundingBoxes"
	DefaultRunnerPath          = "/usr/bin/edge-impulse-linux-runner"
	DefaultModelFile           = "model.eim"
	DefaultCamera              = "/dev/video0"
	DefaultRelayDestTopic      = "cigar/detect"
	DefaultRelayLabel          = "fire"
)

// DefaultLabels is the qualifying label set used when none is configured
var DefaultLabels = []string{"fire"}

// Validate checks the configuration and fills in defaults
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.SourceID) == "" {
		cfg.SourceID = DefaultSourceID
	}
	if cfg.ShutdownTimeoutS < 0 {
		return fmt.Errorf("shutdown_timeout_s must be >= 0")
	}
	if cfg.ShutdownTimeoutS == 0 {
		cfg.ShutdownTimeoutS = DefaultShutdownTimeoutS
	}

	if err := validateMQTT(&cfg.MQTT); err != nil {
		return err
	}
	if err := validateDetection(&cfg.Detection); err != nil {
		return err
	}

	if cfg.Runner.Path == "" {
		cfg.Runner.Path = DefaultRunnerPath
	}
	if cfg.Runner.ModelFile == "" {
		cfg.Runner.ModelFile = DefaultModelFile
	}
	if cfg.Runner.Camera == "" {
		cfg.Runner.Camera = DefaultCamera
	}

	// Relay reads what the emitter publishes unless told otherwise
	if cfg.Relay.SourceTopic == "" {
		cfg.Relay.SourceTopic = cfg.MQTT.Topic
	}
	if cfg.Relay.DestTopic == "" {
		cfg.Relay.DestTopic = DefaultRelayDestTopic
	}
	if cfg.Relay.Label == "" {
		cfg.Relay.Label = DefaultRelayLabel
	}
	if strings.ContainsAny(cfg.Relay.DestTopic, "+#") {
		return fmt.Errorf("relay.dest_topic must not contain wildcards: %q", cfg.Relay.DestTopic)
	}
	if cfg.Relay.QoS > 2 {
		return fmt.Errorf("relay.qos must be 0, 1 or 2, got %d", cfg.Relay.QoS)
	}
	if cfg.Relay.SourceTopic == cfg.Relay.DestTopic {
		return fmt.Errorf("relay.dest_topic must differ from relay.source_topic (%q)", cfg.Relay.SourceTopic)
	}

	return nil
}

func validateMQTT(m *MQTTConfig) error {
	if m.Broker == "" {
		m.Broker = DefaultBroker
	}
	if m.Port == 0 {
		m.Port = DefaultPort
	}
	if m.Port < 0 || m.Port > 65535 {
		return fmt.Errorf("mqtt.port out of range: %d", m.Port)
	}
	if m.Topic == "" {
		m.Topic = DefaultTopic
	}
	if strings.ContainsAny(m.Topic, "+#") {
		return fmt.Errorf("mqtt.topic must not contain wildcards: %q", m.Topic)
	}
	if m.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", m.QoS)
	}
	return nil
}

func validateDetection(d *DetectionConfig) error {
	if len(d.Labels) == 0 {
		d.Labels = append([]string(nil), DefaultLabels...)
	}
	for i, label := range d.Labels {
		if strings.TrimSpace(label) == "" {
			return fmt.Errorf("detection.labels[%d] is empty", i)
		}
	}

	// Zero is kept: every confidence qualifies
	if d.Threshold < 0 || d.Threshold > 1 {
		return fmt.Errorf("detection.threshold must be within [0,1], got %v", d.Threshold)
	}

	if d.RequiredConsecutive == 0 {
		d.RequiredConsecutive = DefaultRequiredConsecutive
	}
	if d.RequiredConsecutive < 0 {
		return fmt.Errorf("detection.required_consecutive must be > 0")
	}

	if d.CooldownS == 0 {
		d.CooldownS = DefaultCooldownS
	}
	if d.CooldownS < 0 {
		return fmt.Errorf("detection.cooldown_s must be > 0")
	}

	if d.HeartbeatIntervalS == 0 {
		d.HeartbeatIntervalS = DefaultHeartbeatIntervalS
	}
	if d.HeartbeatIntervalS < 0 {
		return fmt.Errorf("detection.heartbeat_interval_s must be > 0")
	}

	if d.Marker == "" {
		d.Marker = DefaultMarker
	}
	return nil
}
