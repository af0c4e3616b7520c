// Package config loads the wb-connection-manager configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/wirenboard/wb-connection-manager/pkg"
)

// DefaultPath is the standard configuration file location.
const DefaultPath = "/etc/wb-connection-manager.conf"

// Config represents the daemon configuration.
type Config struct {
	Debug       bool     `json:"debug"`
	Connections []string `json:"connections"` // highest priority first

	// Control loop intervals
	CheckPeriodS     int `json:"check_period_s"`
	PromotionPeriodS int `json:"promotion_period_s"`
	ActivationRetryS int `json:"activation_retry_s"`

	// Connectivity probe
	ConnectivityURL      string `json:"connectivity_url"`
	ConnectivityPayload  string `json:"connectivity_payload"`
	ConnectivityTimeoutS int    `json:"connectivity_timeout_s"`

	// Collaborator timeouts
	ActivationTimeoutS   int `json:"activation_timeout_s"`
	DeactivationTimeoutS int `json:"deactivation_timeout_s"`
	SlotSwitchTimeoutS   int `json:"slot_switch_timeout_s"`

	// Modem selection: the ModemManager Device property of the
	// built-in modem.
	ModemDevice string `json:"modem_device"`

	// In-RAM telemetry retention.
	RetentionHours int `json:"retention_hours"`

	MQTT    MQTTConfig    `json:"mqtt"`
	Metrics MetricsConfig `json:"metrics"`
	Journal JournalConfig `json:"journal"`
}

// MQTTConfig holds the optional MQTT publisher settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
}

// MetricsConfig holds the optional Prometheus exporter settings.
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// JournalConfig holds the optional persistent event journal settings.
type JournalConfig struct {
	Enabled        bool   `json:"enabled"`
	Path           string `json:"path"`
	RetentionHours int    `json:"retention_hours"`
}

// Default returns a configuration with all defaults applied and no
// connections configured.
func Default() *Config {
	return &Config{
		CheckPeriodS:         5,
		PromotionPeriodS:     60,
		ActivationRetryS:     60,
		ConnectivityURL:      "http://network-test.debian.org/nm",
		ConnectivityPayload:  "NetworkManager is online",
		ConnectivityTimeoutS: 15,
		ActivationTimeoutS:   30,
		DeactivationTimeoutS: 30,
		SlotSwitchTimeoutS:   30,
		ModemDevice:          "wbc",
		RetentionHours:       24,
		MQTT: MQTTConfig{
			Broker:      "localhost",
			Port:        1883,
			ClientID:    "wb-connection-manager",
			TopicPrefix: "/devices/wb-connection-manager",
			QoS:         1,
		},
		Metrics: MetricsConfig{
			Port: 9101,
		},
		Journal: JournalConfig{
			Path:           "/var/lib/wb-connection-manager/events.db",
			RetentionHours: 168,
		},
	}
}

// LoadConfig reads and validates the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %s", pkg.ErrNotConfigured, path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %s", pkg.ErrNotConfigured, path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for fatal problems.
func (c *Config) Validate() error {
	if len(c.Connections) == 0 {
		return fmt.Errorf("%w: connections list is empty", pkg.ErrNotConfigured)
	}
	seen := make(map[string]bool, len(c.Connections))
	for _, id := range c.Connections {
		if id == "" {
			return fmt.Errorf("%w: empty connection id", pkg.ErrNotConfigured)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate connection id %q", pkg.ErrNotConfigured, id)
		}
		seen[id] = true
	}
	if c.CheckPeriodS < 1 {
		return fmt.Errorf("%w: check_period_s must be positive", pkg.ErrNotConfigured)
	}
	if c.PromotionPeriodS < 1 {
		return fmt.Errorf("%w: promotion_period_s must be positive", pkg.ErrNotConfigured)
	}
	if c.ConnectivityURL == "" {
		return fmt.Errorf("%w: connectivity_url must be set", pkg.ErrNotConfigured)
	}
	return nil
}

// LogLevel returns the log level implied by the debug flag.
func (c *Config) LogLevel() string {
	if c.Debug {
		return "debug"
	}
	return "info"
}
