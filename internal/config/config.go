// Package config handles monitor configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./thermod-monitor-mqtt.yaml, ~/.config/thermod-monitor-mqtt/config.yaml,
// /etc/thermod/monitor-mqtt.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"thermod-monitor-mqtt.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "thermod-monitor-mqtt", "config.yaml"))
	}

	paths = append(paths, "/etc/thermod/monitor-mqtt.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all monitor configuration.
type Config struct {
	Thermod  ThermodConfig `yaml:"thermod"`
	MQTT     MQTTConfig    `yaml:"mqtt"`
	History  HistoryConfig `yaml:"history"`
	DataDir  string        `yaml:"data_dir"`
	LogLevel string        `yaml:"log_level"`
	LogFmt   string        `yaml:"log_format"` // "text" (default) or "json"
}

// ThermodConfig defines the connection to the Thermod daemon.
type ThermodConfig struct {
	// URL is the base URL of the Thermod control socket.
	URL string `yaml:"url"`
	// MonitorName identifies this monitor to the daemon's long-poll
	// endpoint. Thermod uses it to track per-client change cursors.
	MonitorName string `yaml:"monitor_name"`
	// PollIntervalSec is the fallback polling interval used when the
	// daemon does not support long-polling (default 30).
	PollIntervalSec int `yaml:"poll_interval_sec"`
	// LongPollTimeoutSec is how long a single /monitor request may block
	// server-side before the client gives up (default 600).
	LongPollTimeoutSec int `yaml:"long_poll_timeout_sec"`
}

// MQTTConfig defines the broker connection and Home Assistant discovery
// settings.
type MQTTConfig struct {
	Broker          string `yaml:"broker"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DeviceName      string `yaml:"device_name"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	QoS             int    `yaml:"qos"`
	// TeleperiodSec is the forced full republish interval, covering
	// brokers and consumers that miss retained state (default 300).
	TeleperiodSec int `yaml:"teleperiod_sec"`
	// TLSInsecureSkipVerify disables broker certificate verification.
	// Only for local brokers with self-signed certificates.
	TLSInsecureSkipVerify bool `yaml:"tls_insecure_skip_verify"`
}

// Configured reports whether MQTT publishing is usable: both a broker
// URL and a device name are required.
func (m MQTTConfig) Configured() bool {
	return m.Broker != "" && m.DeviceName != ""
}

// HistoryConfig defines the local reading log.
type HistoryConfig struct {
	// Enabled turns on the SQLite reading log (default true).
	Enabled *bool `yaml:"enabled"`
	// RetentionDays is how long readings are kept (default 30, 0 = forever).
	RetentionDays int `yaml:"retention_days"`
}

// HistoryEnabled reports whether the reading log should be opened.
func (c *Config) HistoryEnabled() bool {
	if c.History.Enabled == nil {
		return true
	}
	return *c.History.Enabled
}

// Load reads configuration from a YAML file. Environment variables in
// the file body are expanded before parsing, so secrets can be kept out
// of the file itself (password: ${MQTT_PASSWORD}).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Thermod: ThermodConfig{
			URL:                "http://localhost:4344",
			MonitorName:        "mqtt",
			PollIntervalSec:    30,
			LongPollTimeoutSec: 600,
		},
		MQTT: MQTTConfig{
			DiscoveryPrefix: "homeassistant",
			QoS:             1,
			TeleperiodSec:   300,
		},
		History: HistoryConfig{
			RetentionDays: 30,
		},
		DataDir: ".",
	}
}

// Validate checks the configuration for values that would fail at
// runtime. Zero-value numeric fields are replaced with defaults rather
// than rejected.
func (c *Config) Validate() error {
	if c.Thermod.URL == "" {
		return fmt.Errorf("thermod.url must not be empty")
	}
	if _, err := url.Parse(c.Thermod.URL); err != nil {
		return fmt.Errorf("thermod.url: %w", err)
	}
	if c.MQTT.Broker != "" {
		if _, err := url.Parse(c.MQTT.Broker); err != nil {
			return fmt.Errorf("mqtt.broker: %w", err)
		}
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2 (got %d)", c.MQTT.QoS)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}

	def := Default()
	if c.Thermod.MonitorName == "" {
		c.Thermod.MonitorName = def.Thermod.MonitorName
	}
	if c.Thermod.PollIntervalSec <= 0 {
		c.Thermod.PollIntervalSec = def.Thermod.PollIntervalSec
	}
	if c.Thermod.LongPollTimeoutSec <= 0 {
		c.Thermod.LongPollTimeoutSec = def.Thermod.LongPollTimeoutSec
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = def.MQTT.DiscoveryPrefix
	}
	if c.MQTT.TeleperiodSec <= 0 {
		c.MQTT.TeleperiodSec = def.MQTT.TeleperiodSec
	}
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}

	return nil
}
