// Package config handles nmwatch configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/nmwatch/config.yaml, /etc/nmwatch/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "nmwatch", "config.yaml"))
	}

	paths = append(paths, "/etc/nmwatch/config.yaml")
	return paths
}

// ErrNoConfig is returned by FindConfig when no file exists on the
// search path. Callers fall back to [Default].
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error wrapping [ErrNoConfig] if nothing
// was found.
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

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all nmwatch configuration.
type Config struct {
	DataDir        string               `yaml:"data_dir"`
	LogLevel       string               `yaml:"log_level"`
	LogFormat      string               `yaml:"log_format"` // text (default) or json
	Listen         ListenConfig         `yaml:"listen"`
	NetworkManager NetworkManagerConfig `yaml:"networkmanager"`
	History        HistoryConfig        `yaml:"history"`
	MQTT           MQTTConfig           `yaml:"mqtt"`
}

// ListenConfig defines the local HTTP status server.
type ListenConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // Bind address (default: "127.0.0.1")
	Port    int    `yaml:"port"`
}

// Addr returns the host:port the status server binds to.
func (c ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// NetworkManagerConfig tunes how the watcher talks to NetworkManager.
type NetworkManagerConfig struct {
	// LookupTimeoutSec bounds each property read issued by the watcher
	// or resolver (default 5).
	LookupTimeoutSec int `yaml:"lookup_timeout_sec"`
	// ReconnectInitialSec and ReconnectMaxSec shape the exponential
	// backoff used after the bus connection drops (defaults 2 and 60).
	ReconnectInitialSec int `yaml:"reconnect_initial_sec"`
	ReconnectMaxSec     int `yaml:"reconnect_max_sec"`
	// HealthPollSec is how often the health monitor pings the daemon
	// (default 60).
	HealthPollSec int `yaml:"health_poll_sec"`
}

// LookupTimeout returns LookupTimeoutSec as a duration.
func (c NetworkManagerConfig) LookupTimeout() time.Duration {
	return time.Duration(c.LookupTimeoutSec) * time.Second
}

// HistoryConfig controls the persistent event log.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path defaults to <data_dir>/history.db.
	Path string `yaml:"path"`
	// MaxEvents caps the log; 0 keeps everything.
	MaxEvents int `yaml:"max_events"`
}

// MQTTConfig defines the optional MQTT event sink. Events are
// forwarded to <base_topic>/events and a Home Assistant device with
// network sensors is announced under DiscoveryPrefix.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	BaseTopic          string `yaml:"base_topic"`       // default: nmwatch/<device_name>
	DiscoveryPrefix    string `yaml:"discovery_prefix"` // default: homeassistant
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether both a broker and a device name are set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != "" && c.DeviceName != ""
}

// Topic returns the base topic for this device.
func (c MQTTConfig) Topic() string {
	if c.BaseTopic != "" {
		return strings.TrimSuffix(c.BaseTopic, "/")
	}
	return "nmwatch/" + c.DeviceName
}

// Load reads configuration from a YAML file. Values missing from the
// file keep their [Default] values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := defaults()
	cfg.applyDefaults()
	return cfg
}

func defaults() *Config {
	dataDir := "/var/lib/nmwatch"
	if home, err := os.UserHomeDir(); err == nil && os.Geteuid() != 0 {
		dataDir = filepath.Join(home, ".local", "state", "nmwatch")
	}

	host, _ := os.Hostname()
	if host == "" {
		host = "nmwatch"
	}

	return &Config{
		DataDir:   dataDir,
		LogLevel:  "info",
		LogFormat: "text",
		Listen: ListenConfig{
			Enabled: true,
			Address: "127.0.0.1",
			Port:    8787,
		},
		NetworkManager: NetworkManagerConfig{
			LookupTimeoutSec:    5,
			ReconnectInitialSec: 2,
			ReconnectMaxSec:     60,
			HealthPollSec:       60,
		},
		History: HistoryConfig{
			Enabled:   true,
			MaxEvents: 10000,
		},
		MQTT: MQTTConfig{
			DeviceName:         host,
			DiscoveryPrefix:    "homeassistant",
			PublishIntervalSec: 60,
		},
	}
}

// applyDefaults fills values a config file may have zeroed explicitly.
func (c *Config) applyDefaults() {
	c.DataDir = expandHome(c.DataDir)
	c.History.Path = expandHome(c.History.Path)
	if c.History.Path == "" {
		c.History.Path = filepath.Join(c.DataDir, "history.db")
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// Validate checks the configuration for values that would fail later
// at runtime.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}

	if c.Listen.Enabled && (c.Listen.Port <= 0 || c.Listen.Port > 65535) {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}

	nmc := c.NetworkManager
	if nmc.LookupTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("networkmanager.lookup_timeout_sec must be positive"))
	}
	if nmc.ReconnectInitialSec <= 0 || nmc.ReconnectMaxSec < nmc.ReconnectInitialSec {
		errs = append(errs, fmt.Errorf("networkmanager reconnect window %ds..%ds is invalid",
			nmc.ReconnectInitialSec, nmc.ReconnectMaxSec))
	}

	if c.History.MaxEvents < 0 {
		errs = append(errs, fmt.Errorf("history.max_events must not be negative"))
	}

	if c.MQTT.Broker != "" {
		u, err := url.Parse(c.MQTT.Broker)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
		case u.Scheme != "mqtt" && u.Scheme != "mqtts" && u.Scheme != "tcp" && u.Scheme != "ssl":
			errs = append(errs, fmt.Errorf("mqtt.broker scheme %q (valid: mqtt, mqtts, tcp, ssl)", u.Scheme))
		case u.Host == "":
			errs = append(errs, fmt.Errorf("mqtt.broker %q has no host", c.MQTT.Broker))
		}
		if c.MQTT.DeviceName == "" {
			errs = append(errs, fmt.Errorf("mqtt.device_name is required when mqtt.broker is set"))
		}
	}

	return errors.Join(errs...)
}
