// Package config loads the device agent's YAML configuration file
// (spec.md §6: "a YAML config under /etc/labelberry/client.conf"). The
// server side uses common/config's TOML+search-path helpers; the device
// side uses a single fixed path and a fixed format because spec.md names
// both explicitly.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the fixed config path spec.md §6 names for the device.
const DefaultPath = "/etc/labelberry/client.conf"

// RetryPolicy holds the client.conf retry settings. They are loaded and
// defaulted here but read by no other component: the Device Job Queue
// uses its own fixed backoff (5s doubling, capped at 180s) and has no
// attempt limit.
type RetryPolicy struct {
	InitialBackoffSeconds int `yaml:"initial_backoff_seconds"`
	MaxBackoffSeconds     int `yaml:"max_backoff_seconds"`
	MaxAttempts           int `yaml:"max_attempts"`
}

// Config is the device agent's client.conf document.
type Config struct {
	DeviceID       string      `yaml:"device_id"`
	Secret         string      `yaml:"secret"`
	ServerURL      string      `yaml:"server_url"`
	BusURL         string      `yaml:"bus_url"`
	BusUsername    string      `yaml:"bus_username"`
	BusPassword    string      `yaml:"bus_password"`
	PrinterPath    string      `yaml:"printer_path"`
	QueueCapacity  int         `yaml:"queue_capacity"`
	RetryPolicy    RetryPolicy `yaml:"retry_policy"`
	LocalHTTPAddr  string      `yaml:"local_http_addr"`
	HeartbeatSecs  int         `yaml:"heartbeat_seconds"`
	PrinterModel   string      `yaml:"printer_model"`
	LabelSize      string      `yaml:"label_size"`
	FirmwareBuild  string      `yaml:"firmware_build"`
	USBVendorID    uint16      `yaml:"usb_vendor_id"`
	USBProductID   uint16      `yaml:"usb_product_id"`
}

// Defaults fills zero-valued fields, mirroring common/config.ServerConfig.Defaults.
func (c *Config) Defaults() {
	if c.QueueCapacity == 0 {
		c.QueueCapacity = 100 // spec §4.2 "Bounded (default 100)"
	}
	if c.RetryPolicy.InitialBackoffSeconds == 0 {
		c.RetryPolicy.InitialBackoffSeconds = 5
	}
	if c.RetryPolicy.MaxBackoffSeconds == 0 {
		c.RetryPolicy.MaxBackoffSeconds = 180
	}
	if c.RetryPolicy.MaxAttempts == 0 {
		c.RetryPolicy.MaxAttempts = 0 // 0 means "bounded by the 24h window only"
	}
	if c.LocalHTTPAddr == "" {
		c.LocalHTTPAddr = "0.0.0.0:9191"
	}
	if c.HeartbeatSecs == 0 {
		c.HeartbeatSecs = 60 // spec §4.3 "periodic status publish at a fixed cadence (default 60s)"
	}
	if c.PrinterPath == "" {
		c.PrinterPath = "/dev/usb/lp0"
	}
}

// HeartbeatInterval returns HeartbeatSecs as a time.Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSecs) * time.Second
}

// Validate rejects a config missing the fields every other component assumes.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("config: device_id is required")
	}
	if c.Secret == "" {
		return fmt.Errorf("config: secret is required")
	}
	if c.BusURL == "" {
		return fmt.Errorf("config: bus_url is required")
	}
	return nil
}

// Load reads and parses path (DefaultPath if empty), filling defaults and
// validating the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.Defaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Save writes c to path atomically, grounded on common/config.WriteTOML's
// tmp-file-then-rename idiom.
func Save(path string, c *Config) error {
	if path == "" {
		path = DefaultPath
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("config: write temp file: %w", err)
	}
	return os.Rename(tmp, path)
}
