// Package config provides shared configuration path resolution and TOML
// helpers used by the LabelBerry server.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
)

// FindConfigFile searches for a config file in multiple platform-appropriate
// locations and returns the first one found.
func FindConfigFile(filename, component string) (string, []byte, error) {
	for _, path := range GetConfigSearchPaths(filename, component) {
		if data, err := os.ReadFile(path); err == nil {
			return path, data, nil
		}
	}
	return "", nil, fmt.Errorf("%s not found in any search path", filename)
}

// GetConfigSearchPaths returns an ordered list of paths to search for config
// files. component is "server" (the device agent uses its own YAML loader
// under common/config's sibling agent/internal/config package, since
// spec.md §6 names a fixed YAML path for the device).
func GetConfigSearchPaths(filename, component string) []string {
	var paths []string

	switch runtime.GOOS {
	case "windows":
		paths = append(paths, filepath.Join(os.Getenv("ProgramData"), "LabelBerry", component, filename))
	case "darwin":
		paths = append(paths, filepath.Join("/Library/Application Support", "LabelBerry", component, filename))
	default:
		paths = append(paths, filepath.Join("/etc/labelberry", component, filename))
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		switch runtime.GOOS {
		case "windows":
			paths = append(paths, filepath.Join(homeDir, "AppData", "Local", "LabelBerry", component, filename))
		case "darwin":
			paths = append(paths, filepath.Join(homeDir, "Library", "Application Support", "LabelBerry", component, filename))
		default:
			paths = append(paths, filepath.Join(homeDir, ".config", "labelberry", component, filename))
		}
	}

	if exePath, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exePath), filename))
	}

	paths = append(paths, filepath.Join(".", filename))
	return paths
}

// GetDataDirectory returns the directory for durable state: the job store
// (if sqlite), offline queue journal, and similar.
func GetDataDirectory(component string) (string, error) {
	var dataDir string

	if os.Getenv("DOCKER") != "" {
		dataDir = filepath.Join("/var/lib/labelberry", component)
	} else {
		switch runtime.GOOS {
		case "windows":
			dataDir = filepath.Join(os.Getenv("ProgramData"), "LabelBerry", component)
		case "darwin":
			dataDir = filepath.Join("/var/lib/labelberry", component)
		default:
			dataDir = filepath.Join("/var/lib/labelberry", component)
		}
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dataDir, nil
}

// GetLogDirectory returns the directory log files are written under.
func GetLogDirectory(component string) (string, error) {
	var logDir string

	if os.Getenv("DOCKER") != "" {
		logDir = filepath.Join("/var/log/labelberry", component)
	} else {
		switch runtime.GOOS {
		case "windows":
			logDir = filepath.Join(os.Getenv("ProgramData"), "LabelBerry", component, "logs")
		default:
			logDir = filepath.Join("/var/log/labelberry", component)
		}
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}
	return logDir, nil
}

// LoadTOML loads a TOML configuration file into the provided structure.
func LoadTOML(configPath string, cfg interface{}) error {
	if _, err := os.Stat(configPath); err != nil {
		return fmt.Errorf("config file not found: %w", err)
	}
	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// WriteTOML writes the provided config structure to path atomically,
// overwriting any existing file.
func WriteTOML(configPath string, cfg interface{}) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	tmp := configPath + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	return os.Rename(tmp, configPath)
}

// DatabaseConfig holds database settings for the server's job store,
// supporting sqlite (dev/single-node) and postgres (production) backends.
type DatabaseConfig struct {
	Driver              string `toml:"driver"`
	Path                string `toml:"path"`
	DSN                 string `toml:"dsn"`
	Host                string `toml:"host"`
	Port                int    `toml:"port"`
	User                string `toml:"user"`
	Password            string `toml:"password"`
	Name                string `toml:"name"`
	SSLMode             string `toml:"ssl_mode"`
	MaxOpenConns        int    `toml:"max_open_conns"`
	MaxIdleConns        int    `toml:"max_idle_conns"`
	ConnMaxLifetimeSecs int    `toml:"conn_max_lifetime_secs"`
}

// EffectiveDriver returns the database driver, defaulting to "sqlite".
func (c *DatabaseConfig) EffectiveDriver() string {
	if c.Driver == "" {
		return "sqlite"
	}
	return c.Driver
}

// BuildDSN builds a connection string for the configured driver.
func (c *DatabaseConfig) BuildDSN() string {
	if c.DSN != "" {
		return c.DSN
	}

	switch c.EffectiveDriver() {
	case "postgres", "postgresql":
		port := c.Port
		if port == 0 {
			port = 5432
		}
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "prefer"
		}
		dbName := c.Name
		if dbName == "" {
			dbName = "labelberry"
		}
		host := c.Host
		if host == "" {
			host = "localhost"
		}
		user := c.User
		if user == "" {
			user = "labelberry"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			user, c.Password, host, port, dbName, sslMode)
	default:
		if c.Path != "" {
			return c.Path
		}
		return "labelberry.db"
	}
}

// BusConfig describes how to reach the message bus broker.
type BusConfig struct {
	BrokerURL string `toml:"broker_url"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
}

// ServerConfig is the server's root TOML configuration document.
type ServerConfig struct {
	Database         DatabaseConfig `toml:"database"`
	Bus              BusConfig      `toml:"bus"`
	HTTPHost         string         `toml:"http_host"`
	HTTPPort         int            `toml:"http_port"`
	RetentionHours   int            `toml:"retention_hours"`
	WaiterDeadlineS  int            `toml:"waiter_deadline_seconds"`
	MaxWaiters       int            `toml:"max_waiters"`
}

// Defaults fills zero-valued fields with the system defaults from spec §6.
func (c *ServerConfig) Defaults() {
	if c.HTTPHost == "" {
		c.HTTPHost = "0.0.0.0"
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = 8080
	}
	if c.RetentionHours == 0 {
		c.RetentionHours = 48
	}
	if c.WaiterDeadlineS == 0 {
		c.WaiterDeadlineS = 60
	}
	if c.MaxWaiters == 0 {
		c.MaxWaiters = 10000
	}
}
