// Package config handles configuration loading, validation, and management for circuitd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Server configures the unix socket shared by the presentation and host peers.
	Server ServerConfig `toml:"server" json:"server" yaml:"server"`

	// Session configures the session cache.
	Session SessionConfig `toml:"session" json:"session" yaml:"session"`

	// Synth configures the external synthesis command.
	Synth SynthConfig `toml:"synth" json:"synth" yaml:"synth"`

	// Watch configures monitoring of the circuit file and tracked sources.
	Watch WatchConfig `toml:"watch" json:"watch" yaml:"watch"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// ServerConfig holds socket server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// MaxConnections is the maximum number of concurrent peers.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// ReadTimeoutSec is the idle time before a peer is pinged.
	ReadTimeoutSec int `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec"`

	// WriteTimeoutSec bounds a single frame write.
	WriteTimeoutSec int `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec"`

	// SameUserOnly rejects peers running as another user.
	SameUserOnly bool `toml:"same_user_only" json:"same_user_only" yaml:"same_user_only"`
}

// SessionConfig holds session cache configuration.
type SessionConfig struct {
	// DatabasePath is the SQLite file holding the session cache.
	DatabasePath string `toml:"database_path" json:"database_path" yaml:"database_path"`

	// Workspace names the cache partition. Daemons serving different
	// workspaces may share one database.
	Workspace string `toml:"workspace" json:"workspace" yaml:"workspace"`

	// Restore reloads the previous session on startup.
	Restore bool `toml:"restore" json:"restore" yaml:"restore"`
}

// SynthConfig holds the synthesis collaborator configuration.
type SynthConfig struct {
	// Command is the argv of the synthesis process. It reads a request on
	// stdin and writes a response on stdout.
	Command []string `toml:"command" json:"command" yaml:"command"`

	// Env lists extra KEY=VALUE pairs for the process.
	Env []string `toml:"env" json:"env" yaml:"env"`
}

// WatchConfig holds file watching configuration.
type WatchConfig struct {
	// Enabled determines whether external file changes are monitored.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// DebounceMs is how long a file must be quiet before its change is handled.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file" or "both").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Server: ServerConfig{
			SocketPath:      defaultSocketPath(),
			MaxConnections:  32,
			ReadTimeoutSec:  60,
			WriteTimeoutSec: 10,
			SameUserOnly:    true,
		},
		Session: SessionConfig{
			DatabasePath: filepath.Join(dir, "session.db"),
			Workspace:    defaultWorkspace(),
			Restore:      true,
		},
		Synth: SynthConfig{
			Command: []string{},
			Env:     []string{},
		},
		Watch: WatchConfig{
			Enabled:    true,
			DebounceMs: 300,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "circuitd.log"),
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9465",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "circuitd.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Server.SocketPath),
		filepath.Dir(c.Session.DatabasePath),
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// DataDir returns the base circuitd directory.
// Uses platform-specific paths or the CIRCUITD_DATA_DIR environment override.
func DataDir() string {
	if envDir := os.Getenv("CIRCUITD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with CIRCUITD_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("CIRCUITD_SOCKET_PATH"); v != "" {
		c.Server.SocketPath = v
	}

	if v := os.Getenv("CIRCUITD_SESSION_DB"); v != "" {
		c.Session.DatabasePath = v
	}
	if v := os.Getenv("CIRCUITD_WORKSPACE"); v != "" {
		c.Session.Workspace = v
	}

	// Split on whitespace; use the config file for arguments with spaces.
	if v := os.Getenv("CIRCUITD_SYNTH_COMMAND"); v != "" {
		c.Synth.Command = strings.Fields(v)
	}

	if v := os.Getenv("CIRCUITD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CIRCUITD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	if v := os.Getenv("CIRCUITD_METRICS_ADDR"); v != "" {
		c.Metrics.Enabled = true
		c.Metrics.ListenAddr = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version: c.Version,
		Server:  c.Server,
		Session: c.Session,
		Synth:   c.Synth,
		Watch:   c.Watch,
		Logging: c.Logging,
		Metrics: c.Metrics,
	}
	clone.Synth.Command = append([]string{}, c.Synth.Command...)
	clone.Synth.Env = append([]string{}, c.Synth.Env...)

	return clone
}

// ReadTimeout returns the idle time before a peer is pinged.
func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSec) * time.Second
}

// WriteTimeout returns the frame write deadline.
func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSec) * time.Second
}

// Debounce returns the quiet period before a file change is handled.
func (w WatchConfig) Debounce() time.Duration {
	return time.Duration(w.DebounceMs) * time.Millisecond
}

func defaultSocketPath() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(DataDir(), "circuitd.sock")
	default:
		if dir := PlatformRuntimeDir(); dir != "" {
			return filepath.Join(dir, "circuitd.sock")
		}
		return "/tmp/circuitd.sock"
	}
}

// defaultWorkspace names the cache partition after the working directory.
func defaultWorkspace() string {
	wd, err := os.Getwd()
	if err != nil {
		return "default"
	}
	return wd
}
