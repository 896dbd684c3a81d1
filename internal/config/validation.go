package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	// The daemon runs without a synthesis command; synth requests then fail.
	return e.Field == "synth.command"
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is makes errors.Is(err, ErrInvalidConfig) hold for any non-empty set.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig && e.HasErrors()
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// ValidateConfig validates every section. It returns nil when only
// warnings were found; use Check to see those.
func ValidateConfig(c *Config) error {
	errs := Check(c)
	if !errs.HasErrors() {
		return nil
	}
	return errs.Errors()
}

// Check returns every validation issue, warnings included.
func Check(c *Config) ValidationErrors {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateServer(&c.Server)...)
	errs = append(errs, validateSession(&c.Session)...)
	errs = append(errs, validateSynth(&c.Synth)...)
	errs = append(errs, validateWatch(&c.Watch)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)

	return errs
}

func validateServer(s *ServerConfig) ValidationErrors {
	var errs ValidationErrors

	if s.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "server.socket_path",
			Message: "socket path is required",
		})
	}

	if s.MaxConnections < 2 {
		// One presentation peer plus at least one host.
		errs = append(errs, ValidationError{
			Field:   "server.max_connections",
			Message: "max connections must be at least 2",
		})
	}

	if s.ReadTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "server.read_timeout_sec",
			Message: "read timeout must be at least 1 second",
		})
	}

	if s.WriteTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "server.write_timeout_sec",
			Message: "write timeout must be at least 1 second",
		})
	}

	return errs
}

func validateSession(s *SessionConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Workspace == "" {
		errs = append(errs, ValidationError{
			Field:   "session.workspace",
			Message: "workspace name is required",
		})
	}

	if s.DatabasePath == "" {
		errs = append(errs, ValidationError{
			Field:   "session.database_path",
			Message: "database path is required",
		})
		return errs
	}
	if s.DatabasePath == ":memory:" {
		return errs
	}

	// A missing directory is created at startup.
	dir := filepath.Dir(expandPath(s.DatabasePath))
	if info, err := os.Stat(dir); err == nil && !info.IsDir() {
		errs = append(errs, ValidationError{
			Field:   "session.database_path",
			Message: fmt.Sprintf("parent path is not a directory: %s", dir),
		})
	}

	return errs
}

func validateSynth(s *SynthConfig) ValidationErrors {
	var errs ValidationErrors

	if len(s.Command) == 0 || s.Command[0] == "" {
		errs = append(errs, ValidationError{
			Field:   "synth.command",
			Message: "no synthesis command configured",
		})
	}

	for i, kv := range s.Env {
		if !strings.Contains(kv, "=") {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("synth.env[%d]", i),
				Message: fmt.Sprintf("expected KEY=VALUE, got %q", kv),
			})
		}
	}

	return errs
}

func validateWatch(w *WatchConfig) ValidationErrors {
	var errs ValidationErrors

	if !w.Enabled {
		return errs
	}

	if w.DebounceMs < 10 {
		errs = append(errs, ValidationError{
			Field:   "watch.debounce_ms",
			Message: "debounce must be at least 10ms",
		})
	}
	if w.DebounceMs > 60000 {
		errs = append(errs, ValidationError{
			Field:   "watch.debounce_ms",
			Message: "debounce cannot exceed 60000ms (1 minute)",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	var errs ValidationErrors

	if !m.Enabled {
		return errs
	}

	if _, _, err := net.SplitHostPort(m.ListenAddr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "metrics.listen_addr",
			Message: fmt.Sprintf("invalid listen address %q: %v", m.ListenAddr, err),
		})
	}

	return errs
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
