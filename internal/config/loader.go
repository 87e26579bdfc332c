package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// LoadConfig reads, parses, defaults and validates the configuration file at
// path. The format is chosen by extension (.json, .toml); any other
// extension is auto-detected by trying JSON first, then TOML.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data according to ext without applying defaults.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".json":
		if err := decodeJSON(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".toml":
		if err := decodeTOML(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	default:
		jsonErr := decodeJSON(data, &cfg)
		if jsonErr == nil {
			break
		}
		cfg = Config{}
		tomlErr := decodeTOML(data, &cfg)
		if tomlErr != nil {
			return nil, fmt.Errorf("failed to auto-detect and parse config (JSON error: %v; TOML error: %v)", jsonErr, tomlErr)
		}
	}
	return &cfg, nil
}

// decodeJSON rejects unknown keys, matching decodeTOML.
func decodeJSON(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

// decodeTOML decodes TOML into a generic table and re-decodes it as JSON so
// that handler_config lands in RawMessageWrapper the same way for both
// formats.
func decodeTOML(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("toml: empty input")
	}
	var table map[string]interface{}
	if _, err := toml.Decode(string(data), &table); err != nil {
		return err
	}
	asJSON, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("toml: re-encoding table: %w", err)
	}
	if err := decodeJSON(asJSON, cfg); err != nil {
		return fmt.Errorf("toml: %w", err)
	}
	return nil
}

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	s := cfg.Server
	if s.Address == nil {
		s.Address = strPtr(DefaultAddress)
	}
	if s.GracefulShutdownTimeout == nil {
		s.GracefulShutdownTimeout = strPtr(DefaultGracefulShutdownTimeout)
	}
	if s.HandshakeTimeout == nil {
		s.HandshakeTimeout = strPtr(DefaultHandshakeTimeout)
	}
	if s.ShutdownMode == "" {
		s.ShutdownMode = ShutdownGraceful
	}
	if s.ReplyMode == "" {
		s.ReplyMode = ReplyModePerRequest
	}

	if cfg.Handler == nil {
		cfg.Handler = &HandlerConfig{}
	}
	if cfg.Handler.HandlerType == "" {
		cfg.Handler.HandlerType = DefaultHandlerType
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	l := cfg.Logging
	if l.LogLevel == "" {
		l.LogLevel = LogLevelInfo
	}
	if l.ErrorLog == nil {
		l.ErrorLog = &ErrorLogConfig{}
	}
	if l.ErrorLog.Target == nil {
		l.ErrorLog.Target = strPtr("stderr")
	}
	if l.AccessLog == nil {
		l.AccessLog = &AccessLogConfig{}
	}
	if l.AccessLog.Enabled == nil {
		enabled := true
		l.AccessLog.Enabled = &enabled
	}
	if l.AccessLog.Target == nil {
		l.AccessLog.Target = strPtr("stdout")
	}
	if l.AccessLog.Format == "" {
		l.AccessLog.Format = "json"
	}
}

// Validate checks a defaulted configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	if err := validateServer(cfg.Server); err != nil {
		return err
	}
	if cfg.Handler != nil && cfg.Handler.HandlerType == "" {
		return fmt.Errorf("handler.handler_type cannot be empty")
	}
	if err := validateLogging(cfg.Logging); err != nil {
		return err
	}
	return nil
}

func validateServer(s *ServerConfig) error {
	if s == nil {
		return nil
	}
	if s.Address != nil && *s.Address == "" {
		return fmt.Errorf("server.address cannot be an empty string")
	}
	durations := []struct {
		name  string
		value *string
	}{
		{"server.graceful_shutdown_timeout", s.GracefulShutdownTimeout},
		{"server.handshake_timeout", s.HandshakeTimeout},
		{"server.read_header_timeout", s.ReadHeaderTimeout},
	}
	for _, d := range durations {
		if d.value == nil {
			continue
		}
		if _, err := ParseDuration(d.name, *d.value); err != nil {
			return err
		}
	}
	switch s.ShutdownMode {
	case "", ShutdownGraceful, ShutdownImmediate:
	default:
		return fmt.Errorf("server.shutdown_mode must be %q or %q, got %q", ShutdownGraceful, ShutdownImmediate, s.ShutdownMode)
	}
	switch s.ReplyMode {
	case "", ReplyModePerRequest, ReplyModeDrainAll:
	default:
		return fmt.Errorf("server.reply_mode must be %q or %q, got %q", ReplyModePerRequest, ReplyModeDrainAll, s.ReplyMode)
	}
	if s.Workers < 0 {
		return fmt.Errorf("server.workers cannot be negative, got %d", s.Workers)
	}
	if s.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections cannot be negative, got %d", s.MaxConnections)
	}
	return nil
}

func validateLogging(l *LoggingConfig) error {
	if l == nil {
		return nil
	}
	switch l.LogLevel {
	case "", LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("logging.log_level %q is invalid", l.LogLevel)
	}
	if l.ErrorLog != nil && l.ErrorLog.Target != nil {
		if err := validateTarget("logging.error_log.target", *l.ErrorLog.Target); err != nil {
			return err
		}
	}
	if l.AccessLog != nil {
		if l.AccessLog.Target != nil {
			if err := validateTarget("logging.access_log.target", *l.AccessLog.Target); err != nil {
				return err
			}
		}
		switch l.AccessLog.Format {
		case "", "json":
		default:
			return fmt.Errorf("logging.access_log.format %q is unsupported, only \"json\" is allowed", l.AccessLog.Format)
		}
	}
	return nil
}

func validateTarget(name, target string) error {
	if target == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if IsFilePath(target) && !filepath.IsAbs(target) {
		return fmt.Errorf("%s must be 'stdout', 'stderr' or an absolute file path, got %q", name, target)
	}
	return nil
}

// ParseDuration parses a positive duration setting named name.
func ParseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, fmt.Errorf("%s cannot be an empty string if specified", name)
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid format for %s '%s': %w", name, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got '%s'", name, value)
	}
	return d, nil
}

// IsFilePath reports whether a log target names a file rather than a
// standard stream.
func IsFilePath(target string) bool {
	return target != "stdout" && target != "stderr"
}

func strPtr(s string) *string { return &s }
