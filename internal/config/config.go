package config

import (
	"encoding/json"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// ShutdownMode selects how a running server is stopped.
type ShutdownMode string

const (
	// ShutdownGraceful drains in-flight requests before stopping, bounded by
	// the graceful shutdown timeout.
	ShutdownGraceful ShutdownMode = "graceful"
	// ShutdownImmediate stops accepting and closes in-flight connections.
	ShutdownImmediate ShutdownMode = "immediate"
)

// ReplyMode selects how scripted replies are paired with requests.
type ReplyMode string

const (
	// ReplyModePerRequest pairs one scripted reply with one request, FIFO.
	ReplyModePerRequest ReplyMode = "per_request"
	// ReplyModeDrainAll lets any request drain every queued directive.
	ReplyModeDrainAll ReplyMode = "drain_all"
)

// Default values applied by ApplyDefaults.
const (
	DefaultAddress                 = "127.0.0.1:0"
	DefaultGracefulShutdownTimeout = "5s"
	DefaultHandshakeTimeout        = "10s"
	DefaultHandlerType             = "Static"
)

// Config is the top-level configuration structure for a standalone test server.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty"`
	Handler *HandlerConfig `json:"handler,omitempty" toml:"handler,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`
}

// ServerConfig holds listener and lifecycle settings.
type ServerConfig struct {
	Address                 *string      `json:"address,omitempty" toml:"address,omitempty"`
	GracefulShutdownTimeout *string      `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty"` // e.g., "5s"
	HandshakeTimeout        *string      `json:"handshake_timeout,omitempty" toml:"handshake_timeout,omitempty"`                 // e.g., "10s"
	ReadHeaderTimeout       *string      `json:"read_header_timeout,omitempty" toml:"read_header_timeout,omitempty"`
	ShutdownMode            ShutdownMode `json:"shutdown_mode,omitempty" toml:"shutdown_mode,omitempty"`
	ReplyMode               ReplyMode    `json:"reply_mode,omitempty" toml:"reply_mode,omitempty"`
	Workers                 int          `json:"workers,omitempty" toml:"workers,omitempty"`
	MaxConnections          int          `json:"max_connections,omitempty" toml:"max_connections,omitempty"`
}

// HandlerConfig names the handler that produces default responses and
// carries its opaque, handler-specific settings.
type HandlerConfig struct {
	HandlerType   string            `json:"handler_type" toml:"handler_type"`
	HandlerConfig RawMessageWrapper `json:"handler_config,omitempty" toml:"handler_config,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty"`
}

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Enabled *bool   `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Target  *string `json:"target,omitempty" toml:"target,omitempty"`
	Format  string  `json:"format,omitempty" toml:"format,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target *string `json:"target,omitempty" toml:"target,omitempty"`
	// Rotation settings apply only to file targets.
	MaxSizeMB  int `json:"max_size_mb,omitempty" toml:"max_size_mb,omitempty"`
	MaxBackups int `json:"max_backups,omitempty" toml:"max_backups,omitempty"`
}

// StaticHandlerConfig is the HandlerConfig for the "Static" handler type.
// Body and BodyFile are mutually exclusive.
type StaticHandlerConfig struct {
	Status   int               `json:"status,omitempty" toml:"status,omitempty"`
	Headers  map[string]string `json:"headers,omitempty" toml:"headers,omitempty"`
	Body     string            `json:"body,omitempty" toml:"body,omitempty"`
	BodyFile string            `json:"body_file,omitempty" toml:"body_file,omitempty"`

	// MimeTypes maps extensions (".ext") to Content-Type for BodyFile.
	MimeTypes map[string]string `json:"mime_types,omitempty" toml:"mime_types,omitempty"`
}

// EchoHandlerConfig is the HandlerConfig for the "Echo" handler type.
type EchoHandlerConfig struct {
	Status int `json:"status,omitempty" toml:"status,omitempty"`
	// Raw echoes the request body verbatim instead of a JSON description.
	Raw bool `json:"raw,omitempty" toml:"raw,omitempty"`
}

// RawMessageWrapper holds handler_config as raw JSON regardless of whether
// the surrounding document was JSON or TOML.
type RawMessageWrapper json.RawMessage

// Bytes returns the raw JSON bytes.
func (r RawMessageWrapper) Bytes() []byte {
	return []byte(r)
}

// MarshalJSON returns r as the JSON encoding of r.
func (r RawMessageWrapper) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON sets *r to a copy of data.
func (r *RawMessageWrapper) UnmarshalJSON(data []byte) error {
	*r = append((*r)[0:0], data...)
	return nil
}
