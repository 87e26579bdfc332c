package logger

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"example.com/testserver/internal/config"
)

// LogFields carries structured key/value pairs attached to a log entry.
type LogFields map[string]interface{}

// Logger is a general logger that writes error-log entries and, when
// enabled, access-log entries to separate zerolog streams.
type Logger struct {
	errorLog  zerolog.Logger
	accessLog *zerolog.Logger

	mu      sync.Mutex
	closers []io.Closer
}

// NewLogger creates and configures a new Logger instance.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	l := &Logger{}

	errorTarget := "stderr"
	var rotation *config.ErrorLogConfig
	if cfg.ErrorLog != nil {
		rotation = cfg.ErrorLog
		if cfg.ErrorLog.Target != nil {
			errorTarget = *cfg.ErrorLog.Target
		}
	}
	errorOutput, err := l.openTarget(errorTarget, rotation)
	if err != nil {
		return nil, fmt.Errorf("failed to open error log target %s: %w", errorTarget, err)
	}
	l.errorLog = zerolog.New(errorOutput).
		Level(toZerologLevel(cfg.LogLevel)).
		With().Timestamp().Logger()

	if cfg.AccessLog != nil && (cfg.AccessLog.Enabled == nil || *cfg.AccessLog.Enabled) {
		accessTarget := "stdout"
		if cfg.AccessLog.Target != nil {
			accessTarget = *cfg.AccessLog.Target
		}
		accessOutput, err := l.openTarget(accessTarget, nil)
		if err != nil {
			l.CloseLogFiles()
			return nil, fmt.Errorf("failed to open access log target %s: %w", accessTarget, err)
		}
		access := zerolog.New(accessOutput).With().Timestamp().Logger()
		l.accessLog = &access
	}

	return l, nil
}

// openTarget resolves "stdout", "stderr" or an absolute file path to a
// writer. File targets rotate through lumberjack.
func (l *Logger) openTarget(target string, rotation *config.ErrorLogConfig) (io.Writer, error) {
	switch target {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if !config.IsFilePath(target) || target == "" {
		return nil, fmt.Errorf("invalid log target: %q", target)
	}
	lj := &lumberjack.Logger{Filename: target}
	if rotation != nil {
		lj.MaxSize = rotation.MaxSizeMB
		lj.MaxBackups = rotation.MaxBackups
	}
	l.mu.Lock()
	l.closers = append(l.closers, lj)
	l.mu.Unlock()
	return lj, nil
}

// NewTestLogger returns a debug-level logger that writes both streams to out.
func NewTestLogger(out io.Writer) *Logger {
	if out == nil {
		out = io.Discard
	}
	zl := zerolog.New(out).Level(zerolog.DebugLevel).With().Timestamp().Logger()
	return FromZerolog(zl)
}

// FromZerolog wraps an existing zerolog logger. Access entries go to the
// same logger.
func FromZerolog(zl zerolog.Logger) *Logger {
	access := zl
	return &Logger{errorLog: zl, accessLog: &access}
}

// New builds a Logger from existing zerolog streams. A nil accessLog
// disables access logging.
func New(errorLog zerolog.Logger, accessLog *zerolog.Logger) *Logger {
	return &Logger{errorLog: errorLog, accessLog: accessLog}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{errorLog: zerolog.Nop()}
}

// With returns a child logger that adds fields to every entry of both
// streams. The child shares open files with its parent.
func (l *Logger) With(fields LogFields) *Logger {
	child := &Logger{errorLog: l.errorLog.With().Fields(map[string]interface{}(fields)).Logger()}
	if l.accessLog != nil {
		access := l.accessLog.With().Fields(map[string]interface{}(fields)).Logger()
		child.accessLog = &access
	}
	return child
}

// Zerolog exposes the underlying error-log stream.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.errorLog
}

// AccessZerolog exposes the access-log stream, or nil when disabled.
func (l *Logger) AccessZerolog() *zerolog.Logger {
	return l.accessLog
}

func (l *Logger) log(ev *zerolog.Event, msg string, fields []LogFields) {
	for _, f := range fields {
		if len(f) > 0 {
			ev = ev.Fields(map[string]interface{}(f))
		}
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...LogFields) {
	l.log(l.errorLog.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...LogFields) {
	l.log(l.errorLog.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...LogFields) {
	l.log(l.errorLog.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...LogFields) {
	l.log(l.errorLog.Error(), msg, fields)
}

// Access writes one access-log entry. It is a no-op when access logging is
// disabled.
func (l *Logger) Access(req *http.Request, sequence uint64, status int, responseBytes int64, duration time.Duration) {
	if l == nil || l.accessLog == nil {
		return
	}

	remoteAddr := req.RemoteAddr
	remotePort := "0"
	if host, port, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		remoteAddr, remotePort = host, port
	}

	ev := l.accessLog.Log().
		Str("remote_addr", remoteAddr).
		Str("remote_port", remotePort).
		Str("protocol", req.Proto).
		Str("method", req.Method).
		Str("uri", req.RequestURI).
		Int("status", status).
		Int64("resp_bytes", responseBytes).
		Int64("duration_ms", duration.Milliseconds()).
		Uint64("sequence", sequence)
	if ua := req.UserAgent(); ua != "" {
		ev = ev.Str("user_agent", ua)
	}
	if ref := req.Referer(); ref != "" {
		ev = ev.Str("referer", ref)
	}
	ev.Send()
}

// CloseLogFiles closes any open log files. Standard streams are left open.
func (l *Logger) CloseLogFiles() error {
	l.mu.Lock()
	closers := l.closers
	l.closers = nil
	l.mu.Unlock()

	var firstErr error
	for _, c := range closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReopenLogFiles forces file targets to reopen, e.g. after external rotation.
func (l *Logger) ReopenLogFiles() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.closers {
		if lj, ok := c.(*lumberjack.Logger); ok {
			if err := lj.Rotate(); err != nil {
				return fmt.Errorf("failed to rotate log file %s: %w", lj.Filename, err)
			}
		}
	}
	return nil
}

func toZerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
