package testserver

import (
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultGracePeriod bounds a graceful Stop before in-flight connections
	// are closed.
	DefaultGracePeriod = 5 * time.Second
	// DefaultHandshakeTimeout bounds how long Start waits for the server
	// goroutine to report its bind.
	DefaultHandshakeTimeout = 10 * time.Second
)

// Option configures a Server.
type Option func(*options)

type options struct {
	log               zerolog.Logger
	accessLog         *zerolog.Logger
	gracePeriod       time.Duration
	immediate         bool
	handshakeTimeout  time.Duration
	replyMode         ReplyMode
	workers           int
	maxConnections    int
	readHeaderTimeout time.Duration
	idHeader          bool

	// beforeBind is a test seam: it runs on the server goroutine ahead of
	// the bind. No exported Option sets it.
	beforeBind func()
}

func defaultOptions() options {
	return options{
		log:              zerolog.Nop(),
		gracePeriod:      DefaultGracePeriod,
		handshakeTimeout: DefaultHandshakeTimeout,
		replyMode:        ReplyPerRequest,
	}
}

// WithLogger sets the logger for server events and capture warnings. The
// default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithAccessLog writes one entry per answered request to l.
func WithAccessLog(l zerolog.Logger) Option {
	return func(o *options) { o.accessLog = &l }
}

// WithGracePeriod bounds how long Stop waits for in-flight requests.
func WithGracePeriod(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.gracePeriod = d
		}
	}
}

// WithImmediateShutdown makes Stop close in-flight connections instead of
// draining them, as Abort does.
func WithImmediateShutdown() Option {
	return func(o *options) { o.immediate = true }
}

// WithHandshakeTimeout bounds how long Start waits for the listener.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handshakeTimeout = d
		}
	}
}

// WithReplyMode selects how scripted replies are paired with requests.
func WithReplyMode(m ReplyMode) Option {
	return func(o *options) { o.replyMode = m }
}

// WithWorkers runs handlers on a pool of n workers. WithWorkers(1) makes
// handling, and therefore capture, strictly sequential. Zero disables the
// pool.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.workers = n
		}
	}
}

// WithMaxConnections caps concurrently accepted connections. Zero means no
// cap.
func WithMaxConnections(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxConnections = n
		}
	}
}

// WithReadHeaderTimeout bounds how long the server waits for request
// headers.
func WithReadHeaderTimeout(d time.Duration) Option {
	return func(o *options) { o.readHeaderTimeout = d }
}

// WithIDHeader adds IDHeader with the server ID to every response. Without
// it responses carry only what the handler and the reply script set.
func WithIDHeader() Option {
	return func(o *options) { o.idHeader = true }
}
