package main

import (
	"fmt"

	"example.com/testserver"
	"example.com/testserver/internal/config"
	"example.com/testserver/internal/handlers"
	"example.com/testserver/internal/logger"
)

// serverOptions translates a defaulted configuration into server options.
func serverOptions(cfg *config.Config, lg *logger.Logger) ([]testserver.Option, error) {
	// The standalone server tags responses so clients can tell instances apart.
	opts := []testserver.Option{testserver.WithLogger(lg.Zerolog()), testserver.WithIDHeader()}
	if access := lg.AccessZerolog(); access != nil {
		opts = append(opts, testserver.WithAccessLog(*access))
	}

	s := cfg.Server
	if s == nil {
		return opts, nil
	}
	if s.GracefulShutdownTimeout != nil {
		d, err := config.ParseDuration("server.graceful_shutdown_timeout", *s.GracefulShutdownTimeout)
		if err != nil {
			return nil, err
		}
		opts = append(opts, testserver.WithGracePeriod(d))
	}
	if s.HandshakeTimeout != nil {
		d, err := config.ParseDuration("server.handshake_timeout", *s.HandshakeTimeout)
		if err != nil {
			return nil, err
		}
		opts = append(opts, testserver.WithHandshakeTimeout(d))
	}
	if s.ReadHeaderTimeout != nil {
		d, err := config.ParseDuration("server.read_header_timeout", *s.ReadHeaderTimeout)
		if err != nil {
			return nil, err
		}
		opts = append(opts, testserver.WithReadHeaderTimeout(d))
	}

	switch s.ShutdownMode {
	case config.ShutdownImmediate:
		opts = append(opts, testserver.WithImmediateShutdown())
	case "", config.ShutdownGraceful:
	default:
		return nil, fmt.Errorf("unknown shutdown mode %q", s.ShutdownMode)
	}

	switch s.ReplyMode {
	case config.ReplyModeDrainAll:
		opts = append(opts, testserver.WithReplyMode(testserver.ReplyDrainAll))
	case "", config.ReplyModePerRequest:
		opts = append(opts, testserver.WithReplyMode(testserver.ReplyPerRequest))
	default:
		return nil, fmt.Errorf("unknown reply mode %q", s.ReplyMode)
	}

	if s.Workers > 0 {
		opts = append(opts, testserver.WithWorkers(s.Workers))
	}
	if s.MaxConnections > 0 {
		opts = append(opts, testserver.WithMaxConnections(s.MaxConnections))
	}
	return opts, nil
}

// buildHandler creates the configured default handler.
func buildHandler(registry *handlers.Registry, cfg *config.Config, lg *logger.Logger) (testserver.Handler, error) {
	return registry.Create(cfg.Handler.HandlerType, cfg.Handler.HandlerConfig.Bytes(), lg)
}
