package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"example.com/testserver"
	"example.com/testserver/internal/config"
	"example.com/testserver/internal/handlers"
	"example.com/testserver/internal/logger"
)

type serveFlags struct {
	configPath string
	address    string
	watch      bool
}

func newServeCmd() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a test server from a configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.configPath, "config", "", "Path to the configuration file (JSON or TOML)")
	cmd.Flags().StringVar(&flags.address, "address", "", "Override server.address from the configuration")
	cmd.Flags().BoolVar(&flags.watch, "watch", false, "Rebuild the handler when the configuration file changes")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

// reloadableHandler forwards to a handler that can be replaced while the
// server is running.
type reloadableHandler struct {
	current atomic.Pointer[handlerBox]
}

type handlerBox struct{ h testserver.Handler }

func newReloadableHandler(h testserver.Handler) *reloadableHandler {
	r := &reloadableHandler{}
	r.Store(h)
	return r
}

func (r *reloadableHandler) Store(h testserver.Handler) {
	r.current.Store(&handlerBox{h: h})
}

func (r *reloadableHandler) Respond(req *http.Request) *testserver.Response {
	return r.current.Load().h.Respond(req)
}

// runServe serves until ctx is cancelled, then stops the server gracefully.
// The first line written to out is "listening url=<url> id=<id>".
func runServe(ctx context.Context, flags serveFlags, out io.Writer) error {
	cfg, err := config.LoadConfig(flags.configPath)
	if err != nil {
		return err
	}
	if flags.address != "" {
		cfg.Server.Address = &flags.address
	}

	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.CloseLogFiles()

	registry := handlers.NewDefaultRegistry()
	h, err := buildHandler(registry, cfg, lg)
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}
	handler := newReloadableHandler(h)

	opts, err := serverOptions(cfg, lg)
	if err != nil {
		return err
	}
	srv, err := testserver.Start(*cfg.Server.Address, handler, opts...)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "listening url=%s id=%s\n", srv.URL(), srv.ID()); err != nil {
		srv.Abort()
		return fmt.Errorf("failed to report listening address: %w", err)
	}

	if flags.watch {
		w, err := newConfigWatcher(flags.configPath, defaultReloadDebounce, func() {
			reloadHandler(flags.configPath, registry, handler, lg)
		}, lg)
		if err != nil {
			srv.Abort()
			return err
		}
		defer w.Close()
		lg.Info("Watching configuration for handler changes", logger.LogFields{"path": flags.configPath})
	}

	logged := make(chan struct{})
	go func() {
		defer close(logged)
		logCaptured(ctx, srv.Requests(), lg)
	}()

	<-ctx.Done()
	lg.Info("Shutdown requested", logger.LogFields{"reason": context.Cause(ctx).Error()})
	stopErr := srv.Stop()
	<-logged
	for _, req := range srv.Requests().Drain() {
		logRequest(req, lg)
	}
	if stopErr != nil {
		return fmt.Errorf("server stopped with error: %w", stopErr)
	}
	return nil
}

// reloadHandler rebuilds the handler from the file at path. Server and
// logging sections take effect only on restart. On failure the running
// handler is kept.
func reloadHandler(path string, registry *handlers.Registry, target *reloadableHandler, lg *logger.Logger) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		lg.Error("Config reload failed, keeping current handler", logger.LogFields{"error": err.Error()})
		return
	}
	h, err := buildHandler(registry, cfg, lg)
	if err != nil {
		lg.Error("Handler rebuild failed, keeping current handler", logger.LogFields{"error": err.Error()})
		return
	}
	target.Store(h)
	lg.Info("Handler reloaded", logger.LogFields{"handler_type": cfg.Handler.HandlerType})
}

// logCaptured logs each captured request until ctx is done.
func logCaptured(ctx context.Context, q *testserver.RequestQueue, lg *logger.Logger) {
	for {
		req, err := q.Await(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				lg.Warn("Stopped waiting for requests", logger.LogFields{"error": err.Error()})
			}
			return
		}
		logRequest(req, lg)
	}
}

func logRequest(req testserver.CapturedRequest, lg *logger.Logger) {
	lg.Info("Captured request", logger.LogFields{
		"sequence":   req.Sequence,
		"method":     req.Method,
		"path":       req.Path,
		"query":      req.Query,
		"headers":    req.Headers,
		"body_bytes": len(req.Body),
		"body":       req.BodyString(),
		"partial":    req.Partial,
	})
}
