// Package static implements the "Static" handler type: every request gets
// the same configured status, headers and body.
package static

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/net/http/httpguts"

	"example.com/testserver"
	"example.com/testserver/internal/config"
	"example.com/testserver/internal/logger"
)

// HandlerType is the handler_type name this package registers under.
const HandlerType = "Static"

// Handler answers every request with a fixed response.
type Handler struct {
	status int
	header http.Header
	body   []byte
}

// New parses handlerConfig as config.StaticHandlerConfig and builds the
// handler. An empty config yields an empty 200. BodyFile is read once here.
func New(handlerConfig json.RawMessage, lg *logger.Logger) (testserver.Handler, error) {
	var cfg config.StaticHandlerConfig
	if len(bytes.TrimSpace(handlerConfig)) > 0 && string(bytes.TrimSpace(handlerConfig)) != "null" {
		dec := json.NewDecoder(bytes.NewReader(handlerConfig))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to parse static handler config: %w", err)
		}
	}

	h := &Handler{status: cfg.Status, header: make(http.Header)}
	if h.status == 0 {
		h.status = http.StatusOK
	}
	if h.status < 100 || h.status > 599 {
		return nil, fmt.Errorf("status %d is outside 100-599", cfg.Status)
	}

	for name, value := range cfg.Headers {
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			return nil, fmt.Errorf("invalid header %q", name)
		}
		h.header.Set(name, value)
	}

	switch {
	case cfg.Body != "" && cfg.BodyFile != "":
		return nil, fmt.Errorf("body and body_file are mutually exclusive")
	case cfg.BodyFile != "":
		if !filepath.IsAbs(cfg.BodyFile) {
			return nil, fmt.Errorf("body_file must be an absolute path, got %q", cfg.BodyFile)
		}
		custom, err := normalizeMimeTypes(cfg.MimeTypes)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(cfg.BodyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read body_file: %w", err)
		}
		h.body = data
		if h.header.Get("Content-Type") == "" {
			h.header.Set("Content-Type", ResolveMimeType(cfg.BodyFile, custom))
		}
	default:
		h.body = []byte(cfg.Body)
	}

	lg.Debug("Static handler created", logger.LogFields{
		"status":     h.status,
		"body_bytes": len(h.body),
		"body_file":  cfg.BodyFile,
	})
	return h, nil
}

// Respond returns the configured response.
func (h *Handler) Respond(*http.Request) *testserver.Response {
	return &testserver.Response{Status: h.status, Header: h.header.Clone(), Body: h.body}
}
