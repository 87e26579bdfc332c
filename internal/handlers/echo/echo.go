// Package echo implements the "Echo" handler type, which reflects each
// request back to the client.
package echo

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"unicode/utf8"

	"github.com/tidwall/sjson"

	"example.com/testserver"
	"example.com/testserver/internal/config"
	"example.com/testserver/internal/logger"
)

// HandlerType is the handler_type name this package registers under.
const HandlerType = "Echo"

// Handler echoes requests. In raw mode the response body is the request
// body verbatim; otherwise it is a JSON document describing the request.
type Handler struct {
	status int
	raw    bool
	log    *logger.Logger
}

// New parses handlerConfig as config.EchoHandlerConfig.
func New(handlerConfig json.RawMessage, lg *logger.Logger) (testserver.Handler, error) {
	var cfg config.EchoHandlerConfig
	if len(bytes.TrimSpace(handlerConfig)) > 0 && string(bytes.TrimSpace(handlerConfig)) != "null" {
		dec := json.NewDecoder(bytes.NewReader(handlerConfig))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to parse echo handler config: %w", err)
		}
	}
	status := cfg.Status
	if status == 0 {
		status = http.StatusOK
	}
	if status < 100 || status > 599 {
		return nil, fmt.Errorf("status %d is outside 100-599", cfg.Status)
	}
	return &Handler{status: status, raw: cfg.Raw, log: lg}, nil
}

// Respond echoes r.
func (h *Handler) Respond(r *http.Request) *testserver.Response {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.log.Warn("Echo handler could not read request body", logger.LogFields{"error": err.Error()})
	}

	if h.raw {
		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		return testserver.NewResponse(h.status).
			WithHeader("Content-Type", contentType).
			WithBody(body)
	}

	doc, err := Describe(r, body)
	if err != nil {
		h.log.Error("Echo handler could not build response document", logger.LogFields{"error": err.Error()})
		return testserver.NewResponse(http.StatusInternalServerError)
	}
	return testserver.NewResponse(h.status).
		WithHeader("Content-Type", "application/json; charset=utf-8").
		WithBody(doc)
}

// Describe renders r as JSON with method, path, query, headers and body.
// Query and headers are flattened as in testserver.CapturedRequest.
// Bodies that are not valid UTF-8 are sent as body_base64 instead of body.
func Describe(r *http.Request, body []byte) ([]byte, error) {
	query := testserver.RequestQuery(r)
	headers := testserver.RequestHeaders(r)

	doc := []byte(`{}`)
	var err error
	set := func(path string, value interface{}) {
		if err != nil {
			return
		}
		doc, err = sjson.SetBytes(doc, path, value)
	}
	set("method", r.Method)
	set("path", r.URL.Path)
	set("query", query)
	set("headers", headers)
	set("body_bytes", len(body))
	if utf8.Valid(body) {
		set("body", string(body))
	} else {
		set("body_base64", base64.StdEncoding.EncodeToString(body))
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}
