package testserver

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// CapturedRequest is an immutable snapshot of one inbound request. It owns
// all of its data and is safe to retain after the exchange has finished.
//
// Header names are lower-cased. A header sent with several values is
// captured as those values joined with ", " in arrival order. Query keys
// keep only their last value.
type CapturedRequest struct {
	Method  string
	Path    string
	Query   map[string]string
	Headers map[string]string
	Body    []byte

	// Sequence starts at 1 and increases by one per captured request.
	Sequence uint64
	// Partial is set when reading the body failed midway; Body then holds
	// the bytes received before the failure.
	Partial bool

	RemoteAddr string
	ReceivedAt time.Time
}

// BodyString returns the body as a string, replacing invalid UTF-8 with the
// Unicode replacement character.
func (c CapturedRequest) BodyString() string {
	return strings.ToValidUTF8(string(c.Body), "\uFFFD")
}

// Header returns the captured value of the named header. The lookup is
// case-insensitive.
func (c CapturedRequest) Header(name string) string {
	return c.Headers[strings.ToLower(name)]
}

// HasHeader reports whether the named header was present.
func (c CapturedRequest) HasHeader(name string) bool {
	_, ok := c.Headers[strings.ToLower(name)]
	return ok
}

// QueryValue returns the captured value of a query parameter.
func (c CapturedRequest) QueryValue(name string) string {
	return c.Query[name]
}

// JSON queries the body with a gjson path, e.g. "user.name" or "items.#".
func (c CapturedRequest) JSON(path string) gjson.Result {
	return gjson.GetBytes(c.Body, path)
}

// BodyJSON decodes the body into v.
func (c CapturedRequest) BodyJSON(v interface{}) error {
	return json.Unmarshal(c.Body, v)
}
