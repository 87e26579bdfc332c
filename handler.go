package testserver

import (
	"net/http"
)

// Handler produces the default response for a request. Scripted replies are
// applied on top of the returned Response.
//
// The request body has already been captured; reading r.Body yields the
// captured bytes. Respond may be called concurrently.
type Handler interface {
	Respond(r *http.Request) *Response
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(r *http.Request) *Response

// Respond calls f(r).
func (f HandlerFunc) Respond(r *http.Request) *Response {
	return f(r)
}

// OK returns a Handler that answers every request with an empty 200.
func OK() Handler {
	return StatusHandler(http.StatusOK)
}

// StatusHandler returns a Handler that answers every request with an empty
// response carrying code.
func StatusHandler(code int) Handler {
	return HandlerFunc(func(*http.Request) *Response {
		return NewResponse(code)
	})
}

// Response is the value a Handler returns. A zero Status means 200.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// NewResponse returns an empty response with the given status.
func NewResponse(status int) *Response {
	return &Response{Status: status, Header: make(http.Header)}
}

// WithHeader sets a header, replacing any earlier value, and returns r.
func (r *Response) WithHeader(name, value string) *Response {
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	r.Header.Set(name, value)
	return r
}

// WithBody sets the body and returns r.
func (r *Response) WithBody(body []byte) *Response {
	r.Body = body
	return r
}

// clone copies r so directives can be applied without touching a Response
// the handler may share between requests.
func (r *Response) clone() *Response {
	if r == nil {
		return NewResponse(http.StatusOK)
	}
	out := &Response{Status: r.Status, Header: r.Header.Clone(), Body: r.Body}
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	if out.Status == 0 {
		out.Status = http.StatusOK
	}
	return out
}

// validStatus reports whether net/http can write code as a response status.
func validStatus(code int) bool {
	return code >= 100 && code <= 599
}

// write sends r and returns the number of body bytes written.
func (r *Response) write(w http.ResponseWriter) (int64, error) {
	dst := w.Header()
	for name, values := range r.Header {
		dst[name] = append([]string(nil), values...)
	}
	w.WriteHeader(r.Status)
	n, err := w.Write(r.Body)
	return int64(n), err
}
