package testserver

import (
	"errors"
	"fmt"
)

// ErrHandshakeLost is returned by Start when the server goroutine exits or
// stalls before reporting the outcome of its bind. The attempt is abandoned;
// callers may retry with a new Start.
var ErrHandshakeLost = errors.New("testserver: server goroutine exited before completing startup handshake")

// BindError reports that the listener could not be bound.
type BindError struct {
	Address string
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("testserver: failed to bind %s: %v", e.Address, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// HandlerPanicError records the first panic raised by a Handler. The client
// that triggered it received a 500; the error is returned from Stop.
type HandlerPanicError struct {
	Value interface{}
	Stack []byte
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("testserver: handler panicked: %v", e.Value)
}

// ServeError reports that the serve goroutine failed for a reason other than
// an orderly shutdown.
type ServeError struct {
	Err error
}

func (e *ServeError) Error() string {
	return fmt.Sprintf("testserver: serve loop failed: %v", e.Err)
}

func (e *ServeError) Unwrap() error { return e.Err }

// InvalidStatusError records a Handler that returned a status code outside
// 100-599, which net/http cannot write. The client received a 500; the
// error is returned from Stop.
type InvalidStatusError struct {
	Status int
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("testserver: handler returned invalid status code %d", e.Status)
}
