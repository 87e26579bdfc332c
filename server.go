package testserver

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"

	"example.com/testserver/internal/logger"
	"example.com/testserver/internal/util"
)

// IDHeader carries the server ID on every response when WithIDHeader is set.
const IDHeader = "X-Testserver-Id"

// State is the lifecycle stage of a Server.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Server is a running test double. It owns the listener, the captured
// requests and the reply script. A Server must be stopped to release its
// port; NewTest arranges that automatically.
type Server struct {
	id      string
	opts    options
	log     *logger.Logger
	handler Handler

	addr       net.Addr
	url        string
	httpServer *http.Server
	pool       pond.Pool

	requests *RequestQueue
	replies  *ReplyScript

	state     atomic.Int32
	serveDone chan struct{}
	serveErr  error // written by the serve goroutine before serveDone closes

	failMu       sync.Mutex
	firstFailure error // *HandlerPanicError or *InvalidStatusError

	stopOnce sync.Once
	stopErr  error
}

// handshake is the single message the serve goroutine sends to Start.
type handshake struct {
	ln  net.Listener
	err error
}

// Start binds bindAddress on a background goroutine and returns once the
// listener is accepting connections. Port 0 selects an ephemeral port; URL
// reports the port actually bound. A nil handler answers with an empty 200.
//
// Start fails with *BindError when the bind fails and with ErrHandshakeLost
// when the goroutine dies or stalls before reporting.
func Start(bindAddress string, h Handler, opts ...Option) (*Server, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if h == nil {
		h = OK()
	}

	id := uuid.NewString()
	lg := logger.New(o.log, o.accessLog).With(logger.LogFields{"server_id": id})

	s := &Server{
		id:        id,
		opts:      o,
		log:       lg,
		handler:   h,
		requests:  newRequestQueue(),
		replies:   newReplyScript(o.replyMode, lg),
		serveDone: make(chan struct{}),
	}
	s.state.Store(int32(StateStarting))
	s.httpServer = &http.Server{
		Handler:           http.HandlerFunc(s.serveHTTP),
		ReadHeaderTimeout: o.readHeaderTimeout,
		ErrorLog:          stdlog.New(lg.Zerolog(), "", 0),
	}
	if o.workers > 0 {
		s.pool = pond.NewPool(o.workers)
	}

	ready := make(chan handshake, 1)
	go s.run(bindAddress, ready)

	timer := time.NewTimer(o.handshakeTimeout)
	defer timer.Stop()

	select {
	case hs, ok := <-ready:
		if !ok {
			s.abandon()
			lg.Error("Server goroutine exited before handshake", logger.LogFields{"address": bindAddress})
			return nil, ErrHandshakeLost
		}
		if hs.err != nil {
			s.abandon()
			return nil, &BindError{Address: bindAddress, Err: hs.err}
		}
		s.addr = hs.ln.Addr()
		s.url = util.HTTPURL(s.addr)
	case <-timer.C:
		// The goroutine may still bind; close whatever it produces so the
		// port is not leaked.
		go func() {
			if hs, ok := <-ready; ok && hs.ln != nil {
				hs.ln.Close()
			}
		}()
		s.abandon()
		lg.Error("Timed out waiting for server handshake", logger.LogFields{
			"address": bindAddress,
			"timeout": o.handshakeTimeout.String(),
		})
		return nil, ErrHandshakeLost
	}

	s.state.Store(int32(StateRunning))
	lg.Info("Test server listening", logger.LogFields{"url": s.url})
	return s, nil
}

// run is the serve goroutine. It sends exactly one handshake message, or
// closes ready if it panics first, then serves until shutdown.
func (s *Server) run(bindAddress string, ready chan<- handshake) {
	defer close(s.serveDone)
	sent := false
	defer func() {
		v := recover()
		if v == nil {
			return
		}
		if !sent {
			close(ready)
			return
		}
		s.serveErr = &ServeError{Err: fmt.Errorf("panic: %v\n%s", v, debug.Stack())}
	}()

	if s.opts.beforeBind != nil {
		s.opts.beforeBind()
	}
	ln, err := util.CreateListener("tcp", bindAddress, s.opts.maxConnections)
	if err != nil {
		sent = true
		ready <- handshake{err: err}
		return
	}
	sent = true
	ready <- handshake{ln: ln}

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.serveErr = &ServeError{Err: err}
	}
}

// abandon releases resources after a failed Start.
func (s *Server) abandon() {
	if s.pool != nil {
		s.pool.StopAndWait()
	}
	s.state.Store(int32(StateStopped))
}

// serveHTTP captures the request, applies the next scripted reply on top of
// the handler's response and writes it.
func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		s.handle(w, r)
		return
	}
	task := s.pool.Submit(func() { s.handle(w, r) })
	if err := task.Wait(); err != nil {
		s.log.Warn("Request not handled, worker pool unavailable", logger.LogFields{"error": err.Error()})
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	captured := s.requests.push(capture(r, s.log))
	directives := s.replies.take()
	s.log.Debug("Captured request", logger.LogFields{
		"sequence":   captured.Sequence,
		"method":     captured.Method,
		"path":       captured.Path,
		"body_bytes": len(captured.Body),
		"directives": len(directives),
	})

	resp, ok := s.respond(r)
	if ok && !validStatus(resp.Status) {
		s.log.Error("Handler returned invalid status code", logger.LogFields{"status": resp.Status})
		s.recordFailure(&InvalidStatusError{Status: resp.Status})
		ok = false
	}
	if !ok {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		s.log.Access(r, captured.Sequence, http.StatusInternalServerError, 0, time.Since(start))
		return
	}
	applyDirectives(resp, directives)

	if s.opts.idHeader {
		w.Header().Set(IDHeader, s.id)
	}
	n, err := resp.write(w)
	if err != nil {
		s.log.Debug("Failed to write response body", logger.LogFields{"error": err.Error(), "sequence": captured.Sequence})
	}
	s.log.Access(r, captured.Sequence, resp.Status, n, time.Since(start))
}

// respond calls the handler, recovering a panic. ok is false when the
// handler panicked.
func (s *Server) respond(r *http.Request) (resp *Response, ok bool) {
	defer func() {
		if v := recover(); v != nil {
			stack := debug.Stack()
			s.log.Error("Handler panicked", logger.LogFields{"panic": fmt.Sprint(v)})
			s.recordFailure(&HandlerPanicError{Value: v, Stack: stack})
			resp, ok = nil, false
		}
	}()
	return s.handler.Respond(r).clone(), true
}

// recordFailure keeps the first handler failure for Stop.
func (s *Server) recordFailure(err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if s.firstFailure == nil {
		s.firstFailure = err
	}
}

// URL returns "http://<ip>:<port>" for the bound address.
func (s *Server) URL() string { return s.url }

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.addr }

// ID returns the unique identifier of this server, also sent in IDHeader.
func (s *Server) ID() string { return s.id }

// State returns the current lifecycle stage.
func (s *Server) State() State { return State(s.state.Load()) }

// Requests returns the queue of captured requests.
func (s *Server) Requests() *RequestQueue { return s.requests }

// Replies returns the reply script, mainly to inspect Pending.
func (s *Server) Replies() *ReplyScript { return s.replies }

// Reply starts scripting a reply. In ReplyPerRequest mode the reply is
// applied to exactly one upcoming request, in the order Reply was called.
// Replies scripted after Stop are accepted and never applied.
func (s *Server) Reply() *ReplyBuilder {
	return &ReplyBuilder{script: s.replies, slot: s.replies.open()}
}

// Stop shuts the server down and waits for the serve goroutine to exit.
// In-flight requests are drained for up to the grace period, after which
// their connections are closed. With WithImmediateShutdown, Stop behaves
// like Abort.
//
// Stop is idempotent: later calls, and calls to Abort, return the result of
// the first. The error reports the first handler failure
// (*HandlerPanicError or *InvalidStatusError) or a serve loop failure
// (*ServeError).
func (s *Server) Stop() error {
	return s.shutdown(!s.opts.immediate)
}

// Abort closes the listener and every connection immediately, then waits for
// the serve goroutine to exit. It shares Stop's idempotence.
func (s *Server) Abort() error {
	return s.shutdown(false)
}

func (s *Server) shutdown(graceful bool) error {
	s.stopOnce.Do(func() {
		s.state.Store(int32(StateStopping))
		if graceful {
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.gracePeriod)
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.log.Warn("Grace period elapsed, closing remaining connections", logger.LogFields{
					"error":        err.Error(),
					"grace_period": s.opts.gracePeriod.String(),
				})
				s.httpServer.Close()
			}
			cancel()
		} else {
			s.httpServer.Close()
		}
		<-s.serveDone
		if s.pool != nil {
			s.pool.StopAndWait()
		}

		s.failMu.Lock()
		handlerErr := s.firstFailure
		s.failMu.Unlock()

		switch {
		case s.serveErr != nil && handlerErr != nil:
			s.stopErr = errors.Join(s.serveErr, handlerErr)
		case s.serveErr != nil:
			s.stopErr = s.serveErr
		default:
			s.stopErr = handlerErr
		}
		s.state.Store(int32(StateStopped))
		s.log.Info("Test server stopped", logger.LogFields{
			"graceful":   graceful,
			"unclaimed":  s.requests.Len(),
			"has_errors": s.stopErr != nil,
		})
	})
	return s.stopErr
}

// NewTest starts a server on an ephemeral loopback port and stops it when tb
// and its subtests finish. Start failures fail the test immediately.
func NewTest(tb testing.TB, h Handler, opts ...Option) *Server {
	tb.Helper()
	return NewTestAt(tb, "127.0.0.1:0", h, opts...)
}

// NewTestAt is NewTest for an explicit bind address.
func NewTestAt(tb testing.TB, bindAddress string, h Handler, opts ...Option) *Server {
	tb.Helper()
	s, err := Start(bindAddress, h, opts...)
	if err != nil {
		tb.Fatalf("testserver: start on %s: %v", bindAddress, err)
	}
	tb.Cleanup(func() {
		if err := s.Stop(); err != nil {
			tb.Errorf("testserver: stop %s: %v", s.URL(), err)
		}
	})
	return s
}
