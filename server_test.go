package testserver

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withBeforeBind(fn func()) Option {
	return func(o *options) { o.beforeBind = fn }
}

// syncBuffer is a bytes.Buffer safe for use as a log sink shared with
// server goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testClient() *http.Client {
	return &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
}

type result struct {
	status int
	header http.Header
	body   []byte
}

func send(t *testing.T, method, target string, body []byte, headers map[string]string) result {
	t.Helper()
	req, err := http.NewRequest(method, target, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := testClient().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return result{status: resp.StatusCode, header: resp.Header, body: data}
}

func echoHandler() Handler {
	return HandlerFunc(func(r *http.Request) *Response {
		body, _ := io.ReadAll(r.Body)
		return NewResponse(http.StatusOK).WithBody(body)
	})
}

func TestStart_EphemeralPort(t *testing.T) {
	srv, err := Start("127.0.0.1:0", OK())
	require.NoError(t, err)
	defer srv.Stop()

	u, err := url.Parse(srv.URL())
	require.NoError(t, err)
	assert.Equal(t, "http", u.Scheme)
	assert.Equal(t, "127.0.0.1", u.Hostname())
	assert.NotEqual(t, "0", u.Port())
	assert.Equal(t, srv.Addr().String(), u.Host)

	conn, err := net.DialTimeout("tcp", u.Host, time.Second)
	require.NoError(t, err)
	conn.Close()

	assert.Equal(t, StateRunning, srv.State())
	assert.NotEmpty(t, srv.ID())
}

func TestStart_BindErrorDoesNotHang(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	done := make(chan struct{})
	var startErr error
	go func() {
		defer close(done)
		_, startErr = Start(occupied.Addr().String(), OK())
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return for an address already in use")
	}

	var bindErr *BindError
	require.ErrorAs(t, startErr, &bindErr)
	assert.Equal(t, occupied.Addr().String(), bindErr.Address)
	assert.NotNil(t, errors.Unwrap(startErr))
}

func TestStart_HandshakeLostOnPanic(t *testing.T) {
	_, err := Start("127.0.0.1:0", OK(), withBeforeBind(func() { panic("bind exploded") }))
	assert.ErrorIs(t, err, ErrHandshakeLost)
}

func TestStart_HandshakeTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := Start("127.0.0.1:0", OK(),
		WithHandshakeTimeout(50*time.Millisecond),
		withBeforeBind(func() { <-release }),
	)
	assert.ErrorIs(t, err, ErrHandshakeLost)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSequentialRequestsKeepOrder(t *testing.T) {
	srv := NewTest(t, OK())

	const n = 10
	for i := 0; i < n; i++ {
		send(t, "GET", fmt.Sprintf("%s/r/%d", srv.URL(), i), nil, nil)
	}

	var last uint64
	for i := 0; i < n; i++ {
		req, ok := srv.Requests().Next()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("/r/%d", i), req.Path)
		assert.Greater(t, req.Sequence, last)
		last = req.Sequence
	}
	_, ok := srv.Requests().Next()
	assert.False(t, ok)
}

func TestBodyRoundTrip(t *testing.T) {
	srv := NewTest(t, echoHandler())

	large := make([]byte, 1<<20)
	_, err := rand.Read(large)
	require.NoError(t, err)

	bodies := [][]byte{
		{},
		[]byte("hello world"),
		{0x00, 0xff, 0xfe, '\n', 0x80},
		large,
	}
	for i, body := range bodies {
		t.Run(fmt.Sprintf("body_%d", i), func(t *testing.T) {
			res := send(t, "POST", srv.URL(), body, nil)
			assert.Equal(t, http.StatusOK, res.status)
			assert.True(t, bytes.Equal(body, res.body), "echoed body differs")

			req, ok := srv.Requests().Next()
			require.True(t, ok)
			assert.True(t, bytes.Equal(body, req.Body), "captured body differs")
			assert.False(t, req.Partial)
		})
	}
}

func TestQueueAccounting(t *testing.T) {
	srv := NewTest(t, OK())
	q := srv.Requests()
	assert.True(t, q.IsEmpty())

	const k = 4
	for i := 0; i < k; i++ {
		send(t, "GET", srv.URL(), nil, nil)
	}
	require.Equal(t, k, q.Len())
	for remaining := k - 1; remaining >= 0; remaining-- {
		_, ok := q.Next()
		require.True(t, ok)
		assert.Equal(t, remaining, q.Len())
	}
	_, ok := q.Next()
	assert.False(t, ok)
	assert.True(t, q.IsEmpty())
}

func TestQueryParsing(t *testing.T) {
	srv := NewTest(t, OK())

	send(t, "GET", srv.URL()+"/?a=1&b=two", nil, nil)
	send(t, "GET", srv.URL(), nil, nil)

	first, ok := srv.Requests().Next()
	require.True(t, ok)
	assert.Equal(t, map[string]string{"a": "1", "b": "two"}, first.Query)

	second, ok := srv.Requests().Next()
	require.True(t, ok)
	assert.Equal(t, "/", second.Path)
	assert.Empty(t, second.Query)
}

func TestReplyScripting(t *testing.T) {
	srv := NewTest(t, OK())
	srv.Reply().Status(400).Header("x-test", "1").BodyString("nope")

	res := send(t, "GET", srv.URL(), nil, nil)
	assert.Equal(t, 400, res.status)
	assert.Equal(t, "1", res.header.Get("x-test"))
	assert.Equal(t, "nope", string(res.body))
	_, hasID := res.header[IDHeader]
	assert.False(t, hasID, "responses carry only scripted and handler headers by default")
}

func TestWithIDHeader(t *testing.T) {
	srv := NewTest(t, OK(), WithIDHeader())
	srv.Reply().Header("x-test", "1")

	res := send(t, "GET", srv.URL(), nil, nil)
	assert.Equal(t, "1", res.header.Get("x-test"))
	assert.Equal(t, srv.ID(), res.header.Get(IDHeader))
}

func TestInvalidHandlerStatusSurfacesFromStop(t *testing.T) {
	srv, err := Start("127.0.0.1:0", StatusHandler(1000))
	require.NoError(t, err)

	res := send(t, "GET", srv.URL(), nil, nil)
	assert.Equal(t, http.StatusInternalServerError, res.status)
	assert.Equal(t, 1, srv.Requests().Len())

	err = srv.Stop()
	var statusErr *InvalidStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 1000, statusErr.Status)
}

func TestInformationalReplyStatus(t *testing.T) {
	srv := NewTest(t, OK())
	srv.Reply().Status(http.StatusEarlyHints).Header("Link", "</style.css>; rel=preload").BodyString("final")

	var mu sync.Mutex
	var informational []int
	trace := &httptrace.ClientTrace{
		Got1xxResponse: func(code int, _ textproto.MIMEHeader) error {
			mu.Lock()
			defer mu.Unlock()
			informational = append(informational, code)
			return nil
		},
	}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(context.Background(), trace), "GET", srv.URL(), nil)
	require.NoError(t, err)
	resp, err := testClient().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "final", string(body))
	mu.Lock()
	assert.Equal(t, []int{http.StatusEarlyHints}, informational)
	mu.Unlock()
}

func TestCaptureChunkedRequest(t *testing.T) {
	srv := NewTest(t, echoHandler())

	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte("abc"))
		pw.Close()
	}()
	req, err := http.NewRequest("POST", srv.URL()+"/chunked", pr)
	require.NoError(t, err)
	resp, err := testClient().Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "abc", string(body))

	captured, ok := srv.Requests().Next()
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), captured.Body)
	assert.Equal(t, "chunked", captured.Header("transfer-encoding"))
}

func TestReplyPerRequestFIFO(t *testing.T) {
	srv := NewTest(t, StatusHandler(http.StatusOK))
	srv.Reply().Status(201).BodyString("first")
	srv.Reply().Status(202).BodyString("second")
	assert.Equal(t, 2, srv.Replies().Pending())

	r1 := send(t, "GET", srv.URL(), nil, nil)
	r2 := send(t, "GET", srv.URL(), nil, nil)
	r3 := send(t, "GET", srv.URL(), nil, nil)

	assert.Equal(t, 201, r1.status)
	assert.Equal(t, "first", string(r1.body))
	assert.Equal(t, 202, r2.status)
	assert.Equal(t, "second", string(r2.body))
	assert.Equal(t, 200, r3.status)
	assert.Empty(t, r3.body)
}

func TestReplyDirectiveAfterUseIsIgnored(t *testing.T) {
	srv := NewTest(t, OK())
	b := srv.Reply().Status(418)

	assert.Equal(t, 418, send(t, "GET", srv.URL(), nil, nil).status)
	b.Header("x-late", "1")

	res := send(t, "GET", srv.URL(), nil, nil)
	assert.Equal(t, 200, res.status)
	assert.Empty(t, res.header.Get("x-late"))
}

func TestReplyDrainAllMode(t *testing.T) {
	srv := NewTest(t, OK(), WithReplyMode(ReplyDrainAll))
	srv.Reply().Status(201)
	srv.Reply().Header("x-a", "1")

	res := send(t, "GET", srv.URL(), nil, nil)
	assert.Equal(t, 201, res.status)
	assert.Equal(t, "1", res.header.Get("x-a"))

	res = send(t, "GET", srv.URL(), nil, nil)
	assert.Equal(t, 200, res.status)
	assert.Empty(t, res.header.Get("x-a"))
}

func TestReplyOverridesHandlerDefault(t *testing.T) {
	shared := NewResponse(http.StatusAccepted).
		WithHeader("X-Default", "kept").
		WithHeader("X-Override", "handler").
		WithBody([]byte("default"))
	h := HandlerFunc(func(*http.Request) *Response { return shared })
	srv := NewTest(t, h)
	srv.Reply().Header("x-override", "script")

	res := send(t, "GET", srv.URL(), nil, nil)
	assert.Equal(t, http.StatusAccepted, res.status)
	assert.Equal(t, "kept", res.header.Get("x-default"))
	assert.Equal(t, "script", res.header.Get("x-override"))
	assert.Equal(t, "default", string(res.body))

	// The handler's shared response is not mutated by directives.
	res = send(t, "GET", srv.URL(), nil, nil)
	assert.Equal(t, "handler", res.header.Get("x-override"))
}

func TestNilHandlerAndNilResponse(t *testing.T) {
	srv := NewTest(t, nil)
	assert.Equal(t, 200, send(t, "GET", srv.URL(), nil, nil).status)

	srv2 := NewTest(t, HandlerFunc(func(*http.Request) *Response { return nil }))
	assert.Equal(t, 200, send(t, "GET", srv2.URL(), nil, nil).status)
}

func TestScenario(t *testing.T) {
	srv := NewTest(t, OK())

	send(t, "POST", srv.URL(), []byte("hello world"), map[string]string{"x-test": "1"})

	req, ok := srv.Requests().Peek()
	require.True(t, ok)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/", req.Path)
	assert.Equal(t, "hello world", req.BodyString())
	assert.Equal(t, "1", req.Headers["x-test"])

	send(t, "POST", srv.URL(), []byte("2"), nil)
	assert.Equal(t, 2, srv.Requests().Len())

	first, _ := srv.Requests().Next()
	second, _ := srv.Requests().Next()
	assert.Equal(t, "hello world", string(first.Body))
	assert.Equal(t, "2", string(second.Body))
}

func TestConcurrentRequestsAllCaptured(t *testing.T) {
	srv := NewTest(t, OK())

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := testClient().Get(fmt.Sprintf("%s/c/%d", srv.URL(), i))
			if err == nil {
				resp.Body.Close()
			}
		}(i)
	}
	wg.Wait()

	all := srv.Requests().Drain()
	require.Len(t, all, n)
	seen := make(map[string]bool)
	for i, req := range all {
		assert.Equal(t, uint64(i+1), req.Sequence)
		seen[req.Path] = true
	}
	assert.Len(t, seen, n)
}

func TestConcurrentRepliesArePairedOnce(t *testing.T) {
	srv := NewTest(t, OK())

	const n = 10
	for i := 0; i < n; i++ {
		srv.Reply().Status(200 + i)
	}

	codes := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := testClient().Get(srv.URL())
			if err != nil {
				codes <- -1
				return
			}
			resp.Body.Close()
			codes <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(codes)

	got := make(map[int]int)
	for c := range codes {
		got[c]++
	}
	for i := 0; i < n; i++ {
		assert.Equal(t, 1, got[200+i], "status %d should be served exactly once", 200+i)
	}
}

func TestAwait(t *testing.T) {
	srv := NewTest(t, OK())
	go func() {
		time.Sleep(20 * time.Millisecond)
		resp, err := testClient().Get(srv.URL() + "/awaited")
		if err == nil {
			resp.Body.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := srv.Requests().Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/awaited", req.Path)
}

func TestStopIsIdempotent(t *testing.T) {
	srv, err := Start("127.0.0.1:0", OK())
	require.NoError(t, err)

	require.NoError(t, srv.Stop())
	assert.Equal(t, StateStopped, srv.State())
	assert.NoError(t, srv.Stop())
	assert.NoError(t, srv.Abort())

	_, err = testClient().Get(srv.URL())
	assert.Error(t, err, "a stopped server must not accept connections")
}

func TestRestartOnSamePort(t *testing.T) {
	first, err := Start("127.0.0.1:0", OK())
	require.NoError(t, err)
	addr := first.Addr().String()
	send(t, "GET", first.URL(), nil, nil)
	require.NoError(t, first.Stop())

	second, err := Start(addr, OK())
	require.NoError(t, err)
	defer second.Stop()

	assert.Equal(t, first.URL(), second.URL())
	send(t, "POST", second.URL(), []byte("again"), nil)
	req, ok := second.Requests().Next()
	require.True(t, ok)
	assert.Equal(t, "again", req.BodyString())
	assert.Equal(t, uint64(1), req.Sequence, "a new server has its own queue")
}

func TestHandlerPanicSurfacesFromStop(t *testing.T) {
	h := HandlerFunc(func(r *http.Request) *Response {
		if r.URL.Path == "/boom" {
			panic("boom")
		}
		return NewResponse(http.StatusOK)
	})
	srv, err := Start("127.0.0.1:0", h)
	require.NoError(t, err)

	assert.Equal(t, http.StatusInternalServerError, send(t, "GET", srv.URL()+"/boom", nil, nil).status)
	assert.Equal(t, http.StatusOK, send(t, "GET", srv.URL()+"/fine", nil, nil).status)
	assert.Equal(t, 2, srv.Requests().Len(), "the panicking request is still captured")

	err = srv.Stop()
	var panicErr *HandlerPanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "boom", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)
	assert.Same(t, err, srv.Stop())
}

func TestGracefulStopDrainsInFlight(t *testing.T) {
	entered := make(chan struct{})
	h := HandlerFunc(func(*http.Request) *Response {
		close(entered)
		time.Sleep(100 * time.Millisecond)
		return NewResponse(http.StatusOK).WithBody([]byte("finished"))
	})
	srv, err := Start("127.0.0.1:0", h)
	require.NoError(t, err)

	type outcome struct {
		body string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := testClient().Get(srv.URL())
		if err != nil {
			done <- outcome{err: err}
			return
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		done <- outcome{body: string(b), err: err}
	}()

	<-entered
	require.NoError(t, srv.Stop())
	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, "finished", out.body)
}

func TestGracePeriodFallsBackToClose(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	h := HandlerFunc(func(*http.Request) *Response {
		close(entered)
		<-release
		return NewResponse(http.StatusOK)
	})
	srv, err := Start("127.0.0.1:0", h, WithGracePeriod(50*time.Millisecond))
	require.NoError(t, err)

	go func() {
		resp, err := testClient().Get(srv.URL())
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-entered

	start := time.Now()
	assert.NoError(t, srv.Stop())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateStopped, srv.State())
}

func TestAbortClosesInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	h := HandlerFunc(func(*http.Request) *Response {
		close(entered)
		<-release
		return NewResponse(http.StatusOK)
	})
	srv, err := Start("127.0.0.1:0", h)
	require.NoError(t, err)

	clientErr := make(chan error, 1)
	go func() {
		resp, err := testClient().Get(srv.URL())
		if err == nil {
			resp.Body.Close()
		}
		clientErr <- err
	}()
	<-entered

	start := time.Now()
	assert.NoError(t, srv.Abort())
	assert.Less(t, time.Since(start), time.Second)
	assert.Error(t, <-clientErr)
}

func TestImmediateShutdownOption(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	h := HandlerFunc(func(*http.Request) *Response {
		close(entered)
		<-release
		return NewResponse(http.StatusOK)
	})
	srv, err := Start("127.0.0.1:0", h, WithImmediateShutdown(), WithGracePeriod(time.Minute))
	require.NoError(t, err)

	go func() {
		resp, err := testClient().Get(srv.URL())
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-entered

	start := time.Now()
	assert.NoError(t, srv.Stop())
	assert.Less(t, time.Since(start), time.Second)
}

func TestWorkersSerializeHandling(t *testing.T) {
	var active, maxActive int32
	h := HandlerFunc(func(*http.Request) *Response {
		cur := atomic.AddInt32(&active, 1)
		for {
			prev := atomic.LoadInt32(&maxActive)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxActive, prev, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return NewResponse(http.StatusOK)
	})
	srv := NewTest(t, h, WithWorkers(1))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := testClient().Get(srv.URL())
			if err == nil {
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
	assert.Equal(t, 5, srv.Requests().Len())
}

func TestMaxConnections(t *testing.T) {
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	h := HandlerFunc(func(*http.Request) *Response {
		entered <- struct{}{}
		<-release
		return NewResponse(http.StatusOK)
	})
	srv := NewTest(t, h, WithMaxConnections(1))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := testClient().Get(srv.URL())
			if err == nil {
				resp.Body.Close()
			}
		}()
	}

	<-entered
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, srv.Requests().Len(), "second connection must wait for a free slot")

	close(release)
	wg.Wait()
	assert.Equal(t, 2, srv.Requests().Len())
}

func TestNewTestStopsOnCleanup(t *testing.T) {
	var srv *Server
	t.Run("inner", func(t *testing.T) {
		srv = NewTest(t, OK())
		send(t, "GET", srv.URL(), nil, nil)
	})
	require.NotNil(t, srv)
	assert.Equal(t, StateStopped, srv.State())
}

func TestReplyAfterStopIsAccepted(t *testing.T) {
	srv, err := Start("127.0.0.1:0", OK())
	require.NoError(t, err)
	require.NoError(t, srv.Stop())

	assert.NotPanics(t, func() { srv.Reply().Status(500).BodyString("never") })
	assert.Equal(t, 1, srv.Replies().Pending())
}

func TestLoggingOptions(t *testing.T) {
	var events, access syncBuffer
	srv, err := Start("127.0.0.1:0", OK(),
		WithLogger(zerolog.New(&events).Level(zerolog.DebugLevel)),
		WithAccessLog(zerolog.New(&access)),
	)
	require.NoError(t, err)

	srv.Reply().Status(42)
	send(t, "GET", srv.URL()+"/logged", nil, map[string]string{"User-Agent": "logging-test"})
	require.NoError(t, srv.Stop())

	ev := events.String()
	assert.Contains(t, ev, "Test server listening")
	assert.Contains(t, ev, "Invalid status code")
	assert.Contains(t, ev, "Captured request")
	assert.Contains(t, ev, srv.ID())

	ac := access.String()
	assert.Contains(t, ac, `"uri":"/logged"`)
	assert.Contains(t, ac, `"user_agent":"logging-test"`)
	assert.Contains(t, ac, `"sequence":1`)
	assert.Equal(t, 1, strings.Count(ac, "\n"))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "State(7)", State(7).String())
}
