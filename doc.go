// Package testserver provides a programmable HTTP test double.
//
// Start launches a real HTTP/1.1 server on a background goroutine and returns
// only once the listener is live. Every request the server receives is
// captured into an immutable CapturedRequest and queued for the test to
// inspect, while replies can be scripted ahead of time through Reply.
//
//	srv := testserver.NewTest(t, testserver.OK())
//	srv.Reply().Status(400).Header("x-test", "1").BodyString("nope")
//
//	resp, _ := http.Post(srv.URL(), "text/plain", strings.NewReader("hello"))
//	req, _ := srv.Requests().Next()
//	// req.Method == "POST", req.BodyString() == "hello", resp.StatusCode == 400
//
// Requests are captured in the order their capture completes. Tests that
// depend on strict ordering must issue their requests sequentially.
package testserver
