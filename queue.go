package testserver

import (
	"context"
	"sync"
)

// RequestQueue is a FIFO of captured requests. Handlers push; the test
// reads. All methods are safe for concurrent use and only Await blocks.
type RequestQueue struct {
	mu     sync.Mutex
	items  []CapturedRequest
	seq    uint64
	notify chan struct{} // closed and replaced on every push
}

func newRequestQueue() *RequestQueue {
	return &RequestQueue{notify: make(chan struct{})}
}

// push assigns the next sequence number and appends req. Assigning under the
// same lock as the append keeps sequence order equal to queue order.
func (q *RequestQueue) push(req CapturedRequest) CapturedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	req.Sequence = q.seq
	q.items = append(q.items, req)
	close(q.notify)
	q.notify = make(chan struct{})
	return req
}

// IsEmpty reports whether no unclaimed requests remain.
func (q *RequestQueue) IsEmpty() bool {
	return q.Len() == 0
}

// Len returns the number of unclaimed requests.
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Next removes and returns the oldest unclaimed request. It never blocks;
// ok is false when the queue is empty.
func (q *RequestQueue) Next() (req CapturedRequest, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// Peek returns the oldest unclaimed request without removing it.
func (q *RequestQueue) Peek() (CapturedRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return CapturedRequest{}, false
	}
	return q.items[0], true
}

// Drain removes and returns every unclaimed request, oldest first.
func (q *RequestQueue) Drain() []CapturedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Await blocks until a request is available or ctx is done, then removes
// and returns the oldest one.
func (q *RequestQueue) Await(ctx context.Context) (CapturedRequest, error) {
	for {
		q.mu.Lock()
		if req, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return req, nil
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return CapturedRequest{}, ctx.Err()
		}
	}
}

func (q *RequestQueue) popLocked() (CapturedRequest, bool) {
	if len(q.items) == 0 {
		return CapturedRequest{}, false
	}
	req := q.items[0]
	q.items[0] = CapturedRequest{}
	q.items = q.items[1:]
	return req, true
}
