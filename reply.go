package testserver

import (
	"encoding/json"
	"strconv"
	"sync"

	"golang.org/x/net/http/httpguts"

	"example.com/testserver/internal/logger"
)

// ReplyMode selects how scripted replies are paired with requests.
type ReplyMode int

const (
	// ReplyPerRequest pairs each Reply() with exactly one request, oldest
	// reply first. This is the default.
	ReplyPerRequest ReplyMode = iota
	// ReplyDrainAll lets the next request consume every queued directive
	// regardless of which Reply() produced it. Only safe when requests are
	// issued one at a time.
	ReplyDrainAll
)

func (m ReplyMode) String() string {
	switch m {
	case ReplyPerRequest:
		return "per_request"
	case ReplyDrainAll:
		return "drain_all"
	default:
		return "unknown"
	}
}

// Directive is one scripted instruction applied to an outgoing response.
// The concrete types are SetStatus, SetHeader and SetBody.
type Directive interface {
	apply(resp *Response)
}

// SetStatus overrides the status code.
type SetStatus struct{ Code int }

// SetHeader sets one header. The last value for a name wins.
type SetHeader struct{ Name, Value string }

// SetBody overrides the body.
type SetBody struct{ Bytes []byte }

func (d SetStatus) apply(resp *Response) { resp.Status = d.Code }
func (d SetHeader) apply(resp *Response) { resp.Header.Set(d.Name, d.Value) }
func (d SetBody) apply(resp *Response)   { resp.Body = d.Bytes }

// applyDirectives applies ds to resp in submission order.
func applyDirectives(resp *Response, ds []Directive) {
	for _, d := range ds {
		d.apply(resp)
	}
}

// replySlot collects the directives of one Reply() chain.
type replySlot struct {
	directives []Directive
	finalized  bool
	claimed    bool
}

// ReplyScript queues directives from the test goroutine for consumption by
// request handlers.
type ReplyScript struct {
	mode ReplyMode
	log  *logger.Logger

	mu      sync.Mutex
	slots   []*replySlot // ReplyPerRequest: unclaimed slots, oldest first
	pending []Directive  // ReplyDrainAll: every directive not yet drained
}

func newReplyScript(mode ReplyMode, log *logger.Logger) *ReplyScript {
	return &ReplyScript{mode: mode, log: log}
}

func (s *ReplyScript) open() *replySlot {
	slot := &replySlot{}
	if s.mode == ReplyPerRequest {
		s.mu.Lock()
		s.slots = append(s.slots, slot)
		s.mu.Unlock()
	}
	return slot
}

func (s *ReplyScript) add(slot *replySlot, d Directive, finalize bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case slot.claimed:
		s.log.Warn("Reply already applied to a request, directive dropped", logger.LogFields{"directive": describe(d)})
		return
	case slot.finalized:
		s.log.Warn("Reply already finalized by Body, directive dropped", logger.LogFields{"directive": describe(d)})
		return
	}
	slot.finalized = finalize
	if s.mode == ReplyDrainAll {
		s.pending = append(s.pending, d)
		return
	}
	slot.directives = append(slot.directives, d)
}

// take returns the directives for the request being answered.
func (s *ReplyScript) take() []Directive {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ReplyDrainAll {
		ds := s.pending
		s.pending = nil
		return ds
	}
	if len(s.slots) == 0 {
		return nil
	}
	slot := s.slots[0]
	s.slots[0] = nil
	s.slots = s.slots[1:]
	slot.claimed = true
	return slot.directives
}

// Pending reports how many scripted replies are waiting for a request. In
// ReplyDrainAll mode it counts queued directives instead.
func (s *ReplyScript) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ReplyDrainAll {
		return len(s.pending)
	}
	return len(s.slots)
}

func (s *ReplyScript) drop(reason string, fields logger.LogFields) {
	s.log.Warn(reason+", directive dropped", fields)
}

// ReplyBuilder scripts one reply. Each method appends a directive and
// returns immediately; invalid directives are dropped and logged. Body
// finalizes the chain.
type ReplyBuilder struct {
	script *ReplyScript
	slot   *replySlot
}

// Status sets the status code. Codes outside 100-599 are dropped. A 1xx
// code is written as an informational response, after which net/http sends
// a final 200 with the reply's headers and body.
func (b *ReplyBuilder) Status(code int) *ReplyBuilder {
	if !validStatus(code) {
		b.script.drop("Invalid status code", logger.LogFields{"status": code})
		return b
	}
	b.script.add(b.slot, SetStatus{Code: code}, false)
	return b
}

// Header sets a response header. Names and values that are not valid on
// the wire are dropped.
func (b *ReplyBuilder) Header(name, value string) *ReplyBuilder {
	if !httpguts.ValidHeaderFieldName(name) {
		b.script.drop("Invalid header name", logger.LogFields{"header": name})
		return b
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		b.script.drop("Invalid header value", logger.LogFields{"header": name})
		return b
	}
	b.script.add(b.slot, SetHeader{Name: name, Value: value}, false)
	return b
}

// Body sets the response body and finalizes the reply.
func (b *ReplyBuilder) Body(body []byte) *ReplyBuilder {
	cp := append([]byte{}, body...)
	b.script.add(b.slot, SetBody{Bytes: cp}, true)
	return b
}

// BodyString is Body for a string.
func (b *ReplyBuilder) BodyString(body string) *ReplyBuilder {
	return b.Body([]byte(body))
}

// JSON sets a JSON body with a matching Content-Type and finalizes the
// reply. A value that cannot be marshaled is dropped.
func (b *ReplyBuilder) JSON(v interface{}) *ReplyBuilder {
	data, err := json.Marshal(v)
	if err != nil {
		b.script.drop("JSON body could not be marshaled", logger.LogFields{"error": err.Error()})
		return b
	}
	b.Header("Content-Type", "application/json")
	return b.Body(data)
}

func describe(d Directive) string {
	switch d := d.(type) {
	case SetStatus:
		return "status " + strconv.Itoa(d.Code)
	case SetHeader:
		return "header " + d.Name
	case SetBody:
		return "body"
	default:
		return "unknown"
	}
}
