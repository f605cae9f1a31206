package logtap

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Response frames ride inside ordinary firmware log messages: every line
// of a command reply carries the frame marker, and the last line carries
// the execution status. Unrelated log traffic interleaves freely between
// framed lines.
var (
	responseFrameRegex  = regexp.MustCompile(`\[MOBLY_TEST\]:(?P<message>.*)`)
	responseStatusRegex = regexp.MustCompile(`result: (?P<status>FAIL|SUCCESS), error_code=(?P<code>\d+)`)
)

var (
	respMessageIdx = responseFrameRegex.SubexpIndex("message")
	respStatusIdx  = responseStatusRegex.SubexpIndex("status")
	respCodeIdx    = responseStatusRegex.SubexpIndex("code")
)

// Response is one assembled command reply.
type Response struct {
	// Status is "SUCCESS" or "FAIL" as reported by the device.
	Status string

	// ErrorCode is the numeric execution result, 0 on success.
	ErrorCode int

	// Message is the newline-joined data payload collected before the
	// status line.
	Message string

	// Seq is the fan-out sequence number of the status record, for
	// ordering against other subscribers of the same publisher.
	Seq uint64
}

// OK reports whether the device executed the command without error.
func (r *Response) OK() bool {
	return r.ErrorCode == 0
}

type respState uint8

const (
	respIdle respState = iota
	respAccumulating
	respClosed
)

// ResponseSubscriber reassembles one multi-line framed command reply out
// of the interleaved log stream: zero or more framed data lines followed
// by exactly one framed status line. Framed lines arriving after the
// status are ignored until Clear, which guards against duplicate status
// lines from retried commands.
type ResponseSubscriber struct {
	pub *Publisher

	mu       sync.Mutex
	done     chan struct{}
	state    respState
	pending  []string
	result   *Response
	released bool
}

// Response creates and registers a response subscriber. Release with
// Close, same scoped-acquisition contract as Event.
func (p *Publisher) Response() (*ResponseSubscriber, error) {
	sub := &ResponseSubscriber{
		pub:  p,
		done: make(chan struct{}),
	}
	if err := p.Subscribe(sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *ResponseSubscriber) handle(r *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == respClosed {
		return
	}

	m := responseFrameRegex.FindStringSubmatch(r.Message)
	if m == nil {
		return
	}
	payload := strings.TrimSpace(m[respMessageIdx])

	// A framed line whose payload fails the status grammar is ordinary
	// data, even when it merely resembles a status line. Malformed device
	// payloads containing the marker substring stay tolerated this way.
	if sm := responseStatusRegex.FindStringSubmatch(payload); sm != nil {
		if code, err := strconv.Atoi(sm[respCodeIdx]); err == nil {
			s.result = &Response{
				Status:    sm[respStatusIdx],
				ErrorCode: code,
				Message:   strings.Join(s.pending, "\n"),
				Seq:       r.Seq,
			}
			s.state = respClosed
			close(s.done)
			return
		}
	}
	s.pending = append(s.pending, payload)
	s.state = respAccumulating
}

// Wait blocks until the full response arrived or the timeout elapses and
// reports whether it arrived. A timeout <= 0 waits indefinitely.
func (s *ResponseSubscriber) Wait(timeout time.Duration) bool {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return s.IsSet()
	}
}

// Done exposes the latch for select-based callers.
func (s *ResponseSubscriber) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// IsSet reports whether the status line has been seen.
func (s *ResponseSubscriber) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == respClosed
}

// Result returns the assembled response, nil until the status line
// arrived.
func (s *ResponseSubscriber) Result() *Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Clear discards the accumulated payload and any result and re-arms the
// subscriber for the next response.
func (s *ResponseSubscriber) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = respIdle
	s.pending = nil
	s.result = nil
	select {
	case <-s.done:
		s.done = make(chan struct{})
	default:
	}
}

// Close unsubscribes from the publisher; a second Close reports
// ErrNotSubscribed.
func (s *ResponseSubscriber) Close() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrNotSubscribed
	}
	s.released = true
	s.mu.Unlock()
	return s.pub.Unsubscribe(s)
}
