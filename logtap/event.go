package logtap

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/mcuadros/go-defaults"
)

// EventOptions selects which records trigger an event subscriber. Zero
// fields take their defaults, so EventOptions{} matches every record.
type EventOptions struct {
	// Pattern is a regular expression matched at the start of the record
	// message (not anchored at the end).
	Pattern string `default:".*"`

	// Tag is a case-sensitive glob over the record tag, `*` and `?`
	// wildcards.
	Tag string `default:"*"`

	// Level is the minimum severity as a one-character string; "*" accepts
	// every level.
	Level string `default:"*"`
}

// EventSubscriber is a single-shot latch. It arms on creation, triggers on
// the first record that passes its filter and stays triggered until
// Clear. The zero of everything here is owned by Publisher.Event.
type EventSubscriber struct {
	pub     *Publisher
	pattern *regexp.Regexp
	tag     glob.Glob
	min     Level

	mu       sync.Mutex
	done     chan struct{}
	trigger  *Record
	match    []string
	released bool
}

// Event creates and registers an event subscriber. Release it with Close,
// typically deferred right after this call:
//
//	sub, err := pub.Event(logtap.EventOptions{Pattern: `pairing complete`})
//	if err != nil { ... }
//	defer sub.Close()
//	if !sub.Wait(10 * time.Second) { ... }
func (p *Publisher) Event(opts EventOptions) (*EventSubscriber, error) {
	defaults.SetDefaults(&opts)

	// Wrap the pattern so matching starts at the beginning of the message,
	// preserving the caller's capture group indices.
	pattern, err := regexp.Compile("^(?:" + opts.Pattern + ")")
	if err != nil {
		return nil, fmt.Errorf("invalid event pattern %q: %w", opts.Pattern, err)
	}
	tag, err := glob.Compile(opts.Tag)
	if err != nil {
		return nil, fmt.Errorf("invalid tag glob %q: %w", opts.Tag, err)
	}
	min, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	sub := &EventSubscriber{
		pub:     p,
		pattern: pattern,
		tag:     tag,
		min:     min,
		done:    make(chan struct{}),
	}
	if err := p.Subscribe(sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// handle runs on the publisher's reader goroutine. Evaluation order, short
// circuiting: already triggered, tag glob, minimum level, message pattern.
func (s *EventSubscriber) handle(r *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trigger != nil {
		return
	}
	if !s.tag.Match(r.Tag) {
		return
	}
	if !r.Level.AtLeast(s.min) {
		return
	}
	m := s.pattern.FindStringSubmatch(r.Message)
	if m == nil {
		return
	}
	s.trigger = r
	s.match = m
	close(s.done)
}

// Wait blocks until the subscriber triggers or the timeout elapses and
// reports whether it is triggered. A timeout <= 0 waits indefinitely.
func (s *EventSubscriber) Wait(timeout time.Duration) bool {
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

// Done exposes the latch for select-based callers. The channel is closed
// when the subscriber triggers and replaced by Clear.
func (s *EventSubscriber) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// IsSet reports whether the subscriber has triggered.
func (s *EventSubscriber) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trigger != nil
}

// Clear re-arms the subscriber, discarding the captured trigger and match.
func (s *EventSubscriber) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trigger = nil
	s.match = nil
	select {
	case <-s.done:
		s.done = make(chan struct{})
	default:
	}
}

// Trigger returns the record that triggered the subscriber, nil while
// armed.
func (s *EventSubscriber) Trigger() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trigger
}

// Match returns the regex submatches of the triggering message (index 0 is
// the whole match), nil while armed.
func (s *EventSubscriber) Match() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.match
}

// Close unsubscribes from the publisher. It must run exactly once per
// subscriber; a second Close reports ErrNotSubscribed.
func (s *EventSubscriber) Close() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrNotSubscribed
	}
	s.released = true
	s.mu.Unlock()
	return s.pub.Unsubscribe(s)
}
