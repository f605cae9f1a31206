package logtap

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/fwtap/internal/groutine"
)

// Subscriber receives records from a publisher's fan-out loop. handle runs
// synchronously on the reader goroutine for every subscriber in
// registration order, so implementations must be O(1) and non-blocking:
// update internal state, never perform I/O, and never call back into
// Subscribe or Unsubscribe. The method is unexported on purpose; the two
// implementations in this package (event and response subscribers) are the
// closed set of variants.
type Subscriber interface {
	handle(*Record)
}

// Publisher owns a background reader over one live line source, parses
// every line exactly once and fans the resulting record out to all
// registered subscribers before reading the next line. Created once per
// stream session; subscribers come and go across its lifetime.
type Publisher struct {
	parser Parser
	log    *logrus.Logger

	// regMu guards only the registration slice. It is never held while a
	// subscriber handler runs, so handlers and registration cannot
	// deadlock against each other.
	regMu sync.Mutex
	subs  []Subscriber

	runMu   sync.Mutex
	src     Source
	done    chan struct{}
	running atomic.Bool
	seq     atomic.Uint64
}

// NewPublisher creates a publisher for the given line format. A nil logger
// falls back to the logrus standard logger.
func NewPublisher(parser Parser, log *logrus.Logger) *Publisher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Publisher{parser: parser, log: log}
}

// Start begins reading from src in the background. It fails with
// ErrAlreadyStarted while a previous reader is active; an explicit Stop is
// required first.
func (p *Publisher) Start(src Source) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.activeLocked() {
		return ErrAlreadyStarted
	}

	p.src = src
	done := make(chan struct{})
	p.done = done
	p.running.Store(true)

	groutine.Go(nil, "logtap-reader", func(ctx context.Context) {
		defer func() {
			p.running.Store(false)
			close(done)
		}()
		p.run(src)
	})
	p.log.Debug("log publisher started")
	return nil
}

// Stop closes the source and blocks until the reader goroutine has fully
// exited. Calling Stop on an inactive publisher is a no-op.
func (p *Publisher) Stop() error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if !p.activeLocked() {
		return nil
	}
	err := p.src.Close()
	<-p.done
	p.log.Debug("log publisher stopped")
	return err
}

// Active reports whether the source is still alive AND the reader
// goroutine is still running. Either side can fail on its own (a dead
// source is observed by the reader exiting, not the other way around), so
// both are checked.
func (p *Publisher) Active() bool {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	return p.activeLocked()
}

func (p *Publisher) activeLocked() bool {
	return p.src != nil && p.src.Alive() && p.running.Load()
}

// Records returns how many records have been published so far.
func (p *Publisher) Records() uint64 {
	return p.seq.Load()
}

// Subscribe registers a subscriber for fan-out delivery. Registration
// order is delivery order. Safe to call concurrently with delivery.
func (p *Publisher) Subscribe(s Subscriber) error {
	if s == nil {
		return ErrNilSubscriber
	}
	p.regMu.Lock()
	defer p.regMu.Unlock()
	p.subs = append(p.subs, s)
	return nil
}

// Unsubscribe removes a previously registered subscriber. Removing one
// that is not registered returns ErrNotSubscribed, which catches
// use-after-scope-exit bugs.
func (p *Publisher) Unsubscribe(s Subscriber) error {
	p.regMu.Lock()
	defer p.regMu.Unlock()
	for i, cur := range p.subs {
		if cur == s {
			p.subs = append(p.subs[:i], p.subs[i+1:]...)
			return nil
		}
	}
	return ErrNotSubscribed
}

func (p *Publisher) snapshot() []Subscriber {
	p.regMu.Lock()
	defer p.regMu.Unlock()
	out := make([]Subscriber, len(p.subs))
	copy(out, p.subs)
	return out
}

// run is the reader loop. One bad line never ends it; only source
// EOF/close does.
func (p *Publisher) run(src Source) {
	var prev *Record
	for {
		line, err := src.ReadLine()
		if err != nil {
			if err != io.EOF {
				p.log.WithError(err).Error("log reader terminated")
			}
			return
		}
		rec := p.parser.Parse(line, prev)
		if rec == nil {
			continue
		}
		prev = rec
		rec.Seq = p.seq.Add(1)
		for _, s := range p.snapshot() {
			s.handle(rec)
		}
	}
}
