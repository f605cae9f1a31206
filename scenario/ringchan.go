package scenario

import "sync/atomic"

// RingChannel is a bounded channel with overwrite-oldest semantics.
// Producers never block: when the buffer is full the oldest element is
// dropped to make room. Consumers either range over C() like a normal
// channel or use Receive/TryReceive, which also count the Processed
// metric.
type RingChannel[T any] struct {
	ch       chan T
	counters ringCounters
}

// RingMetrics is a point-in-time snapshot of a ring channel's counters.
type RingMetrics struct {
	Written     int64
	Overwritten int64
	Processed   int64
}

type ringCounters struct {
	written     atomic.Int64
	overwritten atomic.Int64
	processed   atomic.Int64
}

// NewRingChannel creates a ring channel holding up to capacity elements.
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("scenario: ring channel capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C exposes the receive side as a plain channel. Reads through C bypass
// the Processed counter.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, dropping the oldest buffered element if the channel
// is full. A consumer draining the channel between the full check and
// the drop can make Send wait for the next element.
func (rc *RingChannel[T]) Send(v T) {
	select {
	case rc.ch <- v:
		rc.counters.written.Add(1)
	default:
		<-rc.ch
		rc.counters.overwritten.Add(1)
		rc.ch <- v
		rc.counters.written.Add(1)
	}
}

// TrySend inserts v only if there is room, reporting whether it did.
func (rc *RingChannel[T]) TrySend(v T) bool {
	select {
	case rc.ch <- v:
		rc.counters.written.Add(1)
		return true
	default:
		return false
	}
}

// ForceSend inserts v immediately, discarding the oldest element if
// needed. Unlike Send it cannot be stalled by a consumer racing the
// drop. Reports whether an element was discarded.
func (rc *RingChannel[T]) ForceSend(v T) bool {
	dropped := false
	select {
	case rc.ch <- v:
		rc.counters.written.Add(1)
	default:
		select {
		case <-rc.ch:
			rc.counters.overwritten.Add(1)
			dropped = true
		default:
		}
		rc.ch <- v
		rc.counters.written.Add(1)
	}
	return dropped
}

// Receive blocks until a value is available or the channel is closed.
func (rc *RingChannel[T]) Receive() (v T, ok bool) {
	v, ok = <-rc.ch
	if ok {
		rc.counters.processed.Add(1)
	}
	return
}

// TryReceive is the non-blocking variant of Receive.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			rc.counters.processed.Add(1)
		}
		return
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the buffer capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the channel. Sends after Close panic.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}

// Metrics returns a snapshot of the channel counters.
func (rc *RingChannel[T]) Metrics() RingMetrics {
	return RingMetrics{
		Written:     rc.counters.written.Load(),
		Overwritten: rc.counters.overwritten.Load(),
		Processed:   rc.counters.processed.Load(),
	}
}
