package scenario

import (
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// Collector lifecycle states.
const (
	collectorIdle uint32 = iota
	collectorRunning
	collectorStopping
)

// maxCollectorBuffer caps the ring size against accidental
// misconfiguration.
const maxCollectorBuffer uint32 = 1024 * 1024

// CollectorMetrics is a snapshot of a collector's counters.
type CollectorMetrics struct {
	// Processed counts records moved from the channel into the ring.
	Processed int64
	// Overwritten counts records dropped because the ring was full.
	Overwritten int64
	// Errors counts enqueue failures.
	Errors int64
}

// Collector drains an output channel into a fixed-size overwrite-oldest
// ring so that a script producing output faster than anyone reads it
// never blocks. Buffered records survive until drained or overwritten;
// a stopped collector can be started again.
//
// All methods are safe for concurrent use.
type Collector struct {
	source  <-chan OutputRecord
	buffer  mpmc.RichOverlappedRingBuffer[OutputRecord]
	onError func(error)

	state atomic.Uint32
	stop  chan struct{}
	done  chan struct{}

	processed   atomic.Int64
	overwritten atomic.Int64
	errors      atomic.Int64
}

// NewCollector creates a collector reading from source into a ring of
// the given size. onError is called on enqueue failures; nil means
// panic, which no healthy ring ever triggers.
func NewCollector(source <-chan OutputRecord, size uint32, onError func(error)) (*Collector, error) {
	if source == nil {
		return nil, fmt.Errorf("output source cannot be nil")
	}
	if size == 0 {
		return nil, fmt.Errorf("buffer size must be > 0")
	}
	if size > maxCollectorBuffer {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", size, maxCollectorBuffer)
	}
	if onError == nil {
		onError = func(err error) {
			panic(fmt.Sprintf("scenario collector: %v", err))
		}
	}
	return &Collector{
		source:  source,
		buffer:  mpmc.NewOverlappedRingBuffer[OutputRecord](size),
		onError: onError,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start launches the collecting goroutine and waits until it is
// running. Fails when the collector is already running or still
// stopping.
func (c *Collector) Start() error {
	if !c.state.CompareAndSwap(collectorIdle, collectorRunning) {
		switch c.state.Load() {
		case collectorRunning:
			return fmt.Errorf("collector is already running")
		case collectorStopping:
			return fmt.Errorf("collector is stopping, wait for it to finish")
		default:
			return fmt.Errorf("collector is in unknown state %d", c.state.Load())
		}
	}

	// Fresh channels per cycle; the previous ones were closed on stop.
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	// Buffered so the goroutine never blocks on the handshake even if
	// the startup timeout fires first.
	started := make(chan struct{}, 1)

	go func() {
		started <- struct{}{}
		defer func() {
			close(c.done)
			c.state.Store(collectorIdle)
		}()
		for {
			select {
			case <-c.stop:
				c.flush()
				return
			case rec, ok := <-c.source:
				if !ok {
					return
				}
				if !c.ingest(rec) {
					return
				}
			}
		}
	}()

	select {
	case <-started:
		return nil
	case <-time.After(1 * time.Second):
		close(c.stop)
		<-c.done
		return fmt.Errorf("collector failed to start within 1s")
	}
}

// ingest moves one record into the ring, keeping the counters.
// Reports false when the ring rejected the record.
func (c *Collector) ingest(rec OutputRecord) bool {
	overwrites, err := c.buffer.EnqueueM(rec)
	if err != nil {
		c.errors.Add(1)
		c.onError(fmt.Errorf("unexpected ring enqueue error: %w", err))
		return false
	}
	c.overwritten.Add(int64(overwrites))
	c.processed.Add(1)
	return true
}

// flush empties records already buffered in the source channel into the
// ring, so a Stop right after the producer finishes loses nothing.
func (c *Collector) flush() {
	for {
		select {
		case rec, ok := <-c.source:
			if !ok || !c.ingest(rec) {
				return
			}
		default:
			return
		}
	}
}

// Stop halts collection and waits for the goroutine to exit. Records
// already buffered stay available for draining. Stopping an idle
// collector is a no-op.
func (c *Collector) Stop() error {
	if c.state.CompareAndSwap(collectorRunning, collectorStopping) {
		close(c.stop)
	} else {
		switch c.state.Load() {
		case collectorIdle:
			return nil
		case collectorStopping:
			// Another Stop is in flight; fall through and wait with it.
		default:
			return fmt.Errorf("collector is in unknown state %d", c.state.Load())
		}
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		<-c.done
		return fmt.Errorf("stop exceeded 5s (slow consumer shutdown)")
	}
}

// Running reports whether the collecting goroutine is active.
func (c *Collector) Running() bool {
	return c.state.Load() == collectorRunning
}

// Metrics returns a snapshot of the counters.
func (c *Collector) Metrics() CollectorMetrics {
	return CollectorMetrics{
		Processed:   c.processed.Load(),
		Overwritten: c.overwritten.Load(),
		Errors:      c.errors.Load(),
	}
}

// ResetMetrics zeroes the counters.
func (c *Collector) ResetMetrics() {
	c.processed.Store(0)
	c.overwritten.Store(0)
	c.errors.Store(0)
}

// ConsumerFunc consumes drained records.
//
// While records remain the function is called with a non-nil record;
// returning a non-zero result stops the drain early with that result.
// After the last record it is called once with nil and must return the
// final accumulated result.
type ConsumerFunc[T any] func(record *OutputRecord) (T, error)

// Drain empties the ring through consumer. See ConsumerFunc for the
// protocol.
func Drain[T any](c *Collector, consumer ConsumerFunc[T]) (T, error) {
	for !c.buffer.IsEmpty() {
		rec, err := c.buffer.Dequeue()
		if err != nil {
			var zero T
			return zero, fmt.Errorf("ring dequeue error: %w", err)
		}
		result, err := consumer(&rec)
		if err != nil {
			return result, err
		}
		if !isZero(result) {
			return result, nil
		}
	}
	return consumer(nil)
}

func isZero[T any](v T) bool {
	var zero T
	return reflect.DeepEqual(v, zero)
}

// PlainTextConsumer returns a ConsumerFunc that concatenates record
// content into one string, dropping timestamps and sources.
func PlainTextConsumer() ConsumerFunc[string] {
	var sb strings.Builder
	return func(record *OutputRecord) (string, error) {
		if record == nil {
			return sb.String(), nil
		}
		sb.WriteString(record.Content)
		return "", nil
	}
}

// ConsumePlainText drains the ring and returns the accumulated script
// output as plain text.
func (c *Collector) ConsumePlainText() (string, error) {
	return Drain(c, PlainTextConsumer())
}
