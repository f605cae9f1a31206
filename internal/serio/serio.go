// Package serio captures one serial-attached board into a session log
// file. Every complete line received from the port is prefixed with a
// host timestamp and appended to the log, which a log follower can tail
// live. Commands go out over the same port, CRLF-terminated.
//
// The receive path is split in two stages so a slow disk never stalls the
// port: a read loop moves bytes from the port into a ring buffer, and a
// pump drains the ring, reassembles lines and writes the log. When the
// ring overflows the oldest bytes win and the overflow is counted in
// Stats.
package serio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"go.bug.st/serial"

	"github.com/srg/fwtap/internal/groutine"
)

// hostStampLayout prefixes every logged line. Deliberately the same shape
// as a logcat timestamp so log tooling treats both streams alike.
const hostStampLayout = "01-02 15:04:05.000"

// portSettle is how long Open waits after opening the port before using
// it. USB serial adapters need a moment to assert their control lines.
const portSettle = 200 * time.Millisecond

const closeJoinTimeout = 5 * time.Second

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("serial session closed")

// Port is the slice of a serial port the session needs. go.bug.st/serial
// ports satisfy it; tests inject pipe-backed fakes.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// RawCallback receives every chunk of bytes read from the port, before
// line reassembly. It runs on the pump goroutine: implementations must be
// fast, thread-safe and must not retain the slice.
type RawCallback func(data []byte)

// Options configures a capture session. Zero fields take their defaults.
type Options struct {
	// Device is the serial device path, e.g. /dev/ttyUSB0. Required by
	// Open, unused by NewSession.
	Device string

	// Baud is the port speed. The boards talk at 1152000.
	Baud int `default:"1152000"`

	// ReadTimeout bounds a single port read. It is also the shutdown
	// latency of the read loop on ports whose Read honors it.
	ReadTimeout time.Duration `default:"100ms"`

	// RingSize is the receive ring capacity in bytes.
	RingSize int `default:"65536"`

	// LogPath is the session log file, truncated at open. Empty picks a
	// temp file; the path is available via LogPath().
	LogPath string

	// Logger for session diagnostics, nil for the standard logger.
	Logger *logrus.Logger
}

// Stats are the session's runtime counters.
type Stats struct {
	BytesIn      uint64 // bytes read from the port
	BytesOut     uint64 // bytes written to the port
	Lines        uint64 // complete lines appended to the session log
	DroppedBytes uint64 // receive ring overflow
	RingLen      int
	RingCap      int
}

// Session is one live capture over one port. Create with Open or
// NewSession, release with Close.
type Session struct {
	log  *logrus.Logger
	opts Options

	// portMu serializes writers; the read loop holds its own reference
	// and never takes it.
	portMu sync.Mutex
	port   Port

	ring   *ringbuffer.RingBuffer
	notify chan struct{}

	file  *os.File
	w     *bufio.Writer
	carry []byte // pump-owned partial line

	readCb atomic.Value // RawCallback

	grp    groutine.Group
	done   chan struct{}
	closed atomic.Bool

	readRunning atomic.Bool
	pumpRunning atomic.Bool

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
	lines    atomic.Uint64
	dropped  atomic.Uint64
}

// Open opens the device named in opts and starts capturing.
func Open(opts Options) (*Session, error) {
	defaults.SetDefaults(&opts)
	if opts.Device == "" {
		return nil, errors.New("serial device is required")
	}

	mode := &serial.Mode{
		BaudRate: opts.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(opts.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial device %s: %w", opts.Device, err)
	}
	time.Sleep(portSettle)

	s, err := NewSession(port, opts)
	if err != nil {
		port.Close()
		return nil, err
	}
	return s, nil
}

// NewSession starts capturing over an already-open port. The session
// takes ownership of the port and closes it with Close.
func NewSession(port Port, opts Options) (*Session, error) {
	defaults.SetDefaults(&opts)
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
		return nil, fmt.Errorf("set read timeout: %w", err)
	}

	file, err := openSessionLog(opts.LogPath)
	if err != nil {
		return nil, err
	}

	s := &Session{
		log:    log,
		opts:   opts,
		port:   port,
		ring:   ringbuffer.New(opts.RingSize),
		notify: make(chan struct{}, 1),
		file:   file,
		w:      bufio.NewWriter(file),
		done:   make(chan struct{}),
	}

	s.readRunning.Store(true)
	s.pumpRunning.Store(true)
	s.grp.Go(nil, "serio-port-read", func(ctx context.Context) {
		defer s.readRunning.Store(false)
		s.readLoop(ctx)
	})
	s.grp.Go(nil, "serio-line-pump", func(ctx context.Context) {
		defer s.pumpRunning.Store(false)
		s.pumpLoop(ctx)
	})

	log.WithFields(logrus.Fields{
		"device": opts.Device,
		"log":    file.Name(),
	}).Info("serial capture session started")
	return s, nil
}

func openSessionLog(path string) (*os.File, error) {
	if path == "" {
		f, err := os.CreateTemp("", "fwtap-serial-*.log")
		if err != nil {
			return nil, fmt.Errorf("create session log: %w", err)
		}
		return f, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create session log %s: %w", path, err)
	}
	return f, nil
}

// readLoop moves bytes from the port into the ring. It owns no locks and
// exits on port close or a hard read error.
func (s *Session) readLoop(ctx context.Context) {
	defer close(s.notify)

	buf := make([]byte, 4096)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		n, err := s.port.Read(buf)
		if n > 0 {
			s.bytesIn.Add(uint64(n))
			written, werr := s.ring.Write(buf[:n])
			if werr != nil && !errors.Is(werr, ringbuffer.ErrIsFull) {
				s.log.WithError(werr).Warn("receive ring write failed")
			}
			if written < n {
				s.dropped.Add(uint64(n - written))
				s.log.WithField("bytes", n-written).Warn("receive ring overflow, oldest data dropped")
			}
			if written > 0 {
				select {
				case s.notify <- struct{}{}:
				default:
				}
			}
		}
		if err != nil {
			// A timeout read returns n==0 with no error, so any error here
			// ends the loop.
			if !s.closed.Load() && !errors.Is(err, io.EOF) {
				s.log.WithError(err).Error("serial read failed, capture stopped")
			}
			return
		}
	}
}

// pumpLoop drains the ring into the session log. The read loop closing
// the notify channel is the shutdown signal, which guarantees the final
// bytes are drained before the pump exits.
func (s *Session) pumpLoop(ctx context.Context) {
	defer s.log.Debugf("%s: exiting", groutine.GetName(ctx))

	tmp := make([]byte, 4096)
	for {
		_, open := <-s.notify
		for {
			n, err := s.ring.TryRead(tmp)
			if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
				break
			}
			s.ingest(tmp[:n])
		}
		if err := s.w.Flush(); err != nil {
			s.log.WithError(err).Error("session log flush failed")
		}
		if !open {
			return
		}
	}
}

// ingest runs on the pump goroutine only: fan the chunk to the raw
// callback, then split it into complete lines and log them. A trailing
// fragment is carried until its newline arrives.
func (s *Session) ingest(data []byte) {
	s.invokeCallback(data)

	s.carry = append(s.carry, data...)
	for {
		i := bytes.IndexByte(s.carry, '\n')
		if i < 0 {
			return
		}
		line := bytes.TrimRight(s.carry[:i], "\r")
		s.carry = s.carry[i+1:]
		s.writeLine(line)
	}
}

func (s *Session) writeLine(line []byte) {
	s.w.WriteString(time.Now().Format(hostStampLayout))
	s.w.WriteByte('\t')
	s.w.Write(line)
	if err := s.w.WriteByte('\n'); err != nil {
		s.log.WithError(err).Error("session log write failed")
		return
	}
	s.lines.Add(1)
}

func (s *Session) invokeCallback(data []byte) {
	v := s.readCb.Load()
	if v == nil {
		return
	}
	cb, ok := v.(RawCallback)
	if !ok || cb == nil {
		return
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)

	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("raw callback panicked, unregistered: %v", r)
			s.readCb.Store(RawCallback(nil))
		}
	}()
	cb(chunk)
}

// SetReadCallback registers cb for raw data arrival, nil to unregister.
// Only data read after registration is delivered.
func (s *Session) SetReadCallback(cb RawCallback) {
	s.readCb.Store(cb)
}

// SendCommand writes one command line to the port: surrounding whitespace
// is stripped and CRLF appended. Fails with ErrClosed once the session is
// closed.
func (s *Session) SendCommand(cmd string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	payload := strings.TrimSpace(cmd) + "\r\n"

	s.portMu.Lock()
	defer s.portMu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	n, err := s.port.Write([]byte(payload))
	s.bytesOut.Add(uint64(n))
	if err != nil {
		return fmt.Errorf("send command: %w", err)
	}
	s.log.WithField("command", strings.TrimSpace(cmd)).Debug("command sent")
	return nil
}

// LogPath returns the session log file path.
func (s *Session) LogPath() string {
	return s.file.Name()
}

// Alive reports whether the session is still capturing: not closed, and
// both the read loop and the pump are running.
func (s *Session) Alive() bool {
	return !s.closed.Load() && s.readRunning.Load() && s.pumpRunning.Load()
}

// Stats returns instantaneous counters for monitoring.
func (s *Session) Stats() Stats {
	return Stats{
		BytesIn:      s.bytesIn.Load(),
		BytesOut:     s.bytesOut.Load(),
		Lines:        s.lines.Load(),
		DroppedBytes: s.dropped.Load(),
		RingLen:      s.ring.Length(),
		RingCap:      s.ring.Capacity(),
	}
}

// Close stops the goroutines, flushes the session log and closes the
// port and the file. Idempotent; a trailing line fragment that never got
// its newline is dropped.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)

	s.portMu.Lock()
	portErr := s.port.Close()
	s.portMu.Unlock()

	if !s.grp.WaitTimeout(closeJoinTimeout) {
		s.log.Error("serial session goroutines did not exit in time")
	}

	fileErr := s.file.Close()

	s.log.WithFields(logrus.Fields{
		"lines":   s.lines.Load(),
		"bytes":   s.bytesIn.Load(),
		"dropped": s.dropped.Load(),
	}).Info("serial capture session closed")

	if portErr != nil {
		return portErr
	}
	return fileErr
}
