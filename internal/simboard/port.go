package simboard

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// TTYPort adapts a pty slave to the capture session's port contract.
// Reads honor the configured timeout the way a serial port does: a
// quiet window returns zero bytes and a nil error instead of failing.
type TTYPort struct {
	f *os.File

	mu      sync.Mutex
	timeout time.Duration
}

// OpenPort opens the simulator's slave device for a capture session.
// Pass the value of TTYName.
func OpenPort(name string) (*TTYPort, error) {
	f, err := os.OpenFile(name, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return &TTYPort{f: f}, nil
}

// SetReadTimeout bounds how long Read blocks waiting for bytes. Zero
// or negative means block forever.
func (p *TTYPort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	p.timeout = t
	p.mu.Unlock()
	return nil
}

func (p *TTYPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	timeout := p.timeout
	p.mu.Unlock()

	if timeout > 0 {
		if err := p.f.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, err
		}
	} else {
		if err := p.f.SetReadDeadline(time.Time{}); err != nil {
			return 0, err
		}
	}
	n, err := p.f.Read(b)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

func (p *TTYPort) Write(b []byte) (int, error) {
	return p.f.Write(b)
}

func (p *TTYPort) Close() error {
	return p.f.Close()
}
