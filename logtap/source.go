package logtap

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Source is a live, line-oriented text stream. The publisher owns exactly
// one Source per session and is the only caller of ReadLine.
type Source interface {
	// ReadLine blocks until a complete newline-terminated line is available
	// and returns it without the terminator. A trailing fragment with no
	// newline is held back until terminated. io.EOF means the stream ended.
	ReadLine() (string, error)

	// Alive reports whether the stream can still produce lines.
	Alive() bool

	// Close releases the stream and unblocks a pending ReadLine with io.EOF.
	Close() error
}

const defaultPollInterval = 100 * time.Millisecond

// FileSource follows a growing log file: it replays the file from the
// start, then polls for appended data. Truncation or rotation (size
// regression, or the path pointing at a new file) reopens the file from
// the start.
type FileSource struct {
	path string
	poll time.Duration

	mu     sync.Mutex
	f      *os.File
	r      *bufio.Reader
	offset int64
	err    error

	done chan struct{}
	once sync.Once
}

type FollowOption func(*FileSource)

// WithPollInterval overrides how often the follower re-checks a file that
// currently has no unread data.
func WithPollInterval(d time.Duration) FollowOption {
	return func(s *FileSource) {
		if d > 0 {
			s.poll = d
		}
	}
}

// Follow opens path for live tailing.
func Follow(path string, opts ...FollowOption) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	s := &FileSource{
		path: path,
		poll: defaultPollInterval,
		f:    f,
		r:    bufio.NewReader(f),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FileSource) ReadLine() (string, error) {
	var pending strings.Builder
	for {
		select {
		case <-s.done:
			return "", io.EOF
		default:
		}

		s.mu.Lock()
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return "", err
		}
		if s.f == nil {
			s.mu.Unlock()
			return "", io.EOF
		}
		chunk, err := s.r.ReadString('\n')
		s.offset += int64(len(chunk))
		s.mu.Unlock()

		pending.WriteString(chunk)
		switch {
		case err == nil:
			return strings.TrimRight(pending.String(), "\r\n"), nil
		case errors.Is(err, os.ErrClosed):
			return "", io.EOF
		case err != io.EOF:
			s.fail(err)
			return "", err
		}

		truncated, err := s.waitGrowth()
		if err != nil {
			return "", err
		}
		if truncated {
			pending.Reset()
		}
	}
}

// waitGrowth sleeps one poll interval, then checks whether the file was
// truncated or replaced. It reports truncation so the caller can discard
// any partial line read from the old content.
func (s *FileSource) waitGrowth() (bool, error) {
	select {
	case <-s.done:
		return false, io.EOF
	case <-time.After(s.poll):
	}

	fi, err := os.Stat(s.path)
	if err != nil {
		// rotation gap, the file may reappear under the same name
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return false, io.EOF
	}
	cur, err := s.f.Stat()
	if err == nil && os.SameFile(cur, fi) && fi.Size() >= s.offset {
		return false, nil
	}

	f, err := os.Open(s.path)
	if err != nil {
		s.err = err
		return false, err
	}
	s.f.Close()
	s.f = f
	s.r = bufio.NewReader(f)
	s.offset = 0
	return true, nil
}

func (s *FileSource) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *FileSource) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f != nil && s.err == nil
}

func (s *FileSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.f != nil {
			err = s.f.Close()
			s.f = nil
		}
	})
	return err
}

// ReaderSource adapts a byte stream (a pipe, a pty master, a test buffer)
// into a Source. Reading ends at EOF; a final fragment with no newline is
// discarded.
type ReaderSource struct {
	rc io.ReadCloser
	r  *bufio.Reader

	mu    sync.Mutex
	ended bool
}

func NewReaderSource(rc io.ReadCloser) *ReaderSource {
	return &ReaderSource{rc: rc, r: bufio.NewReader(rc)}
}

func (s *ReaderSource) ReadLine() (string, error) {
	line, err := s.r.ReadString('\n')
	if err == nil {
		return strings.TrimRight(line, "\r\n"), nil
	}

	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()

	// A pty master reports EIO once the slave side hangs up; both that and
	// a closed descriptor are ordinary end-of-stream here.
	if err == io.EOF || errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, unix.EIO) {
		return "", io.EOF
	}
	return "", err
}

func (s *ReaderSource) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended
}

func (s *ReaderSource) Close() error {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	return s.rc.Close()
}
