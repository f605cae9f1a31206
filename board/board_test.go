package board_test

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/fwtap/board"
	"github.com/srg/fwtap/internal/serio"
	"github.com/srg/fwtap/logtap"
)

// fakePort is an in-memory serial port. The session reads board output
// from one pipe pair and writes host commands into the other, where the
// test's responder picks them up.
type fakePort struct {
	readR  *io.PipeReader
	readW  *io.PipeWriter
	writeR *io.PipeReader
	writeW *io.PipeWriter

	mu     sync.Mutex
	closed bool
}

func newFakePort() *fakePort {
	p := &fakePort{}
	p.readR, p.readW = io.Pipe()
	p.writeR, p.writeW = io.Pipe()
	return p
}

func (p *fakePort) Read(b []byte) (int, error) { return p.readR.Read(b) }

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return 0, os.ErrClosed
	}
	return p.writeW.Write(b)
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.readR.Close()
	p.readW.Close()
	p.writeR.Close()
	p.writeW.Close()
	return nil
}

// harness wires a Board to a fakePort through a real capture session
// and answers firmware commands from a handler table.
type harness struct {
	t    *testing.T
	b    *board.Board
	port *fakePort
	sess *serio.Session

	mu       sync.Mutex
	sent     []string
	handlers map[string]func(args string) []string
	tick     uint64
}

func framed(payload string) string { return "[MOBLY_TEST]:" + payload }

func success() string { return framed("result: SUCCESS, error_code=0") }

func failWith(code int) string {
	return framed(fmt.Sprintf("result: FAIL, error_code=%d", code))
}

func testConfig(cfg board.Config) board.Config {
	if cfg.ID == "" {
		cfg.ID = "bench"
	}
	if cfg.SendInterval == 0 {
		cfg.SendInterval = time.Millisecond
	}
	if cfg.ExecTimeout == 0 {
		cfg.ExecTimeout = 2 * time.Second
	}
	if cfg.RebootTimeout == 0 {
		cfg.RebootTimeout = 2 * time.Second
	}
	if cfg.RebootSettle == 0 {
		cfg.RebootSettle = time.Millisecond
	}
	return cfg
}

// newHarnessIdle builds the board and session without attaching them,
// for tests that drive StartWith themselves.
func newHarnessIdle(t *testing.T, cfg board.Config) *harness {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	b, err := board.New(testConfig(cfg), log)
	require.NoError(t, err)

	h := &harness{
		t:        t,
		b:        b,
		port:     newFakePort(),
		handlers: map[string]func(string) []string{},
	}
	sess, err := serio.NewSession(h.port, serio.Options{
		LogPath: filepath.Join(t.TempDir(), "session.log"),
		Logger:  log,
	})
	require.NoError(t, err)
	h.sess = sess

	go h.respond()
	t.Cleanup(func() {
		h.b.Stop()
		h.sess.Close()
	})
	return h
}

func newHarness(t *testing.T, cfg board.Config) *harness {
	t.Helper()
	h := newHarnessIdle(t, cfg)
	require.NoError(t, h.b.StartWith(h.sess))
	return h
}

// respond reads host command lines and replies with firmware log lines
// from the handler table.
func (h *harness) respond() {
	sc := bufio.NewScanner(h.port.writeR)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())

		h.mu.Lock()
		h.sent = append(h.sent, line)
		cmd := strings.TrimPrefix(line, "mobly_test:")
		verb, args := cmd, ""
		if i := strings.IndexByte(cmd, ' '); i >= 0 {
			verb, args = cmd[:i], cmd[i+1:]
		}
		handler := h.handlers[verb]
		h.mu.Unlock()

		if handler == nil {
			continue
		}
		for _, msg := range handler(args) {
			h.feedLine(msg)
		}
	}
}

// on registers a fixed reply, as log line messages, for a verb.
func (h *harness) on(verb string, messages ...string) {
	h.mu.Lock()
	h.handlers[verb] = func(string) []string { return messages }
	h.mu.Unlock()
}

func (h *harness) onFunc(verb string, fn func(args string) []string) {
	h.mu.Lock()
	h.handlers[verb] = fn
	h.mu.Unlock()
}

// feedLine emits one board log line with a fresh device tick.
func (h *harness) feedLine(msg string) {
	h.mu.Lock()
	h.tick++
	tick := h.tick
	h.mu.Unlock()
	fmt.Fprintf(h.port.readW, "%d/fw/I/TEST/ 0 | %s\n", tick, msg)
}

// chatter keeps background log traffic flowing until the test ends.
func (h *harness) chatter(interval time.Duration) {
	stop := make(chan struct{})
	h.t.Cleanup(func() { close(stop) })
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(interval):
				h.feedLine("heartbeat")
			}
		}
	}()
}

func (h *harness) sentLines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sent...)
}

func (h *harness) sawCommand(wire string) func() bool {
	return func() bool {
		for _, l := range h.sentLines() {
			if l == wire {
				return true
			}
		}
		return false
	}
}

func TestCommandReturnsPayload(t *testing.T) {
	h := newHarness(t, board.Config{})
	h.on("get_volume", framed("volume=7"), success())

	out, err := h.b.Command(board.Cmd("get_volume"))
	require.NoError(t, err)
	assert.Equal(t, "volume=7", out)
	assert.Contains(t, h.sentLines(), "mobly_test:get_volume")
}

func TestCommandErrorCode(t *testing.T) {
	h := newHarness(t, board.Config{})
	h.on("tws_pairing", failWith(1))

	_, err := h.b.Command(board.Cmd("tws_pairing"))
	require.Error(t, err)

	var cmdErr *board.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, board.ResourceBusy, cmdErr.Code)
	assert.Equal(t, "tws_pairing", cmdErr.Command)
	assert.True(t, board.IsErrorCode(err, board.ResourceBusy))
	assert.ErrorIs(t, err, &board.CommandError{Code: board.ResourceBusy})
	assert.NotErrorIs(t, err, &board.CommandError{Code: board.StackError})
}

func TestCommandUnknownCodeCollapses(t *testing.T) {
	h := newHarness(t, board.Config{})
	h.on("get_volume", failWith(250))

	_, err := h.b.Command(board.Cmd("get_volume"))
	assert.True(t, board.IsErrorCode(err, board.Unknown))
}

func TestCommandTimeout(t *testing.T) {
	h := newHarness(t, board.Config{ExecTimeout: 300 * time.Millisecond})

	start := time.Now()
	_, err := h.b.Command(board.Cmd("get_volume"))
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	var timeoutErr *board.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 300*time.Millisecond, timeoutErr.Timeout)
	assert.ErrorIs(t, err, &board.TimeoutError{})
}

func TestCommandRejectWithoutResponse(t *testing.T) {
	h := newHarness(t, board.Config{ExecTimeout: 300 * time.Millisecond})
	h.on("bogus_cmd", "bogus_cmd command not supported!")

	_, err := h.b.Command(board.Cmd("bogus_cmd"))
	require.Error(t, err)
	assert.ErrorIs(t, err, &board.NotSupportedError{})
	assert.ErrorIs(t, err, &board.NotSupportedError{Command: "bogus_cmd"})
}

func TestCommandRejectBeforeResponseWins(t *testing.T) {
	h := newHarness(t, board.Config{})
	// Another process on the console answers after the reject line, so
	// both subscribers trigger. Stream order decides.
	h.on("bogus_cmd", "bogus_cmd command not supported!", success())

	_, err := h.b.Command(board.Cmd("bogus_cmd"))
	assert.ErrorIs(t, err, &board.NotSupportedError{Command: "bogus_cmd"})
}

func TestCommandResponseBeforeRejectWins(t *testing.T) {
	h := newHarness(t, board.Config{})
	h.on("get_volume", framed("volume=3"), success(), "stale command not supported!")

	out, err := h.b.Command(board.Cmd("get_volume"))
	require.NoError(t, err)
	assert.Equal(t, "volume=3", out)
}

func TestCommandBeforeStart(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	b, err := board.New(board.Config{ID: "cold"}, log)
	require.NoError(t, err)

	_, err = b.Command(board.Cmd("get_volume"))
	assert.ErrorIs(t, err, board.ErrNotStarted)
	assert.ErrorIs(t, b.CommandNoWait(board.Cmd("reboot")), board.ErrNotStarted)
	assert.ErrorIs(t, b.MarkLog(), board.ErrNotStarted)
	_, err = b.WaitEvent(logtap.EventOptions{}, time.Second)
	assert.ErrorIs(t, err, board.ErrNotStarted)
	assert.False(t, b.Active())
}

func TestStartWithTwice(t *testing.T) {
	h := newHarness(t, board.Config{})

	log := logrus.New()
	log.SetOutput(io.Discard)
	extra, err := serio.NewSession(newFakePort(), serio.Options{
		LogPath: filepath.Join(t.TempDir(), "extra.log"),
		Logger:  log,
	})
	require.NoError(t, err)
	defer extra.Close()

	assert.ErrorIs(t, h.b.StartWith(extra), board.ErrAlreadyStarted)
}

func TestStopEndsSession(t *testing.T) {
	h := newHarness(t, board.Config{})
	require.True(t, h.b.Active())
	require.NotEmpty(t, h.b.LogPath())

	require.NoError(t, h.b.Stop())
	assert.False(t, h.b.Active())
	assert.False(t, h.sess.Alive())
	assert.Empty(t, h.b.LogPath())

	_, err := h.b.Command(board.Cmd("get_volume"))
	assert.ErrorIs(t, err, board.ErrNotStarted)

	// Second Stop is a no-op.
	assert.NoError(t, h.b.Stop())
}

func TestCommandNoWaitWire(t *testing.T) {
	h := newHarness(t, board.Config{})

	require.NoError(t, h.b.CommandNoWait(board.Cmdf("set_volume %d", 42)))
	require.Eventually(t, h.sawCommand("mobly_test:set_volume 42"), 2*time.Second, 5*time.Millisecond)
}

func TestSendIntervalPacesCommands(t *testing.T) {
	h := newHarness(t, board.Config{SendInterval: 200 * time.Millisecond})

	start := time.Now()
	require.NoError(t, h.b.CommandNoWait(board.Cmd("media_play")))
	require.NoError(t, h.b.CommandNoWait(board.Cmd("media_pause")))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestWaitEvent(t *testing.T) {
	h := newHarness(t, board.Config{})

	go func() {
		time.Sleep(50 * time.Millisecond)
		h.feedLine("pairing complete, peer stored")
	}()

	rec, err := h.b.WaitEvent(logtap.EventOptions{Pattern: `pairing complete`}, 2*time.Second)
	require.NoError(t, err)
	assert.Contains(t, rec.Message, "pairing complete")
}

func TestWaitEventTimeout(t *testing.T) {
	h := newHarness(t, board.Config{})

	_, err := h.b.WaitEvent(logtap.EventOptions{Pattern: `never`}, 100*time.Millisecond)
	assert.ErrorIs(t, err, &board.TimeoutError{})
}

func TestMarkAndExcerpt(t *testing.T) {
	h := newHarness(t, board.Config{})

	h.feedLine("boot noise")
	logHas := func(substr string) func() bool {
		return func() bool {
			raw, err := os.ReadFile(h.b.LogPath())
			return err == nil && strings.Contains(string(raw), substr)
		}
	}
	require.Eventually(t, logHas("boot noise"), 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.b.MarkLog())

	h.feedLine("step output")
	require.Eventually(t, logHas("step output"), 2*time.Second, 5*time.Millisecond)

	dst := filepath.Join(t.TempDir(), "excerpts", h.b.ExcerptName())
	n, err := h.b.Excerpt(dst)
	require.NoError(t, err)
	require.Positive(t, n)

	raw, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "step output")
	assert.NotContains(t, string(raw), "boot noise")
}

func TestStartWithVerifiesAddress(t *testing.T) {
	addr := "00:11:22:33:FF:EE"
	h := newHarnessIdle(t, board.Config{BluetoothAddress: addr})
	h.on("get_device_info",
		framed("bt_addr: "+addr),
		framed("ble_addr: "+addr),
		framed("bt_name: Buds"),
		framed("ble_name: Buds LE"),
		success(),
	)
	h.chatter(20 * time.Millisecond)

	require.NoError(t, h.b.StartWith(h.sess))
	assert.Contains(t, h.sentLines(), "mobly_test:get_device_info")
	for _, line := range h.sentLines() {
		assert.NotContains(t, line, "set_address")
	}
}

func TestStartWithReprogramsMismatchedAddress(t *testing.T) {
	h := newHarnessIdle(t, board.Config{BluetoothAddress: "00:11:22:33:FF:EE"})
	h.on("get_device_info",
		framed("bt_addr: AA:BB:CC:DD:EE:FF"),
		framed("ble_addr: AA:BB:CC:DD:EE:FF"),
		framed("bt_name: Buds"),
		framed("ble_name: Buds LE"),
		success(),
	)
	h.on("reboot",
		"REV_INFO=v1.0.0",
		"BUILD_DATE=Aug 25 2026",
		"bt_stack_init_done",
		"Access mode changed to 0",
	)
	h.chatter(20 * time.Millisecond)

	require.NoError(t, h.b.StartWith(h.sess))
	assert.Contains(t, h.sentLines(), "mobly_test:set_address 00:11:22:33:FF:EE")
	assert.Contains(t, h.sentLines(), "mobly_test:reboot")
}
