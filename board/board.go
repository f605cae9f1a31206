// Package board drives a Bluetooth devboard over its UART console. A
// Board owns the serial capture session, a firmware log publisher over
// the session log, and the command/response exchange built on both: a
// command is written to the console, the reply comes back as framed
// lines inside the board's own log stream.
package board

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/fwtap/internal/btutil"
	"github.com/srg/fwtap/internal/clip"
	"github.com/srg/fwtap/internal/serio"
	"github.com/srg/fwtap/logtap"
)

// Log patterns the driver watches for outside of framed responses.
const (
	rejectPattern     = `.*command not supported!.*`
	rebootDonePattern = `.*bt_stack_init_done.*`
	buildDatePattern  = `.*BUILD_DATE=(?P<build_date>.*)`
	revInfoPattern    = `.*REV_INFO=(?P<version>.*)`
	accessModeFormat  = `.*Access mode changed to %d.*`
)

// Board is the driver for one devboard.
type Board struct {
	cfg Config
	log *logrus.Entry

	mu      sync.Mutex
	session *serio.Session
	src     *logtap.FileSource
	pub     *logtap.Publisher
	clipper *clip.Clipper
	version string

	execMu sync.Mutex // serializes command exchanges

	sendMu   sync.Mutex
	lastSend time.Time
}

// New builds an inactive driver. Call Start or StartWith before sending
// commands. Zero timing fields in cfg take their defaults.
func New(cfg Config, log *logrus.Logger) (*Board, error) {
	defaults.SetDefaults(&cfg)
	if cfg.BluetoothAddress != "" && !btutil.IsValidAddress(cfg.BluetoothAddress) {
		return nil, fmt.Errorf("invalid bluetooth_address %q", cfg.BluetoothAddress)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Board{
		cfg: cfg,
		log: log.WithField("board", boardID(cfg)),
	}, nil
}

func boardID(cfg Config) string {
	switch {
	case cfg.ID != "":
		return cfg.ID
	case cfg.SerialPort != "":
		return filepath.Base(cfg.SerialPort)
	default:
		return "board"
	}
}

// ID is the board's name in logs and testbed lookups.
func (b *Board) ID() string { return boardID(b.cfg) }

// Config returns a copy of the effective configuration.
func (b *Board) Config() Config { return b.cfg }

// Start opens the configured serial port, begins capturing its output
// to the session log and starts the firmware log publisher over it.
// When the config names a Bluetooth address, Start waits for board
// output and reprograms the address on a mismatch.
func (b *Board) Start() error {
	if b.cfg.SerialPort == "" {
		return fmt.Errorf("board %q: serial_port not configured", b.ID())
	}
	logPath, err := b.sessionLogPath()
	if err != nil {
		return err
	}
	sess, err := serio.Open(serio.Options{
		Device:  b.cfg.SerialPort,
		Baud:    b.cfg.Baud,
		LogPath: logPath,
		Logger:  b.log.Logger,
	})
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", b.cfg.SerialPort, err)
	}
	if err := b.StartWith(sess); err != nil {
		sess.Close()
		return err
	}
	return nil
}

func (b *Board) sessionLogPath() (string, error) {
	if b.cfg.LogDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(b.cfg.LogDir, 0o755); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}
	stamp := time.Now().Format("01-02-2006_15-04-05")
	name := fmt.Sprintf("%s_serial_%s.log", b.ID(), stamp)
	return filepath.Join(b.cfg.LogDir, name), nil
}

// StartWith attaches the driver to an already-open capture session.
// Simulated boards and tests inject their session here; Start calls it
// with a session it opened itself. The driver owns the session from
// here on and closes it in Stop.
func (b *Board) StartWith(sess *serio.Session) error {
	b.mu.Lock()
	if b.pub != nil {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	src, err := logtap.Follow(sess.LogPath())
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("follow session log: %w", err)
	}
	pub := logtap.NewPublisher(logtap.NewFirmwareParser(), b.log.Logger)
	if err := pub.Start(src); err != nil {
		src.Close()
		b.mu.Unlock()
		return err
	}
	b.session = sess
	b.src = src
	b.pub = pub
	b.clipper = clip.New(sess.LogPath())
	b.mu.Unlock()

	b.log.WithField("log", sess.LogPath()).Info("Board driver started")

	if b.cfg.BluetoothAddress == "" {
		return nil
	}
	if err := b.initAddress(); err != nil {
		b.Stop()
		return err
	}
	return nil
}

// initAddress waits for board output, then checks the reported address
// against the configured one and reprograms it when they differ.
func (b *Board) initAddress() error {
	rec, err := b.WaitEvent(logtap.EventOptions{}, b.cfg.RebootTimeout)
	if err != nil {
		return fmt.Errorf("no log output from the board, check the connection and baud rate: %w", err)
	}
	b.log.WithField("device_time", rec.DeviceTime).Info("Board log alignment")

	err = b.ensureAddress()
	if err == nil {
		return nil
	}
	// Junk left in the board's UART input buffer can swallow the first
	// command after connect. Retry once after a full timeout window.
	b.log.WithError(err).Warn("Address setup failed, retrying once")
	if b.cfg.HardReset {
		_ = b.CommandNoWait(Cmd(cmdPowerOn))
	}
	time.Sleep(b.cfg.ExecTimeout)
	if err := b.ensureAddress(); err != nil {
		return fmt.Errorf("address setup: %w", err)
	}
	return nil
}

func (b *Board) ensureAddress() error {
	info, err := b.DeviceInfo()
	if err != nil {
		return err
	}
	want := strings.ToUpper(b.cfg.BluetoothAddress)
	if info.BluetoothAddress == want && info.BLEAddress == want {
		return nil
	}
	b.log.WithFields(logrus.Fields{
		"reported": info.BluetoothAddress,
		"want":     want,
	}).Info("Reprogramming board address")
	return b.SetAddress(b.cfg.BluetoothAddress)
}

// Stop halts the publisher and closes the serial session. Safe to call
// more than once.
func (b *Board) Stop() error {
	b.mu.Lock()
	pub, src, sess := b.pub, b.src, b.session
	b.pub, b.src, b.session, b.clipper = nil, nil, nil, nil
	b.mu.Unlock()
	if pub == nil {
		return nil
	}

	var firstErr error
	if err := pub.Stop(); err != nil {
		firstErr = err
	}
	// The publisher only closes the source it considers active; close
	// again so a source that died on its own releases the file handle.
	if err := src.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := sess.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	b.log.Info("Board driver stopped")
	return firstErr
}

// Active reports whether the capture session and the log publisher are
// both still running.
func (b *Board) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pub != nil && b.pub.Active() && b.session != nil && b.session.Alive()
}

// Publisher exposes the firmware log stream for custom subscriptions.
func (b *Board) Publisher() (*logtap.Publisher, error) {
	return b.publisher()
}

func (b *Board) publisher() (*logtap.Publisher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pub == nil {
		return nil, ErrNotStarted
	}
	return b.pub, nil
}

// LogPath is the host-side session log file, empty before Start.
func (b *Board) LogPath() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return ""
	}
	return b.session.LogPath()
}

// FirmwareVersion is the version banner captured during the last reboot
// cycle, "<rev>:<build date>" shaped. Empty before the first reboot.
func (b *Board) FirmwareVersion() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// WaitEvent blocks until a log record passes the given filters or the
// timeout elapses, and returns the matching record.
func (b *Board) WaitEvent(opts logtap.EventOptions, timeout time.Duration) (*logtap.Record, error) {
	pub, err := b.publisher()
	if err != nil {
		return nil, err
	}
	sub, err := pub.Event(opts)
	if err != nil {
		return nil, err
	}
	defer sub.Close()
	if !sub.Wait(timeout) {
		return nil, &TimeoutError{Op: "wait for log event", Timeout: timeout}
	}
	return sub.Trigger(), nil
}

// MarkLog moves the excerpt cursor to the current end of the session
// log, so the next Excerpt starts here.
func (b *Board) MarkLog() error {
	b.mu.Lock()
	c := b.clipper
	b.mu.Unlock()
	if c == nil {
		return ErrNotStarted
	}
	return c.Mark()
}

// Excerpt copies the session log written since the last mark (or the
// previous excerpt) to dst and returns the number of bytes copied.
func (b *Board) Excerpt(dst string) (int64, error) {
	b.mu.Lock()
	c := b.clipper
	b.mu.Unlock()
	if c == nil {
		return 0, ErrNotStarted
	}
	return c.Excerpt(dst)
}

// ExcerptName builds the conventional excerpt filename for this board,
// keyed by its address (or id) and the current time.
func (b *Board) ExcerptName() string {
	id := strings.ReplaceAll(strings.ToUpper(b.cfg.BluetoothAddress), ":", "-")
	if id == "" {
		id = b.ID()
	}
	stamp := time.Now().Format("01-02-2006_15-04-05-000")
	return fmt.Sprintf("board_log,%s,%s.txt", id, stamp)
}

// Command sends cmd and waits for its framed response. A firmware
// reject line that precedes the response wins over it; a response with
// a non-zero code becomes a CommandError; otherwise the data payload is
// returned.
func (b *Board) Command(cmd Command) (string, error) {
	b.execMu.Lock()
	defer b.execMu.Unlock()
	return b.exchange(cmd)
}

// CommandNoWait sends cmd without arming a response subscriber. Used
// for commands whose execution tears down the console, like reboot.
func (b *Board) CommandNoWait(cmd Command) error {
	b.execMu.Lock()
	defer b.execMu.Unlock()
	return b.send(cmd)
}

func (b *Board) exchange(cmd Command) (string, error) {
	pub, err := b.publisher()
	if err != nil {
		return "", err
	}
	resp, err := pub.Response()
	if err != nil {
		return "", err
	}
	defer resp.Close()
	reject, err := pub.Event(logtap.EventOptions{Pattern: rejectPattern})
	if err != nil {
		return "", err
	}
	defer reject.Close()

	if err := b.send(cmd); err != nil {
		return "", err
	}

	if !resp.Wait(b.cfg.ExecTimeout) {
		if reject.IsSet() {
			return "", &NotSupportedError{Command: cmd.String()}
		}
		return "", &TimeoutError{Op: cmd.String(), Timeout: b.cfg.ExecTimeout}
	}
	result := resp.Result()
	// Both the reject line and a response may show up, e.g. when other
	// traffic closes the frame. The stream order decides.
	if reject.IsSet() && reject.Trigger().Seq < result.Seq {
		return "", &NotSupportedError{Command: cmd.String()}
	}
	b.log.WithFields(logrus.Fields{
		"command": cmd.String(),
		"status":  result.Status,
		"code":    result.ErrorCode,
	}).Debug("Command response")
	if !result.OK() {
		return "", &CommandError{Command: cmd.String(), Code: Code(result.ErrorCode)}
	}
	return result.Message, nil
}

func (b *Board) send(cmd Command) error {
	b.mu.Lock()
	sess := b.session
	b.mu.Unlock()
	if sess == nil {
		return ErrNotStarted
	}

	// Back-to-back commands overrun the firmware shell; keep the
	// configured gap between sends.
	b.sendMu.Lock()
	if wait := b.cfg.SendInterval - time.Since(b.lastSend); wait > 0 {
		time.Sleep(wait)
	}
	err := sess.SendCommand(cmd.Wire())
	b.lastSend = time.Now()
	b.sendMu.Unlock()

	if err != nil {
		return NormalizeError("send "+cmd.Verb(), err)
	}
	return nil
}
