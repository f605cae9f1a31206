// Package simboard emulates a devboard console on a pseudo-terminal.
// It emits firmware-format log lines on the pty and answers command
// lines carrying the test-shell prefix, so the whole serial stack can
// run end to end without hardware: point a capture session at TTYName
// and drive it like a real board.
package simboard

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/term"

	"github.com/srg/fwtap/internal/groutine"
)

const commandPrefix = "mobly_test:"

const stopJoinTimeout = 2 * time.Second

// Options configure the simulator.
type Options struct {
	// Name shows up as the source field of emitted log lines.
	Name string `default:"simboard"`

	// TickHz is the device clock rate; the default makes ticks
	// milliseconds.
	TickHz int `default:"1000"`

	// Address is the Bluetooth address the simulated firmware reports.
	Address string `default:"00:11:22:33:FF:EE"`

	// RebootDelay is how long a reboot keeps the console dark before
	// the boot banner.
	RebootDelay time.Duration `default:"100ms"`

	// Chatter emits a periodic heartbeat line when non-zero, for
	// consumers that need to see traffic before they talk.
	Chatter time.Duration

	// Logger for simulator diagnostics, nil for the standard logger.
	Logger *logrus.Logger
}

// Frame is one reply line of a command handler.
type Frame struct {
	text  string
	plain bool
}

// Data builds a framed data line.
func Data(text string) Frame { return Frame{text: text} }

// Dataf builds a framed data line with formatting.
func Dataf(format string, args ...any) Frame {
	return Frame{text: fmt.Sprintf(format, args...)}
}

// Success is the terminal status line of a successful command.
func Success() Frame {
	return Frame{text: "result: SUCCESS, error_code=0"}
}

// Fail is the terminal status line of a failed command.
func Fail(code int) Frame {
	return Frame{text: fmt.Sprintf("result: FAIL, error_code=%d", code)}
}

// Raw emits an unframed log message, for handlers that produce plain
// firmware chatter alongside or instead of a reply.
func Raw(text string) Frame { return Frame{text: text, plain: true} }

// Handler answers one shell verb. args is everything after the verb,
// trimmed.
type Handler func(args string) []Frame

// Sim is a running board simulator.
type Sim struct {
	opts  Options
	log   *logrus.Entry
	start time.Time

	master  *os.File
	tty     *os.File
	ttyName string

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers *orderedmap.OrderedMap[string, Handler]
	received []string
	name     string
	volume   int
	battery  int
	box      string

	grp    groutine.Group
	done   chan struct{}
	closed bool
}

// Start allocates the pty pair, installs the built-in command table
// and begins serving the console.
func Start(opts Options) (*Sim, error) {
	defaults.SetDefaults(&opts)
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	master, tty, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("allocate pty: %w", err)
	}
	// Raw mode keeps the line discipline from echoing our own output
	// back at us and from cooking the application's bytes.
	if _, err := term.MakeRaw(int(tty.Fd())); err != nil {
		master.Close()
		tty.Close()
		return nil, fmt.Errorf("set %s to raw mode: %w", tty.Name(), err)
	}

	s := &Sim{
		opts:     opts,
		log:      log.WithField("sim", opts.Name),
		start:    time.Now(),
		master:   master,
		tty:      tty,
		ttyName:  tty.Name(),
		handlers: orderedmap.New[string, Handler](),
		name:     opts.Name,
		volume:   8,
		battery:  100,
		box:      "IN_BOX_OPEN",
		done:     make(chan struct{}),
	}
	s.installBuiltins()

	s.grp.Go(nil, "simboard-console-read", func(ctx context.Context) {
		s.readLoop()
	})
	if opts.Chatter > 0 {
		s.grp.Go(nil, "simboard-heartbeat", func(ctx context.Context) {
			s.heartbeatLoop(opts.Chatter)
		})
	}

	s.log.WithField("tty", s.ttyName).Info("board simulator started")
	return s, nil
}

// TTYName is the slave device path, e.g. /dev/pts/4. Serial consumers
// open this like a real port.
func (s *Sim) TTYName() string { return s.ttyName }

// Register installs or replaces the handler for a shell verb.
func (s *Sim) Register(verb string, h Handler) {
	s.mu.Lock()
	s.handlers.Set(verb, h)
	s.mu.Unlock()
}

// Received returns every shell command line seen so far.
func (s *Sim) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// Emit writes one firmware-format log line to the console.
func (s *Sim) Emit(level byte, tag, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.writeLine(fmt.Sprintf("%d/%s/%c/%s/ 0 | %s", s.deviceTick(), s.opts.Name, level, tag, msg))
}

// Respond emits frames outside of any handler, for tests that script
// unsolicited replies.
func (s *Sim) Respond(frames ...Frame) {
	s.emitFrames(frames)
}

// Stop tears the console down and joins the background loops.
func (s *Sim) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	err := s.master.Close()
	if ttyErr := s.tty.Close(); err == nil {
		err = ttyErr
	}
	if !s.grp.WaitTimeout(stopJoinTimeout) {
		s.log.Error("simulator loops did not stop in time")
	}
	s.log.Info("board simulator stopped")
	return err
}

func (s *Sim) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Sim) deviceTick() uint64 {
	elapsed := time.Since(s.start)
	return uint64(elapsed * time.Duration(s.opts.TickHz) / time.Second)
}

func (s *Sim) writeLine(line string) {
	if s.isClosed() {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := fmt.Fprintf(s.master, "%s\r\n", line); err != nil && !s.isClosed() {
		s.log.WithError(err).Warn("console write failed")
	}
}

func (s *Sim) emitFrames(frames []Frame) {
	for _, f := range frames {
		if f.plain {
			s.Emit('I', "SYS", "%s", f.text)
			continue
		}
		s.Emit('I', "SHELL", "[MOBLY_TEST]:%s", f.text)
	}
}

// readLoop consumes command lines written into the slave side.
func (s *Sim) readLoop() {
	sc := bufio.NewScanner(s.master)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, commandPrefix) {
			continue
		}
		s.dispatch(strings.TrimPrefix(line, commandPrefix))
	}
	if err := sc.Err(); err != nil && !s.isClosed() {
		s.log.WithError(err).Warn("console read failed")
	}
}

func (s *Sim) dispatch(cmd string) {
	verb, args := cmd, ""
	if i := strings.IndexByte(cmd, ' '); i >= 0 {
		verb, args = cmd[:i], strings.TrimSpace(cmd[i+1:])
	}

	s.mu.Lock()
	s.received = append(s.received, cmd)
	handler, known := s.handlers.Get(verb)
	s.mu.Unlock()

	s.log.WithField("command", cmd).Debug("shell command")
	if !known {
		s.Emit('W', "SHELL", "%s command not supported!", verb)
		return
	}
	s.emitFrames(handler(args))
}

func (s *Sim) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Emit('V', "SYS", "alive")
		}
	}
}

// scheduleBoot emits the boot banner after the configured dark window.
func (s *Sim) scheduleBoot() {
	s.grp.Go(nil, "simboard-boot", func(ctx context.Context) {
		select {
		case <-s.done:
			return
		case <-time.After(s.opts.RebootDelay):
		}
		s.Emit('I', "SYS", "BUILD_DATE=%s", s.start.Format("Jan 2 2006"))
		s.Emit('I', "SYS", "REV_INFO=sim-%s", s.opts.Name)
		s.Emit('I', "SYS", "bt_stack_init_done")
		s.Emit('I', "SYS", "Access mode changed to 0")
	})
}

func (s *Sim) installBuiltins() {
	s.Register("get_device_info", func(string) []Frame {
		s.mu.Lock()
		name := s.name
		s.mu.Unlock()
		return []Frame{
			Data("bt_addr: " + s.opts.Address),
			Data("ble_addr: " + s.opts.Address),
			Data("bt_name: " + name),
			Data("ble_name: " + name + " LE"),
			Success(),
		}
	})
	s.Register("get_box_state", func(string) []Frame {
		s.mu.Lock()
		box := s.box
		s.mu.Unlock()
		return []Frame{Data("box_state=" + box), Success()}
	})
	s.Register("get_battery_level", func(string) []Frame {
		s.mu.Lock()
		battery := s.battery
		s.mu.Unlock()
		return []Frame{Dataf("battery_level: %d", battery), Success()}
	})
	s.Register("get_volume", func(string) []Frame {
		s.mu.Lock()
		volume := s.volume
		s.mu.Unlock()
		return []Frame{Dataf("volume=%d", volume), Success()}
	})
	s.Register("set_volume", func(args string) []Frame {
		level, err := strconv.Atoi(args)
		if err != nil || level < 0 || level > 127 {
			return []Frame{Fail(2)}
		}
		s.mu.Lock()
		s.volume = level
		s.mu.Unlock()
		return []Frame{Success()}
	})
	s.Register("set_battery_level", func(args string) []Frame {
		fields := strings.Fields(args)
		if len(fields) == 0 {
			return []Frame{Fail(2)}
		}
		level, err := strconv.Atoi(fields[0])
		if err != nil || level < 0 || level > 100 {
			return []Frame{Fail(2)}
		}
		s.mu.Lock()
		s.battery = level
		s.mu.Unlock()
		return []Frame{Success()}
	})
	s.Register("set_name", func(args string) []Frame {
		fields := strings.Fields(args)
		if len(fields) == 0 {
			return []Frame{Fail(2)}
		}
		if name := strings.Trim(fields[0], `"`); name != "" {
			s.mu.Lock()
			s.name = name
			s.mu.Unlock()
		}
		return []Frame{Success()}
	})
	s.Register("enable_pairing", func(string) []Frame {
		return []Frame{Raw("Access mode changed to 3"), Success()}
	})
	s.Register("disable_pairing", func(string) []Frame {
		return []Frame{Raw("Access mode changed to 2"), Success()}
	})
	s.Register("reboot", func(string) []Frame {
		s.scheduleBoot()
		return nil
	})

	motions := []struct {
		verb string
		next string
	}{
		{"open_box", "IN_BOX_OPEN"},
		{"close_box", "IN_BOX_CLOSED"},
		{"fetch_out", "OUT_BOX"},
		{"wear_up", "OUT_BOX_WEARED"},
		{"wear_down", "OUT_BOX"},
		{"put_in", "IN_BOX_OPEN"},
	}
	for _, m := range motions {
		next := m.next
		s.Register(m.verb, func(string) []Frame {
			s.mu.Lock()
			s.box = next
			s.mu.Unlock()
			return []Frame{Success()}
		})
	}
}
