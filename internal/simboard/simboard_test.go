package simboard_test

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/fwtap/board"
	"github.com/srg/fwtap/internal/serio"
	"github.com/srg/fwtap/internal/simboard"
	"github.com/srg/fwtap/logtap"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func startSim(t *testing.T, opts simboard.Options) *simboard.Sim {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	sim, err := simboard.Start(opts)
	require.NoError(t, err)
	t.Cleanup(func() { sim.Stop() })
	return sim
}

// startBoard wires a real driver to the simulator through its pty, the
// same path the CLI takes minus the physical UART.
func startBoard(t *testing.T, sim *simboard.Sim) *board.Board {
	t.Helper()
	port, err := simboard.OpenPort(sim.TTYName())
	require.NoError(t, err)

	sess, err := serio.NewSession(port, serio.Options{
		LogPath: filepath.Join(t.TempDir(), "session.log"),
		Logger:  quietLogger(),
	})
	require.NoError(t, err)

	b, err := board.New(board.Config{
		ID:            "sim-bench",
		SerialPort:    sim.TTYName(),
		SendInterval:  time.Millisecond,
		ExecTimeout:   2 * time.Second,
		RebootTimeout: 2 * time.Second,
		RebootSettle:  time.Millisecond,
	}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, b.StartWith(sess))
	t.Cleanup(func() { b.Stop() })
	return b
}

func TestStartExposesTTY(t *testing.T) {
	sim := startSim(t, simboard.Options{})
	require.True(t, strings.HasPrefix(sim.TTYName(), "/dev/"), "tty name %q", sim.TTYName())

	f, err := os.OpenFile(sim.TTYName(), os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()

	sim.Emit('I', "CTRL", "hello %d", 7)

	require.NoError(t, f.SetReadDeadline(time.Now().Add(2*time.Second)))
	sc := bufio.NewScanner(f)
	require.True(t, sc.Scan(), "no console output before deadline")
	line := strings.TrimRight(sc.Text(), "\r")
	assert.Regexp(t, `^\d+/simboard/I/CTRL/ 0 \| hello 7$`, line)
}

func TestDriverRoundTrip(t *testing.T) {
	sim := startSim(t, simboard.Options{})
	b := startBoard(t, sim)

	vol, err := b.Volume()
	require.NoError(t, err)
	assert.Equal(t, 8, vol)

	require.NoError(t, b.SetVolume(42))
	vol, err = b.Volume()
	require.NoError(t, err)
	assert.Equal(t, 42, vol)

	info, err := b.DeviceInfo()
	require.NoError(t, err)
	assert.Equal(t, "00:11:22:33:FF:EE", info.BluetoothAddress)
	assert.Equal(t, "simboard", info.BluetoothName)
	assert.Equal(t, "simboard LE", info.BLEName)

	level, err := b.BatteryLevel()
	require.NoError(t, err)
	assert.Equal(t, 100, level)

	assert.Contains(t, sim.Received(), "set_volume 42")
}

func TestDriverBoxMotions(t *testing.T) {
	sim := startSim(t, simboard.Options{})
	b := startBoard(t, sim)

	state, err := b.BoxState()
	require.NoError(t, err)
	assert.Equal(t, board.InBoxOpen, state)

	require.NoError(t, b.CloseBox())
	state, err = b.BoxState()
	require.NoError(t, err)
	assert.Equal(t, board.InBoxClosed, state)

	require.NoError(t, b.SetOnHead(true))
	state, err = b.BoxState()
	require.NoError(t, err)
	assert.Equal(t, board.OutBoxWorn, state)
}

func TestDriverReboot(t *testing.T) {
	sim := startSim(t, simboard.Options{})
	b := startBoard(t, sim)

	require.NoError(t, b.Reboot())
	assert.True(t, strings.HasPrefix(b.FirmwareVersion(), "sim-simboard:"),
		"firmware version %q", b.FirmwareVersion())
}

func TestDriverUnknownCommandRejected(t *testing.T) {
	sim := startSim(t, simboard.Options{})
	b := startBoard(t, sim)

	_, err := b.Command(board.Cmd("dance"))
	var notSupported *board.NotSupportedError
	require.ErrorAs(t, err, &notSupported)
	assert.Equal(t, "dance", notSupported.Command)
}

func TestRegisterOverridesHandler(t *testing.T) {
	sim := startSim(t, simboard.Options{})
	b := startBoard(t, sim)

	sim.Register("get_weather", func(args string) []simboard.Frame {
		return []simboard.Frame{
			simboard.Data("forecast: sunny"),
			simboard.Success(),
		}
	})

	out, err := b.Command(board.Cmd("get_weather"))
	require.NoError(t, err)
	assert.Equal(t, "forecast: sunny", out)
}

func TestEmitTriggersEvent(t *testing.T) {
	sim := startSim(t, simboard.Options{})
	b := startBoard(t, sim)

	go func() {
		time.Sleep(100 * time.Millisecond)
		sim.Emit('I', "APP", "weather update: sunny")
	}()

	rec, err := b.WaitEvent(logtap.EventOptions{Pattern: `weather update`}, 2*time.Second)
	require.NoError(t, err)
	assert.Contains(t, rec.Message, "sunny")
	assert.Equal(t, "APP", rec.Tag)
}

func TestRespondDeliversUnsolicitedFrames(t *testing.T) {
	sim := startSim(t, simboard.Options{})
	b := startBoard(t, sim)

	pub, err := b.Publisher()
	require.NoError(t, err)
	sub, err := pub.Response()
	require.NoError(t, err)
	defer sub.Close()

	sim.Respond(simboard.Data("charge: 80"), simboard.Success())

	require.True(t, sub.Wait(2*time.Second), "no response before deadline")
	resp := sub.Result()
	assert.True(t, resp.OK())
	assert.Equal(t, "charge: 80", resp.Message)
}

func TestStopTwice(t *testing.T) {
	sim := startSim(t, simboard.Options{})
	require.NoError(t, sim.Stop())
	require.NoError(t, sim.Stop())
	sim.Emit('I', "SYS", "after close")
}
