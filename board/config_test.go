package board_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/fwtap/board"
)

func writeTestbed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "testbed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadTestbed(t *testing.T) {
	path := writeTestbed(t, `
log_dir: /tmp/fwtap-logs
boards:
  - id: left
    serial_port: /dev/ttyUSB0
    bluetooth_address: "00:11:22:33:FF:EE"
  - id: right
    serial_port: /dev/ttyUSB1
    baud: 921600
    log_dir: /tmp/right-logs
`)

	tb, err := board.LoadTestbed(path)
	require.NoError(t, err)
	require.Len(t, tb.Boards, 2)

	left, ok := tb.Board("left")
	require.True(t, ok)
	assert.Equal(t, "/dev/ttyUSB0", left.SerialPort)
	assert.Equal(t, "00:11:22:33:FF:EE", left.BluetoothAddress)
	assert.Equal(t, 1152000, left.Baud)
	assert.Equal(t, "/tmp/fwtap-logs", left.LogDir)
	assert.Equal(t, time.Second, left.SendInterval)
	assert.Equal(t, 10*time.Second, left.ExecTimeout)
	assert.Equal(t, 30*time.Second, left.RebootTimeout)
	assert.Equal(t, 3*time.Second, left.RebootSettle)

	right, ok := tb.Board("right")
	require.True(t, ok)
	assert.Equal(t, 921600, right.Baud)
	assert.Equal(t, "/tmp/right-logs", right.LogDir)

	_, ok = tb.Board("missing")
	assert.False(t, ok)
}

func TestLoadTestbedMissingSerialPort(t *testing.T) {
	path := writeTestbed(t, `
boards:
  - id: left
`)
	_, err := board.LoadTestbed(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serial_port")
}

func TestLoadTestbedInvalidAddress(t *testing.T) {
	path := writeTestbed(t, `
boards:
  - id: left
    serial_port: /dev/ttyUSB0
    bluetooth_address: "123456"
`)
	_, err := board.LoadTestbed(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bluetooth_address")
}

func TestLoadTestbedDuplicateIDs(t *testing.T) {
	path := writeTestbed(t, `
boards:
  - id: left
    serial_port: /dev/ttyUSB0
  - id: left
    serial_port: /dev/ttyUSB1
`)
	_, err := board.LoadTestbed(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestLoadTestbedMissingID(t *testing.T) {
	path := writeTestbed(t, `
boards:
  - serial_port: /dev/ttyUSB0
`)
	_, err := board.LoadTestbed(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no id")
}

func TestLoadTestbedMissingFile(t *testing.T) {
	_, err := board.LoadTestbed(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	cfg := board.Config{ID: "x", SerialPort: "/dev/ttyUSB0"}
	assert.NoError(t, cfg.Validate())

	cfg.BluetoothAddress = "zz:11:22:33:44:55"
	assert.Error(t, cfg.Validate())

	cfg.BluetoothAddress = "00:11:22:33:44:55"
	assert.NoError(t, cfg.Validate())

	cfg.SerialPort = ""
	assert.Error(t, cfg.Validate())
}
