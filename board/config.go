package board

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"

	"github.com/srg/fwtap/internal/btutil"
)

// Config describes one attached devboard.
type Config struct {
	// ID names the board in logs and testbed lookups.
	ID string `yaml:"id"`

	// SerialPort is the device path of the UART console, e.g.
	// /dev/ttyUSB0.
	SerialPort string `yaml:"serial_port"`

	// BluetoothAddress is the address the board is expected to come up
	// with. When set, Start verifies it and reprograms the board on a
	// mismatch.
	BluetoothAddress string `yaml:"bluetooth_address"`

	// Baud is the console speed.
	Baud int `yaml:"baud" default:"1152000"`

	// HardReset allows Start to nudge an unresponsive board with a
	// power-on command before retrying its initial setup.
	HardReset bool `yaml:"hard_reset"`

	// LogDir receives the session log. Empty means a temp file.
	LogDir string `yaml:"log_dir"`

	// Exchange timing. Not read from the testbed file.
	SendInterval  time.Duration `yaml:"-" default:"1s"`
	ExecTimeout   time.Duration `yaml:"-" default:"10s"`
	RebootTimeout time.Duration `yaml:"-" default:"30s"`
	RebootSettle  time.Duration `yaml:"-" default:"3s"`
}

// Validate checks the fields a driver cannot supply on its own.
func (c *Config) Validate() error {
	if c.SerialPort == "" {
		return fmt.Errorf("board %q: serial_port is required", c.ID)
	}
	if c.BluetoothAddress != "" && !btutil.IsValidAddress(c.BluetoothAddress) {
		return fmt.Errorf("board %q: invalid bluetooth_address %q", c.ID, c.BluetoothAddress)
	}
	return nil
}

// Testbed is the YAML description of every board on the bench.
type Testbed struct {
	// LogDir is the default log directory, inherited by boards that do
	// not set their own.
	LogDir string `yaml:"log_dir"`

	Boards []Config `yaml:"boards"`
}

// LoadTestbed reads and validates a testbed file.
func LoadTestbed(path string) (*Testbed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read testbed: %w", err)
	}
	var tb Testbed
	if err := yaml.Unmarshal(raw, &tb); err != nil {
		return nil, fmt.Errorf("parse testbed %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(tb.Boards))
	for i := range tb.Boards {
		cfg := &tb.Boards[i]
		defaults.SetDefaults(cfg)
		if cfg.LogDir == "" {
			cfg.LogDir = tb.LogDir
		}
		if cfg.ID == "" {
			return nil, fmt.Errorf("testbed %s: board %d has no id", path, i)
		}
		if _, dup := seen[cfg.ID]; dup {
			return nil, fmt.Errorf("testbed %s: duplicate board id %q", path, cfg.ID)
		}
		seen[cfg.ID] = struct{}{}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("testbed %s: %w", path, err)
		}
	}
	return &tb, nil
}

// Board returns the config with the given id.
func (t *Testbed) Board(id string) (*Config, bool) {
	for i := range t.Boards {
		if t.Boards[i].ID == id {
			return &t.Boards[i], true
		}
	}
	return nil, false
}
