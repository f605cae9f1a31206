package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/fwtap/board"
)

// boardFlags is the board selection block shared by every command that
// talks to a devboard: either a testbed file plus a board id, or a serial
// port described inline.
type boardFlags struct {
	testbed     string
	boardID     string
	port        string
	baud        int
	address     string
	logDir      string
	execTimeout time.Duration
}

func (f *boardFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.testbed, "testbed", "", "Testbed YAML file describing the bench")
	cmd.Flags().StringVar(&f.boardID, "board", "", "Board id within the testbed (default: first board)")
	cmd.Flags().StringVarP(&f.port, "port", "p", "", "Serial port of the board console, e.g. /dev/ttyUSB0")
	cmd.Flags().IntVar(&f.baud, "baud", 1152000, "Serial console speed")
	cmd.Flags().StringVar(&f.address, "address", "", "Expected Bluetooth address; a mismatching board is reprogrammed")
	cmd.Flags().StringVar(&f.logDir, "log-dir", "", "Directory for session logs (default: temp file)")
	cmd.Flags().DurationVar(&f.execTimeout, "exec-timeout", 0, "Command response timeout (default: 10s)")
}

// config resolves the flags into one board configuration. The testbed
// path and the inline port are mutually exclusive ways to name the board.
func (f *boardFlags) config() (board.Config, error) {
	if f.testbed != "" && f.port != "" {
		return board.Config{}, errors.New("--testbed and --port are mutually exclusive")
	}

	if f.testbed != "" {
		tb, err := board.LoadTestbed(f.testbed)
		if err != nil {
			return board.Config{}, err
		}
		if len(tb.Boards) == 0 {
			return board.Config{}, fmt.Errorf("testbed %s lists no boards", f.testbed)
		}
		cfg := tb.Boards[0]
		if f.boardID != "" {
			c, ok := tb.Board(f.boardID)
			if !ok {
				return board.Config{}, fmt.Errorf("board %q not found in testbed %s", f.boardID, f.testbed)
			}
			cfg = *c
		}
		if f.execTimeout > 0 {
			cfg.ExecTimeout = f.execTimeout
		}
		return cfg, nil
	}

	if f.port == "" {
		return board.Config{}, errors.New("no board selected: use --testbed or --port")
	}
	cfg := board.Config{
		ID:               f.boardID,
		SerialPort:       f.port,
		BluetoothAddress: f.address,
		Baud:             f.baud,
		LogDir:           f.logDir,
		ExecTimeout:      f.execTimeout,
	}
	return cfg, nil
}

// attachBoard builds and starts the driver for the selected board. The
// caller owns the returned board and must Stop it.
func attachBoard(f *boardFlags, log *logrus.Logger) (*board.Board, error) {
	cfg, err := f.config()
	if err != nil {
		return nil, err
	}
	b, err := board.New(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := b.Start(); err != nil {
		return nil, err
	}
	return b, nil
}
