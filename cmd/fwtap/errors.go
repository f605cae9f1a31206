package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/srg/fwtap/advert"
	"github.com/srg/fwtap/board"
	"github.com/srg/fwtap/scenario"
)

// FormatUserError turns an error chain into the message printed on exit.
// The typed errors of the board driver and the scenario engine already
// read well on their own; this adds the recovery hint a bench operator
// needs, and keeps Go error plumbing noise out of the terminal.
func FormatUserError(err error) string {
	var (
		timeoutErr *board.TimeoutError
		sessErr    *board.SessionError
		cmdErr     *board.CommandError
		scriptErr  *scenario.ScriptError
	)
	switch {
	case errors.As(err, &timeoutErr):
		return fmt.Sprintf("%s\nCheck that the board is powered and the console baud rate matches.", timeoutErr)
	case errors.As(err, &sessErr):
		return fmt.Sprintf("%s\nThe serial connection dropped; check the cable and replug the board.", sessErr)
	case errors.As(err, &cmdErr):
		return cmdErr.Error()
	case errors.As(err, &scriptErr):
		return scriptErr.Error()
	case errors.Is(err, board.ErrNotStarted):
		return "board driver is not started"
	case errors.Is(err, advert.ErrNotSeen):
		return fmt.Sprintf("%s\nIs the board advertising? Enable pairing mode and retry.", err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Sprintf("%s\nSerial and Bluetooth devices usually need dialout group membership or root.", err)
	case errors.Is(err, context.DeadlineExceeded):
		return "operation timed out"
	default:
		return err.Error()
	}
}
