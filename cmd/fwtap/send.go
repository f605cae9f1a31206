package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srg/fwtap/board"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send <command> [args...]",
	Short: "Send a firmware shell command and print its response",
	Long: `Sends one command to the board's firmware test shell and waits for the
framed response. The response payload goes to stdout; a firmware error
code or a reject becomes a non-zero exit.

Examples:
  fwtap send --port /dev/ttyUSB0 get_device_info
  fwtap send --port /dev/ttyUSB0 set_volume 11
  fwtap send --testbed bench.yaml --board left reboot --no-wait`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

var (
	sendBoard  boardFlags
	sendNoWait bool
)

func init() {
	sendBoard.register(sendCmd)
	sendCmd.Flags().BoolVar(&sendNoWait, "no-wait", false, "Fire and forget, do not wait for a response")
}

func runSend(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	b, err := attachBoard(&sendBoard, logger)
	if err != nil {
		return err
	}
	defer b.Stop()

	command := board.Cmd(strings.Join(args, " "))
	if sendNoWait {
		return b.CommandNoWait(command)
	}

	out, err := b.Command(command)
	if err != nil {
		return err
	}
	if out != "" {
		fmt.Println(out)
	}
	return nil
}
