package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// rebootCmd represents the reboot command
var rebootCmd = &cobra.Command{
	Use:   "reboot",
	Short: "Reboot the board and wait for it to come back",
	Long: `Restarts the firmware and blocks until the Bluetooth stack announces it
is up again. Prints the firmware version banner captured during boot.

With --factory the board's persistent state is wiped first; --wait-access
additionally holds until the board is discoverable again.

Examples:
  fwtap reboot --port /dev/ttyUSB0
  fwtap reboot --testbed bench.yaml --board left --factory`,
	RunE: runReboot,
}

var (
	rebootBoard      boardFlags
	rebootFactory    bool
	rebootWaitAccess bool
)

func init() {
	rebootBoard.register(rebootCmd)
	rebootCmd.Flags().BoolVar(&rebootFactory, "factory", false, "Factory reset instead of a plain reboot")
	rebootCmd.Flags().BoolVar(&rebootWaitAccess, "wait-access", false, "With --factory, wait until the board is discoverable")
}

func runReboot(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	b, err := attachBoard(&rebootBoard, logger)
	if err != nil {
		return err
	}
	defer b.Stop()

	if rebootFactory {
		err = b.FactoryReset(rebootWaitAccess)
	} else {
		err = b.Reboot()
	}
	if err != nil {
		return err
	}

	if v := b.FirmwareVersion(); v != "" {
		fmt.Println(v)
	}
	return nil
}
