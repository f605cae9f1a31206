package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/fwtap/internal/simboard"
)

// simCmd represents the sim command
var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Emulate a devboard console on a pty",
	Long: `Starts a simulated board that answers the firmware test shell on a
pseudo-terminal and prints the pty path. Point any other fwtap command
(or the harness under development) at that path as if it were a real
serial console.

The simulator serves until interrupted.

Example:
  fwtap sim --chatter 2s
  fwtap send --port "$(fwtap sim ... )" get_device_info   # in another shell`,
	RunE: runSim,
}

var (
	simName    string
	simAddress string
	simChatter time.Duration
)

func init() {
	simCmd.Flags().StringVar(&simName, "name", "simboard", "Source name on emitted log lines")
	simCmd.Flags().StringVar(&simAddress, "address", "", "Bluetooth address the simulated firmware reports")
	simCmd.Flags().DurationVar(&simChatter, "chatter", 0, "Emit a heartbeat line at this interval (0 for none)")
}

func runSim(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	sim, err := simboard.Start(simboard.Options{
		Name:    simName,
		Address: simAddress,
		Chatter: simChatter,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer sim.Stop()

	fmt.Println(sim.TTYName())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	<-sigCh

	return nil
}
