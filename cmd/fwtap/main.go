package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fwtap",
	Short: "Bluetooth devboard console harness",
	Long: `Console-level test harness for Bluetooth devboards:

- Monitor the firmware log of a serial-attached board, filtered and colorized
- Send firmware shell commands and capture their framed responses
- Drive reboot, pairing and device-info flows from the command line
- Run Lua scenarios against a board with full log correlation
- Watch the air for the board's BLE advertisements
- Emulate a board on a pty for developing against no hardware

Built for firmware bring-up benches and hardware-in-the-loop test rigs.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		// Print user-friendly error message
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	// Add subcommands
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(rebootCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(advCmd)
	rootCmd.AddCommand(excerptCmd)
	rootCmd.AddCommand(simCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
