package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the board's identity block",
	Long: `Queries the firmware's device info and prints every reported field in
firmware order: addresses, names and whatever else the build exposes.

Examples:
  fwtap info --port /dev/ttyUSB0
  fwtap info --testbed bench.yaml --board left --json`,
	RunE: runInfo,
}

var (
	infoBoard boardFlags
	infoJSON  bool
)

func init() {
	infoBoard.register(infoCmd)
	infoCmd.Flags().BoolVar(&infoJSON, "json", false, "Output as JSON")
}

func runInfo(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	b, err := attachBoard(&infoBoard, logger)
	if err != nil {
		return err
	}
	defer b.Stop()

	info, err := b.DeviceInfoMap()
	if err != nil {
		return err
	}

	if infoJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(info)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for pair := info.Oldest(); pair != nil; pair = pair.Next() {
		fmt.Fprintf(w, "%s\t%s\n", pair.Key, pair.Value)
	}
	return w.Flush()
}
