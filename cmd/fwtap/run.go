package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/fwtap"
	"github.com/srg/fwtap/scenario"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run [script.lua]",
	Short: "Run a Lua scenario against the board",
	Long: `Executes a Lua script with the board exposed as the global 'board'
table: send commands, wait for log events, read device info, all with
responses correlated out of the live firmware log.

Without a script argument the embedded smoke check runs; --builtin picks
one of the embedded scenarios by name.

Script output streams to stdout/stderr as it is printed; --output
collects it into a file instead, for report attachments.

Examples:
  fwtap run --port /dev/ttyUSB0
  fwtap run --port /dev/ttyUSB0 pairing_test.lua --arg peer=AA:BB:CC:DD:EE:FF
  fwtap run --testbed bench.yaml --board left --builtin soak --arg rounds=20
  fwtap run --port /dev/ttyUSB0 soak.lua --output soak_report.txt`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

var (
	runBoard   boardFlags
	runBuiltin string
	runArgs    []string
	runOutput  string
	runTimeout time.Duration
)

func init() {
	runBoard.register(runCmd)
	runCmd.Flags().StringVar(&runBuiltin, "builtin", "", "Embedded scenario to run (smoke, soak)")
	runCmd.Flags().StringArrayVar(&runArgs, "arg", nil, "Script argument as key=value, repeatable")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "Collect script output into this file instead of streaming")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Abort the script after this long (0 for no limit)")
}

// builtinScript resolves an embedded scenario by name.
func builtinScript(name string) (script, source string, err error) {
	switch name {
	case "smoke":
		return fwtap.DefaultSmokeScript, "builtin:smoke.lua", nil
	case "soak":
		return fwtap.DefaultSoakScript, "builtin:soak.lua", nil
	default:
		return "", "", fmt.Errorf("unknown builtin %q: must be smoke or soak", name)
	}
}

// parseScriptArgs turns repeated key=value flags into the script's arg
// table entries.
func parseScriptArgs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	args := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --arg %q: want key=value", pair)
		}
		args[k] = v
	}
	return args, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	if len(args) == 1 && runBuiltin != "" {
		return fmt.Errorf("a script file and --builtin are mutually exclusive")
	}

	var script, source string
	switch {
	case len(args) == 1:
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read script: %w", err)
		}
		script, source = string(raw), filepath.Base(args[0])
	case runBuiltin != "":
		var err error
		script, source, err = builtinScript(runBuiltin)
		if err != nil {
			return err
		}
	default:
		script, source = fwtap.DefaultSmokeScript, "builtin:smoke.lua"
	}

	scriptArgs, err := parseScriptArgs(runArgs)
	if err != nil {
		return err
	}

	logger, err := configureLogger(cmd, "")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	b, err := attachBoard(&runBoard, logger)
	if err != nil {
		return err
	}
	defer b.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if runTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	// Ctrl+C cancels the script at its next yield point.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Info("interrupt received, canceling script")
		cancel()
	}()

	if runOutput == "" {
		return scenario.RunBoardScript(ctx, b, logger, script, source, scriptArgs, os.Stdout, os.Stderr)
	}

	out, runErr := scenario.RunBoardScriptCollected(ctx, b, logger, script, source, scriptArgs)
	// A failing script still produced output worth keeping.
	if werr := os.WriteFile(runOutput, []byte(out), 0o644); werr != nil {
		if runErr != nil {
			return runErr
		}
		return fmt.Errorf("write script output: %w", werr)
	}
	return runErr
}
