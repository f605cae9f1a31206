package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gobwas/glob"
	"github.com/spf13/cobra"

	"github.com/srg/fwtap/internal/serio"
	"github.com/srg/fwtap/logtap"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live view of a board's firmware log",
	Long: `Tails a board's log stream and prints every record that passes the
filters, colorized by severity.

The stream comes either straight off a serial console (--port) or from a
log file that another session is writing (--file). Firmware consoles use
the tick-stamped firmware line format; --format logcat reads system log
captures instead.

Examples:
  fwtap monitor --port /dev/ttyUSB0
  fwtap monitor --port /dev/ttyUSB0 --tag 'BT*' --level W
  fwtap monitor --file bench/board1_serial.log --pattern 'pairing'
  fwtap monitor --file app.logcat --format logcat --json`,
	RunE: runMonitor,
}

var (
	monitorPort    string
	monitorBaud    int
	monitorFile    string
	monitorFormat  string
	monitorTag     string
	monitorLevel   string
	monitorPattern string
	monitorJSON    bool
	monitorNoColor bool
)

func init() {
	monitorCmd.Flags().StringVarP(&monitorPort, "port", "p", "", "Serial port to capture, e.g. /dev/ttyUSB0")
	monitorCmd.Flags().IntVar(&monitorBaud, "baud", 1152000, "Serial console speed")
	monitorCmd.Flags().StringVarP(&monitorFile, "file", "f", "", "Follow an existing log file instead of a port")
	monitorCmd.Flags().StringVar(&monitorFormat, "format", "firmware", "Line format (firmware, logcat)")
	monitorCmd.Flags().StringVar(&monitorTag, "tag", "*", "Tag glob filter, '*' and '?' wildcards")
	monitorCmd.Flags().StringVar(&monitorLevel, "level", "*", "Minimum severity (V, D, I, W, E, F, S; '*' for all)")
	monitorCmd.Flags().StringVar(&monitorPattern, "pattern", "", "Regular expression matched anywhere in the message")
	monitorCmd.Flags().BoolVar(&monitorJSON, "json", false, "Print one JSON record per line instead of text")
	monitorCmd.Flags().BoolVar(&monitorNoColor, "no-color", false, "Disable colorized output")
}

// recordFilter is the compiled form of the --tag/--level/--pattern flags.
type recordFilter struct {
	tag     glob.Glob
	min     logtap.Level
	pattern *regexp.Regexp // nil accepts every message
}

func compileFilter(tagGlob, level, pattern string) (*recordFilter, error) {
	tag, err := glob.Compile(tagGlob)
	if err != nil {
		return nil, fmt.Errorf("invalid tag glob %q: %w", tagGlob, err)
	}
	min, err := logtap.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	f := &recordFilter{tag: tag, min: min}
	if pattern != "" {
		f.pattern, err = regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern: %w", err)
		}
	}
	return f, nil
}

func (f *recordFilter) match(r *logtap.Record) bool {
	if !f.tag.Match(r.Tag) {
		return false
	}
	if !r.Level.AtLeast(f.min) {
		return false
	}
	return f.pattern == nil || f.pattern.MatchString(r.Message)
}

func monitorParser() (logtap.Parser, error) {
	switch monitorFormat {
	case "firmware":
		return logtap.NewFirmwareParser(), nil
	case "logcat":
		return logtap.NewLogcatParser(), nil
	default:
		return nil, fmt.Errorf("invalid format %q: must be firmware or logcat", monitorFormat)
	}
}

func runMonitor(cmd *cobra.Command, args []string) error {
	if monitorPort == "" && monitorFile == "" {
		return fmt.Errorf("nothing to monitor: use --port or --file")
	}
	if monitorPort != "" && monitorFile != "" {
		return fmt.Errorf("--port and --file are mutually exclusive")
	}

	parser, err := monitorParser()
	if err != nil {
		return err
	}
	filter, err := compileFilter(monitorTag, monitorLevel, monitorPattern)
	if err != nil {
		return err
	}
	if monitorNoColor {
		color.NoColor = true
	}

	logger, err := configureLogger(cmd, "")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	var src logtap.Source
	if monitorPort != "" {
		sess, err := serio.Open(serio.Options{
			Device: monitorPort,
			Baud:   monitorBaud,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		defer sess.Close()
		src, err = logtap.Follow(sess.LogPath())
		if err != nil {
			return err
		}
	} else {
		src, err = logtap.Follow(monitorFile)
		if err != nil {
			return err
		}
	}
	defer src.Close()

	// Ctrl+C closes the source, which unblocks the read loop with EOF.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		src.Close()
	}()

	return tailRecords(src, parser, filter, os.Stdout)
}

// tailRecords is the monitor loop: read, parse, filter, print, until the
// source ends.
func tailRecords(src logtap.Source, parser logtap.Parser, filter *recordFilter, w io.Writer) error {
	var prev *logtap.Record
	for {
		line, err := src.ReadLine()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		rec := parser.Parse(line, prev)
		if rec == nil {
			continue
		}
		prev = rec
		if !filter.match(rec) {
			continue
		}
		if err := printRecord(w, rec, monitorJSON); err != nil {
			return err
		}
	}
}

var levelColors = map[logtap.Level]*color.Color{
	logtap.LevelVerbose: color.New(color.FgHiBlack),
	logtap.LevelDebug:   color.New(color.FgCyan),
	logtap.LevelInfo:    color.New(color.FgGreen),
	logtap.LevelWarning: color.New(color.FgYellow),
	logtap.LevelError:   color.New(color.FgRed),
	logtap.LevelFatal:   color.New(color.FgRed, color.Bold),
	logtap.LevelSilent:  color.New(color.FgMagenta),
}

// wireRecord is the JSON shape of one monitored record.
type wireRecord struct {
	DeviceTime string    `json:"device_time"`
	Level      string    `json:"level"`
	Tag        string    `json:"tag"`
	Message    string    `json:"message"`
	PID        int       `json:"pid,omitempty"`
	TID        int       `json:"tid,omitempty"`
	HostTime   time.Time `json:"host_time"`
	Raw        string    `json:"raw"`
}

func printRecord(w io.Writer, r *logtap.Record, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(wireRecord{
			DeviceTime: r.DeviceTime,
			Level:      r.Level.String(),
			Tag:        r.Tag,
			Message:    r.Message,
			PID:        r.PID,
			TID:        r.TID,
			HostTime:   r.HostTime,
			Raw:        r.Raw,
		})
	}
	c, ok := levelColors[r.Level]
	if !ok {
		_, err := fmt.Fprintln(w, r.String())
		return err
	}
	_, err := c.Fprintln(w, r.String())
	return err
}
