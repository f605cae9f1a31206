package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srg/fwtap/internal/clip"
)

// excerptCmd represents the excerpt command
var excerptCmd = &cobra.Command{
	Use:   "excerpt",
	Short: "Cut a per-step excerpt out of a session log",
	Long: `Copies the part of a session log written since the last mark into its
own file, so each test step gets just its slice of the board output.

The mark position persists in a sidecar file next to the log
(<log>.mark), which lets marks and excerpts span separate fwtap
invocations:

  fwtap excerpt --file bench/board1_serial.log --mark
  ... run the test step ...
  fwtap excerpt --file bench/board1_serial.log --out step1_log.txt`,
	RunE: runExcerpt,
}

var (
	excerptFile string
	excerptMark bool
	excerptOut  string
)

func init() {
	excerptCmd.Flags().StringVarP(&excerptFile, "file", "f", "", "Session log to excerpt from (required)")
	excerptCmd.Flags().BoolVar(&excerptMark, "mark", false, "Move the mark to the current end of the log")
	excerptCmd.Flags().StringVarP(&excerptOut, "out", "o", "", "Write the excerpt since the last mark to this file")
	_ = excerptCmd.MarkFlagRequired("file")
}

func markPath(logPath string) string { return logPath + ".mark" }

// loadMark reads the persisted mark offset, zero when none was saved.
func loadMark(logPath string) (int64, error) {
	raw, err := os.ReadFile(markPath(logPath))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read mark: %w", err)
	}
	offset, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt mark file %s: %w", markPath(logPath), err)
	}
	return offset, nil
}

func saveMark(logPath string, offset int64) error {
	if err := os.WriteFile(markPath(logPath), []byte(strconv.FormatInt(offset, 10)+"\n"), 0o644); err != nil {
		return fmt.Errorf("save mark: %w", err)
	}
	return nil
}

func runExcerpt(cmd *cobra.Command, args []string) error {
	if excerptMark == (excerptOut != "") {
		return fmt.Errorf("exactly one of --mark or --out is required")
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	offset, err := loadMark(excerptFile)
	if err != nil {
		return err
	}
	c := clip.NewAt(excerptFile, offset)

	if excerptMark {
		if err := c.Mark(); err != nil {
			return err
		}
		return saveMark(excerptFile, c.Offset())
	}

	n, err := c.Excerpt(excerptOut)
	if err != nil {
		return err
	}
	if err := saveMark(excerptFile, c.Offset()); err != nil {
		return err
	}
	fmt.Printf("%d bytes -> %s\n", n, excerptOut)
	return nil
}
