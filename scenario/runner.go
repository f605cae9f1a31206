package scenario

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/fwtap/board"
)

// collectorBuffer is the ring size used when a run collects output
// instead of streaming it.
const collectorBuffer = 4096

// RunBoardScript executes a script against a started board, streaming
// captured output to stdout and stderr as it arrives. args are exposed
// to the script through the global arg table. Either writer may be nil
// to discard that stream.
//
// Output is emitted synchronously with the script, so by the time the
// script returns everything is buffered; the writers are guaranteed to
// have seen all of it before RunBoardScript returns.
func RunBoardScript(ctx context.Context, b *board.Board, log *logrus.Logger, script, name string, args map[string]string, stdout, stderr io.Writer) error {
	if log == nil {
		log = logrus.StandardLogger()
	}
	api := NewBoardAPI(b, log)
	defer api.Close()

	if err := api.LoadScript(withArgs(script, args), name); err != nil {
		return err
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for rec := range api.OutputChannel() {
			writeOutput(rec, stdout, stderr, log)
		}
	}()

	runErr := api.Run(ctx)

	// Closing the engine closes the output channel, which lets the
	// drain goroutine finish the backlog and exit.
	api.Close()
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		log.Warn("script output drain did not finish in time")
	}
	return runErr
}

// RunBoardScriptCollected executes a script against a started board and
// returns its whole output as plain text, for embedding in reports.
// Output beyond the collection buffer drops oldest-first.
//
// The script error and the collected output are independent: a failing
// script still yields whatever it printed before dying.
func RunBoardScriptCollected(ctx context.Context, b *board.Board, log *logrus.Logger, script, name string, args map[string]string) (string, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	api := NewBoardAPI(b, log)
	defer api.Close()

	if err := api.LoadScript(withArgs(script, args), name); err != nil {
		return "", err
	}

	col, err := NewCollector(api.OutputChannel(), collectorBuffer, func(cerr error) {
		log.WithError(cerr).Error("script output collection failed")
	})
	if err != nil {
		return "", err
	}
	if err := col.Start(); err != nil {
		return "", err
	}

	runErr := api.Run(ctx)

	// Stop flushes whatever the script left in the channel before the
	// ring is drained.
	if err := col.Stop(); err != nil {
		log.WithError(err).Warn("script output collector stopped uncleanly")
	}
	out, err := col.ConsumePlainText()
	if err != nil {
		if runErr != nil {
			return out, runErr
		}
		return out, fmt.Errorf("drain script output: %w", err)
	}
	return out, runErr
}

// withArgs prepends the arg table initialization to the script. Keys
// are emitted in sorted order so reruns produce identical chunks.
func withArgs(script string, args map[string]string) string {
	if len(args) == 0 {
		return script
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("arg = {}\n")
	for _, k := range keys {
		fmt.Fprintf(&sb, "arg[%q] = %q\n", k, args[k])
	}
	sb.WriteString(script)
	return sb.String()
}

func writeOutput(rec OutputRecord, stdout, stderr io.Writer, log *logrus.Logger) {
	w := stdout
	if rec.Source == OutputStderr {
		w = stderr
	}
	if w == nil {
		return
	}
	if _, err := io.WriteString(w, rec.Content); err != nil {
		log.WithError(err).Debug("failed to write script output")
	}
}
