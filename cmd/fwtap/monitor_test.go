package main

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/fwtap/internal/testutils"
	"github.com/srg/fwtap/logtap"
)

func TestCompileFilter(t *testing.T) {
	f, err := compileFilter("BT*", "W", "pair")
	require.NoError(t, err)

	match := &logtap.Record{Tag: "BT_STACK", Level: logtap.LevelError, Message: "pairing failed"}
	assert.True(t, f.match(match))

	assert.False(t, f.match(&logtap.Record{Tag: "APP", Level: logtap.LevelError, Message: "pairing failed"}),
		"tag outside the glob")
	assert.False(t, f.match(&logtap.Record{Tag: "BT_STACK", Level: logtap.LevelInfo, Message: "pairing failed"}),
		"below minimum level")
	assert.False(t, f.match(&logtap.Record{Tag: "BT_STACK", Level: logtap.LevelError, Message: "volume changed"}),
		"message without the pattern")
}

func TestCompileFilterDefaultsMatchEverything(t *testing.T) {
	f, err := compileFilter("*", "*", "")
	require.NoError(t, err)

	assert.True(t, f.match(&logtap.Record{Tag: "ANY", Level: logtap.LevelVerbose, Message: "x"}))
	assert.True(t, f.match(&logtap.Record{Tag: "OTHER", Level: logtap.LevelSilent, Message: ""}))
}

func TestCompileFilterRejectsBadInput(t *testing.T) {
	_, err := compileFilter("*", "VERBOSE", "")
	assert.Error(t, err, "multi-character level")

	_, err = compileFilter("*", "*", "(unclosed")
	assert.Error(t, err, "broken regex")

	_, err = compileFilter("[", "*", "")
	assert.Error(t, err, "broken glob")
}

func TestTailRecordsFiltersAndFormats(t *testing.T) {
	restore := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = restore })

	stream := strings.Join([]string{
		"100/fw/I/APP/ 0 | volume changed",
		"101/fw/W/BT/ 0 | pairing slow",
		"wrapped continuation line",
		"102/fw/D/APP/ 0 | noise",
	}, "\n") + "\n"
	src := logtap.NewReaderSource(io.NopCloser(strings.NewReader(stream)))

	filter, err := compileFilter("*", "W", "")
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, tailRecords(src, logtap.NewFirmwareParser(), filter, &out))

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 2, "the W record and its continuation pass, I and D do not")
	assert.Equal(t, "101 W/BT: pairing slow", lines[0])
	assert.Equal(t, "101 W/BT: wrapped continuation line", lines[1])
}

func TestPrintRecordJSON(t *testing.T) {
	rec := &logtap.Record{
		DeviceTime: "4711",
		Level:      logtap.LevelWarning,
		Tag:        "BT",
		Message:    "pairing slow",
		HostTime:   time.Now(),
		Raw:        "4711/fw/W/BT/ 0 | pairing slow",
	}

	var out bytes.Buffer
	require.NoError(t, printRecord(&out, rec, true))

	testutils.NewJSONAsserter(t).
		WithOptions(testutils.WithIgnoreExtraKeys(false)).
		Assert(out.String(), `{
			"device_time": "4711",
			"level": "W",
			"tag": "BT",
			"message": "pairing slow",
			"host_time": "`+testutils.Presence+`",
			"raw": "4711/fw/W/BT/ 0 | pairing slow"
		}`)
}

func TestMonitorParserSelection(t *testing.T) {
	restore := monitorFormat
	t.Cleanup(func() { monitorFormat = restore })

	monitorFormat = "firmware"
	p, err := monitorParser()
	require.NoError(t, err)
	require.NotNil(t, p.Parse("100/fw/I/APP/ 0 | hello", nil))

	monitorFormat = "logcat"
	p, err = monitorParser()
	require.NoError(t, err)
	require.NotNil(t, p.Parse("03-25 10:00:00.123  1234  5678 I ActivityManager: start", nil))

	monitorFormat = "csv"
	_, err = monitorParser()
	assert.Error(t, err)
}
