package logtap_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/fwtap/logtap"
)

func TestFirmwareParserHeaderLines(t *testing.T) {
	p := logtap.NewFirmwareParser()

	tests := []struct {
		name    string
		line    string
		time    string
		level   logtap.Level
		tag     string
		message string
	}{
		{
			name:    "audio decoder line",
			line:    "10516/R-M/I/AUDFLG/ 10 | [AUD][DECODER][SYNC]reset_data",
			time:    "10516",
			level:   logtap.LevelInfo,
			tag:     "AUDFLG",
			message: "[AUD][DECODER][SYNC]reset_data",
		},
		{
			name:    "no intermediate fields",
			line:    "2042/I/BT/ 3 | connected",
			time:    "2042",
			level:   logtap.LevelInfo,
			tag:     "BT",
			message: "connected",
		},
		{
			name:    "several intermediate fields",
			line:    "555/main/audio/D/A2DP/ core 1 | stream start",
			time:    "555",
			level:   logtap.LevelDebug,
			tag:     "A2DP",
			message: "stream start",
		},
		{
			name:    "tag padded before slash",
			line:    "7/I/GFPS  / 0 | model id set",
			time:    "7",
			level:   logtap.LevelInfo,
			tag:     "GFPS",
			message: "model id set",
		},
		{
			name:    "capture session host-time prefix",
			line:    "08-25 10:00:00.123\t10516/R-M/E/APP/ 10 | assert failed",
			time:    "10516",
			level:   logtap.LevelError,
			tag:     "APP",
			message: "assert failed",
		},
		{
			name:    "framed response payload",
			line:    "900/fw/I/MOBLY/ 0 | [MOBLY_TEST]:bt_addr: 112233445566",
			time:    "900",
			level:   logtap.LevelInfo,
			tag:     "MOBLY",
			message: "[MOBLY_TEST]:bt_addr: 112233445566",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := p.Parse(tt.line, nil)
			require.NotNil(t, rec, "header line must produce a record")

			assert.Equal(t, tt.time, rec.DeviceTime)
			assert.Equal(t, tt.level, rec.Level)
			assert.Equal(t, tt.tag, rec.Tag)
			assert.Equal(t, tt.message, rec.Message)
			assert.False(t, rec.HostTime.IsZero(), "host time must be stamped")
			assert.True(t, rec.Timestamp.IsZero(), "tick counts stay unparsed")
		})
	}
}

func TestFirmwareParserContinuation(t *testing.T) {
	p := logtap.NewFirmwareParser()

	prev := p.Parse("10516/R-M/I/AUDFLG/ 10 | first line", nil)
	require.NotNil(t, prev)

	rec := p.Parse("  01 02 03 04 05 06 07 08  ", prev)
	require.NotNil(t, rec, "continuation line must produce a record")

	assert.Equal(t, prev.DeviceTime, rec.DeviceTime)
	assert.Equal(t, prev.Level, rec.Level)
	assert.Equal(t, prev.Tag, rec.Tag)
	assert.Equal(t, "01 02 03 04 05 06 07 08", rec.Message, "message is the trimmed raw line")
	assert.NotSame(t, prev, rec)
}

func TestFirmwareParserContinuationChains(t *testing.T) {
	// A continuation record is itself the previous record for the next
	// line, so multi-line dumps keep inheriting the original header.
	p := logtap.NewFirmwareParser()

	rec := p.Parse("100/I/HCI/ 0 | acl dump:", nil)
	require.NotNil(t, rec)
	rec = p.Parse("0A 0B", rec)
	require.NotNil(t, rec)
	rec = p.Parse("0C 0D", rec)
	require.NotNil(t, rec)

	assert.Equal(t, "100", rec.DeviceTime)
	assert.Equal(t, "HCI", rec.Tag)
	assert.Equal(t, "0C 0D", rec.Message)
}

func TestFirmwareParserDrops(t *testing.T) {
	p := logtap.NewFirmwareParser()

	assert.Nil(t, p.Parse("stray text before any header", nil),
		"headerless line without a previous record is dropped")
	assert.Nil(t, p.Parse("", nil))
	assert.Nil(t, p.Parse("   \t  ", nil))

	prev := p.Parse("1/I/BT/ 0 | ok", nil)
	require.NotNil(t, prev)
	assert.Nil(t, p.Parse("", prev), "blank lines never continue a record")
}

func TestLogcatParserFields(t *testing.T) {
	p := logtap.NewLogcatParser()

	rec := p.Parse("01-02 03:45:01.100  1000  1001 I MockManager: Starting service.  ", nil)
	require.NotNil(t, rec)

	assert.Equal(t, "01-02 03:45:01.100", rec.DeviceTime)
	assert.Equal(t, logtap.LevelInfo, rec.Level)
	assert.Equal(t, "MockManager", rec.Tag)
	assert.Equal(t, "Starting service.", rec.Message, "message is trimmed")
	assert.Equal(t, 1000, rec.PID)
	assert.Equal(t, 1001, rec.TID)

	require.False(t, rec.Timestamp.IsZero())
	assert.Equal(t, time.Now().Year(), rec.Timestamp.Year())
	assert.Equal(t, time.January, rec.Timestamp.Month())
	assert.Equal(t, 2, rec.Timestamp.Day())
	assert.Equal(t, 3, rec.Timestamp.Hour())
	assert.Equal(t, 45, rec.Timestamp.Minute())
	assert.Equal(t, 1, rec.Timestamp.Second())
	assert.Equal(t, 100*int(time.Millisecond), rec.Timestamp.Nanosecond())
}

func TestLogcatParserDrops(t *testing.T) {
	p := logtap.NewLogcatParser()

	for _, line := range []string{
		"",
		"--------- beginning of main",
		"garbage without structure",
		"01-02 03:45:01  1000  1001 I Tag: missing millis",
		"junk prefix 01-02 03:45:01.100  1000  1001 I Tag: not anchored",
	} {
		assert.Nil(t, p.Parse(line, nil), "line %q must be dropped", line)
	}
}

func TestLogcatParserNoContinuation(t *testing.T) {
	p := logtap.NewLogcatParser()

	prev := p.Parse("01-02 03:45:01.100  1000  1001 I Tag: head", nil)
	require.NotNil(t, prev)
	assert.Nil(t, p.Parse("continuation-looking text", prev),
		"the fixed-field format has no continuation lines")
}
