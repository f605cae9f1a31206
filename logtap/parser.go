package logtap

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Parser turns one raw line into a Record. A nil result drops the line;
// parse and timestamp failures are always recovered this way so that a
// single bad line can never take down a publisher. prev carries the last
// record produced from the same stream, for formats with continuation
// lines.
type Parser interface {
	Parse(line string, prev *Record) *Record
}

var (
	firmwareLineRegex = regexp.MustCompile(
		`(?P<time>\d+)/(?:.+/)*(?P<level>[VDIWEFS])/(?P<tag>.+?)\s*/.+\|\s*(?P<message>.*)`)

	logcatLineRegex = regexp.MustCompile(
		`^(?P<time>\d\d-\d\d \d\d:\d\d:\d\d\.\d\d\d)\s+` +
			`(?P<pid>\d+)\s+(?P<tid>\d+)\s+(?P<level>[VDIWEFS])\s+` +
			`(?P<tag>.+?)\s*:\s+(?P<message>.*)`)
)

var (
	fwTimeIdx    = firmwareLineRegex.SubexpIndex("time")
	fwLevelIdx   = firmwareLineRegex.SubexpIndex("level")
	fwTagIdx     = firmwareLineRegex.SubexpIndex("tag")
	fwMessageIdx = firmwareLineRegex.SubexpIndex("message")

	lcTimeIdx    = logcatLineRegex.SubexpIndex("time")
	lcPidIdx     = logcatLineRegex.SubexpIndex("pid")
	lcTidIdx     = logcatLineRegex.SubexpIndex("tid")
	lcLevelIdx   = logcatLineRegex.SubexpIndex("level")
	lcTagIdx     = logcatLineRegex.SubexpIndex("tag")
	lcMessageIdx = logcatLineRegex.SubexpIndex("message")
)

// logcatTimeLayout matches the device-side "MM-DD HH:MM:SS.mmm" stamp.
// The year is not part of the line and is taken from the host clock.
const logcatTimeLayout = "01-02 15:04:05.000"

type firmwareParser struct{}

// NewFirmwareParser returns the parser for firmware serial captures:
// `<tick>/<...>/<level>/<tag>/<...>| <message>`. The header is located by
// search, so a host-timestamp prefix added by the capture session does not
// defeat it. Lines without a header continue the previous record: they
// inherit its time, level and tag and carry the whole line as message.
// Firmware streams wrap long HCI dumps over multiple raw lines this way.
func NewFirmwareParser() Parser {
	return firmwareParser{}
}

func (firmwareParser) Parse(line string, prev *Record) *Record {
	raw := strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	if m := firmwareLineRegex.FindStringSubmatch(trimmed); m != nil {
		return &Record{
			DeviceTime: m[fwTimeIdx],
			Level:      Level(m[fwLevelIdx][0]),
			Tag:        m[fwTagIdx],
			Message:    m[fwMessageIdx],
			HostTime:   time.Now(),
			Raw:        raw,
		}
	}
	if prev == nil {
		return nil
	}
	return &Record{
		DeviceTime: prev.DeviceTime,
		Timestamp:  prev.Timestamp,
		Level:      prev.Level,
		Tag:        prev.Tag,
		Message:    trimmed,
		HostTime:   time.Now(),
		Raw:        raw,
	}
}

type logcatParser struct{}

// NewLogcatParser returns the parser for the fixed-field system log format:
// `MM-DD HH:MM:SS.mmm  <pid>  <tid> <level> <tag>: <message>`, anchored at
// the start of the line. There is no continuation handling; anything that
// does not match the header is dropped.
func NewLogcatParser() Parser {
	return logcatParser{}
}

func (logcatParser) Parse(line string, _ *Record) *Record {
	m := logcatLineRegex.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	ts, err := time.ParseInLocation(logcatTimeLayout, m[lcTimeIdx], time.Local)
	if err != nil {
		return nil
	}
	ts = ts.AddDate(time.Now().Year(), 0, 0)
	pid, err := strconv.Atoi(m[lcPidIdx])
	if err != nil {
		return nil
	}
	tid, err := strconv.Atoi(m[lcTidIdx])
	if err != nil {
		return nil
	}
	return &Record{
		DeviceTime: m[lcTimeIdx],
		Timestamp:  ts,
		Level:      Level(m[lcLevelIdx][0]),
		Tag:        m[lcTagIdx],
		Message:    strings.TrimSpace(m[lcMessageIdx]),
		PID:        pid,
		TID:        tid,
		HostTime:   time.Now(),
		Raw:        strings.TrimRight(line, "\r\n"),
	}
}
