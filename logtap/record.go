package logtap

import (
	"fmt"
	"time"
)

// Record is one parsed log line. Records are immutable once published; the
// same instance is shared by reference with every subscriber of a fan-out
// pass, so handlers must never modify one.
type Record struct {
	// DeviceTime is the timestamp text as reported by the source. Firmware
	// streams report a tick count relative to boot, so this stays opaque.
	DeviceTime string

	// Timestamp is the structured device time when the source format allows
	// parsing one (logcat), zero otherwise.
	Timestamp time.Time

	Level   Level
	Tag     string
	Message string

	// PID and TID are present for logcat records, zero otherwise.
	PID int
	TID int

	// HostTime is the wall-clock time at which the host observed the line,
	// for cross-device alignment.
	HostTime time.Time

	// Raw is the original line with the trailing newline removed.
	Raw string

	// Seq is the publisher-assigned fan-out sequence number, strictly
	// increasing per publisher. Zero for records that never went through a
	// publisher.
	Seq uint64
}

func (r *Record) String() string {
	return fmt.Sprintf("%s %s/%s: %s", r.DeviceTime, r.Level, r.Tag, r.Message)
}
