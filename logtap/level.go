package logtap

import (
	"fmt"
	"strings"
)

// Level is a single-character log severity code as emitted by the device,
// ordered Verbose < Debug < Info < Warning < Error < Fatal < Silent.
type Level byte

const (
	LevelVerbose Level = 'V'
	LevelDebug   Level = 'D'
	LevelInfo    Level = 'I'
	LevelWarning Level = 'W'
	LevelError   Level = 'E'
	LevelFatal   Level = 'F'
	LevelSilent  Level = 'S'

	// LevelAny is only valid as a filter minimum and accepts every level.
	LevelAny Level = '*'
)

// levelOrder defines severity ranking, lowest first.
const levelOrder = "VDIWEFS"

// ParseLevel converts a one-character severity string ("V".."S", or "*"
// for the filter wildcard) into a Level.
func ParseLevel(s string) (Level, error) {
	if s == string(LevelAny) {
		return LevelAny, nil
	}
	if len(s) == 1 && strings.IndexByte(levelOrder, s[0]) >= 0 {
		return Level(s[0]), nil
	}
	return 0, fmt.Errorf("invalid log level %q", s)
}

func (l Level) rank() int {
	return strings.IndexByte(levelOrder, byte(l))
}

// Valid reports whether l is one of the seven severity codes.
func (l Level) Valid() bool {
	return l.rank() >= 0
}

// AtLeast reports whether l is at or above min in severity order.
// A min of LevelAny accepts every valid level.
func (l Level) AtLeast(min Level) bool {
	if min == LevelAny {
		return l.Valid()
	}
	lr, mr := l.rank(), min.rank()
	return lr >= 0 && mr >= 0 && lr >= mr
}

func (l Level) String() string {
	return string(l)
}
