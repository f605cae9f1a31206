package board

import (
	"fmt"
	"strings"
)

// AccessMode is the pairing accessibility the firmware announces after
// a reboot cycle. The numeric values are what the log line carries.
type AccessMode int

const (
	InitPairing    AccessMode = 0
	DisablePairing AccessMode = 2
	EnablePairing  AccessMode = 3
)

func (m AccessMode) String() string {
	switch m {
	case InitPairing:
		return "init_pairing"
	case DisablePairing:
		return "disable_pairing"
	case EnablePairing:
		return "enable_pairing"
	default:
		return fmt.Sprintf("access_mode(%d)", int(m))
	}
}

// ANCMode selects the active noise cancellation state.
type ANCMode int

const (
	ANCOff         ANCMode = 0
	ANCOn          ANCMode = 1
	ANCTransparent ANCMode = 2
)

func (m ANCMode) Valid() bool {
	return m >= ANCOff && m <= ANCTransparent
}

func (m ANCMode) String() string {
	switch m {
	case ANCOff:
		return "off"
	case ANCOn:
		return "on"
	case ANCTransparent:
		return "transparent"
	default:
		return fmt.Sprintf("anc_mode(%d)", int(m))
	}
}

// ParseANCMode reads a user-facing mode name. Both "transparent" and
// "transparency" select transparency mode.
func ParseANCMode(s string) (ANCMode, error) {
	switch strings.ToLower(s) {
	case "off":
		return ANCOff, nil
	case "on":
		return ANCOn, nil
	case "transparent", "transparency":
		return ANCTransparent, nil
	default:
		return ANCOff, fmt.Errorf("invalid ANC mode %q", s)
	}
}

// BoxState is the placement of a TWS earbud relative to its charging
// case, as reported by get_box_state. The values are the firmware's
// wire strings.
type BoxState string

const (
	InBoxClosed BoxState = "IN_BOX_CLOSED"
	InBoxOpen   BoxState = "IN_BOX_OPEN"
	OutBox      BoxState = "OUT_BOX"
	OutBoxWorn  BoxState = "OUT_BOX_WEARED"
)

// IsBoxOpen reports whether the charging case lid is open.
func (s BoxState) IsBoxOpen() bool {
	return s == InBoxOpen || s == OutBox || s == OutBoxWorn
}

// IsInBox reports whether the earbud sits in the case.
func (s BoxState) IsInBox() bool {
	return s == InBoxClosed || s == InBoxOpen
}

// IsOnHead reports whether the earbud is worn.
func (s BoxState) IsOnHead() bool {
	return s == OutBoxWorn
}

func parseBoxState(s string) (BoxState, error) {
	switch state := BoxState(s); state {
	case InBoxClosed, InBoxOpen, OutBox, OutBoxWorn:
		return state, nil
	default:
		return "", fmt.Errorf("unknown box state %q", s)
	}
}
