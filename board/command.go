package board

import (
	"fmt"
	"strings"
)

// commandPrefix routes a serial line into the firmware test shell
// instead of the regular console.
const commandPrefix = "mobly_test:"

// Command is one firmware shell command, a verb plus optional
// space-separated arguments.
type Command string

// Cmd builds a bare command from a verb.
func Cmd(verb string) Command { return Command(verb) }

// Cmdf builds a command with formatted arguments.
func Cmdf(format string, args ...any) Command {
	return Command(fmt.Sprintf(format, args...))
}

func (c Command) String() string { return string(c) }

// Wire is the full line written to the serial port, before the CRLF
// the session layer appends.
func (c Command) Wire() string { return commandPrefix + string(c) }

// Verb is the command name without arguments.
func (c Command) Verb() string {
	s := string(c)
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}

// Verbs understood by the firmware test shell.
const (
	cmdPowerOn           = "power_on"
	cmdPowerOff          = "power_off"
	cmdReboot            = "reboot"
	cmdFactoryReset      = "factory_reset"
	cmdGetDeviceInfo     = "get_device_info"
	cmdGetSerialNumber   = "get_wlt_sn"
	cmdSetName           = "set_name"
	cmdSetAddress        = "set_address"
	cmdSetModelID        = "set_model_id"
	cmdSetFastPairKey    = "set_gfps_private_key"
	cmdSetLinkPoint      = "set_link_point"
	cmdSetTWS            = "set_link_tws"
	cmdSetComponentCount = "set_lea_csip"
	cmdGetComponentCount = "get_lea_csip"
	cmdTWSPairing        = "tws_pairing"
	cmdGetBoxState       = "get_box_state"
	cmdOpenBox           = "open_box"
	cmdFetchOut          = "fetch_out"
	cmdWearUp            = "wear_up"
	cmdWearDown          = "wear_down"
	cmdPutIn             = "put_in"
	cmdCloseBox          = "close_box"
	cmdEnablePairing     = "enable_pairing"
	cmdDisablePairing    = "disable_pairing"
	cmdConnect           = "connect"
	cmdDisconnect        = "disconnect"
	cmdClearPaired       = "clear_paired_device"
	cmdGetPaired         = "get_paired_device"
	cmdSetBattery        = "set_battery_level"
	cmdGetBattery        = "get_battery_level"
	cmdVolumeUp          = "volume_plus"
	cmdVolumeDown        = "volume_dec"
	cmdGetVolume         = "get_volume"
	cmdSetVolume         = "set_volume"
	cmdMediaPlay         = "media_play"
	cmdMediaPause        = "media_pause"
	cmdMediaNext         = "media_next"
	cmdMediaPrev         = "media_prev"
	cmdCallAccept        = "call_accept"
	cmdCallDecline       = "call_decline"
	cmdCallHold          = "call_hold"
	cmdCallRedial        = "call_redial"
	cmdSetANC            = "set_anc"
	cmdSetSpatialAudio   = "set_spatial_audio"
)
