package board

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/fwtap/internal/btutil"
	"github.com/srg/fwtap/logtap"
)

var (
	revInfoRegex   = regexp.MustCompile(revInfoPattern)
	buildDateRegex = regexp.MustCompile(buildDatePattern)

	keyValueRegex      = regexp.MustCompile(`(?P<key>.*): (?P<value>.*)`)
	boxStateRegex      = regexp.MustCompile(`box_state=(?P<state>.*)`)
	batteryLevelRegex  = regexp.MustCompile(`battery_level: (?P<level>\d+)`)
	twsBatteryRegex    = regexp.MustCompile(`Main ear battery_level: (?P<left>\d+)\nRemote ear battery_level: (?P<right>\d+)(\nCase battery_level: (?P<case>\d+))?`)
	volumeRegex        = regexp.MustCompile(`volume=(?P<level>\d+)`)
	bleVolumeRegex     = regexp.MustCompile(`BLE volume=(?P<level>\d+)`)
	pairedClassicRegex = regexp.MustCompile(`addr: (?P<addr>.*)\n.*name: (?P<name>.*)`)
	pairedLERegex      = regexp.MustCompile(`BLE addr: (?P<addr>.*)`)
)

func (b *Board) simple(cmd Command) error {
	_, err := b.Command(cmd)
	return err
}

// rebootCycle sends a command that restarts the firmware and waits for
// the boot sequence: version banner, Bluetooth stack init and the
// expected access mode announcement. The command itself produces no
// framed response since the console goes down with the firmware.
func (b *Board) rebootCycle(cmd Command, mode AccessMode) error {
	pub, err := b.publisher()
	if err != nil {
		return err
	}
	done, err := pub.Event(logtap.EventOptions{Pattern: rebootDonePattern})
	if err != nil {
		return err
	}
	defer done.Close()
	build, err := pub.Event(logtap.EventOptions{Pattern: buildDatePattern})
	if err != nil {
		return err
	}
	defer build.Close()
	version, err := pub.Event(logtap.EventOptions{Pattern: revInfoPattern})
	if err != nil {
		return err
	}
	defer version.Close()
	access, err := pub.Event(logtap.EventOptions{Pattern: fmt.Sprintf(accessModeFormat, int(mode))})
	if err != nil {
		return err
	}
	defer access.Close()

	if err := b.CommandNoWait(cmd); err != nil {
		return err
	}

	if version.Wait(b.cfg.RebootTimeout) {
		b.recordVersion(version.Trigger(), build.Trigger())
	}
	if !done.Wait(b.cfg.RebootTimeout) {
		return &TimeoutError{Op: cmd.Verb() + ": bluetooth stack init", Timeout: b.cfg.RebootTimeout}
	}
	if !access.Wait(b.cfg.RebootTimeout) {
		return &TimeoutError{Op: fmt.Sprintf("%s: access mode %s", cmd.Verb(), mode), Timeout: b.cfg.RebootTimeout}
	}
	time.Sleep(b.cfg.RebootSettle)
	return nil
}

func (b *Board) recordVersion(version, build *logtap.Record) {
	var parts []string
	if version != nil {
		if m := revInfoRegex.FindStringSubmatch(version.Message); m != nil {
			parts = append(parts, strings.TrimSpace(m[revInfoRegex.SubexpIndex("version")]))
		}
	}
	if build != nil {
		if m := buildDateRegex.FindStringSubmatch(build.Message); m != nil {
			date := strings.TrimSpace(m[buildDateRegex.SubexpIndex("build_date")])
			parts = append(parts, strings.Join(strings.Fields(date), "_"))
		}
	}
	if len(parts) == 0 {
		return
	}
	v := strings.Join(parts, ":")
	b.mu.Lock()
	b.version = v
	b.mu.Unlock()
	b.log.WithField("version", v).Info("Firmware version")
}

// Reboot restarts the firmware and waits for the Bluetooth stack to
// come back up.
func (b *Board) Reboot() error {
	b.log.Info("Rebooting board")
	return b.rebootCycle(Cmd(cmdReboot), InitPairing)
}

// FactoryReset wipes persistent state and reboots. With waitForAccess
// the call returns once the board is discoverable again.
func (b *Board) FactoryReset(waitForAccess bool) error {
	mode := InitPairing
	if waitForAccess {
		mode = EnablePairing
	}
	b.log.Info("Factory resetting board")
	return b.rebootCycle(Cmd(cmdFactoryReset), mode)
}

// PowerOn simulates taking the board out of a powered-off state by
// opening the charging case.
func (b *Board) PowerOn() error { return b.OpenBox() }

// PowerOff powers the board down by closing the charging case.
func (b *Board) PowerOff() error { return b.CloseBox() }

// DeviceInfo is the identity block the firmware reports.
type DeviceInfo struct {
	BluetoothAddress string
	BLEAddress       string
	BluetoothName    string
	BLEName          string
}

// parseKeyValues collects "key: value" lines in the order the firmware
// printed them.
func parseKeyValues(message string) *orderedmap.OrderedMap[string, string] {
	out := orderedmap.New[string, string]()
	for _, line := range strings.Split(message, "\n") {
		m := keyValueRegex.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		out.Set(m[keyValueRegex.SubexpIndex("key")], m[keyValueRegex.SubexpIndex("value")])
	}
	return out
}

// DeviceInfo queries and parses the identity block.
func (b *Board) DeviceInfo() (*DeviceInfo, error) {
	raw, err := b.Command(Cmd(cmdGetDeviceInfo))
	if err != nil {
		return nil, err
	}
	kv := parseKeyValues(raw)

	info := &DeviceInfo{}
	var missing []string
	assign := func(key string, dst *string) {
		if v, ok := kv.Get(key); ok {
			*dst = v
			return
		}
		missing = append(missing, key)
	}
	assign("bt_addr", &info.BluetoothAddress)
	assign("ble_addr", &info.BLEAddress)
	assign("bt_name", &info.BluetoothName)
	assign("ble_name", &info.BLEName)
	if len(missing) > 0 {
		return nil, fmt.Errorf("device info missing %s in %q", strings.Join(missing, ", "), raw)
	}
	return info, nil
}

// DeviceInfoMap returns every "key: value" line of the identity block
// in firmware order, including keys DeviceInfo does not model.
func (b *Board) DeviceInfoMap() (*orderedmap.OrderedMap[string, string], error) {
	raw, err := b.Command(Cmd(cmdGetDeviceInfo))
	if err != nil {
		return nil, err
	}
	return parseKeyValues(raw), nil
}

// SerialNumber reads the manufacturing serial number.
func (b *Board) SerialNumber() (string, error) {
	out, err := b.Command(Cmd(cmdGetSerialNumber))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// SetAddress programs a new Bluetooth address and reboots the board to
// apply it.
func (b *Board) SetAddress(address string) error {
	if !btutil.IsValidAddress(address) {
		return fmt.Errorf("invalid bluetooth address %q", address)
	}
	// The console goes quiet while the address is persisted, so there
	// is no response to wait for.
	if err := b.CommandNoWait(Cmdf("%s %s", cmdSetAddress, address)); err != nil {
		return err
	}
	time.Sleep(b.cfg.RebootSettle)
	return b.Reboot()
}

// SetName sets the classic Bluetooth and BLE names, then reboots the
// board to apply them.
func (b *Board) SetName(bluetoothName, bleName string) error {
	if _, err := b.Command(Cmdf("%s %q %q", cmdSetName, bluetoothName, bleName)); err != nil {
		return err
	}
	return b.Reboot()
}

// SetModelID programs the Fast Pair model ID, given as six hex digits
// with an optional 0x prefix. Takes effect after the next reboot.
func (b *Board) SetModelID(modelID string) error {
	reversed, err := btutil.ReverseModelID(modelID)
	if err != nil {
		return err
	}
	return b.simple(Cmdf("%s %s", cmdSetModelID, reversed))
}

// SetFastPairKey programs the base64-encoded Fast Pair anti-spoofing
// private key. Takes effect after the next reboot.
func (b *Board) SetFastPairKey(privateKey string) error {
	decoded, err := btutil.DecodeFastPairKey(privateKey)
	if err != nil {
		return err
	}
	return b.simple(Cmdf("%s %s", cmdSetFastPairKey, decoded))
}

// SetFastPair programs both Fast Pair parameters and reboots to apply
// them.
func (b *Board) SetFastPair(modelID, privateKey string) error {
	if err := b.SetModelID(modelID); err != nil {
		return err
	}
	if err := b.SetFastPairKey(privateKey); err != nil {
		return err
	}
	return b.Reboot()
}

// EnableTWS turns on the true-wireless link between two earbuds.
func (b *Board) EnableTWS() error { return b.simple(Cmdf("%s 1", cmdSetTWS)) }

// DisableTWS turns the true-wireless link off.
func (b *Board) DisableTWS() error { return b.simple(Cmdf("%s 0", cmdSetTWS)) }

// TWSPairing pairs the two earbuds of a set with each other.
func (b *Board) TWSPairing() error { return b.simple(Cmd(cmdTWSPairing)) }

// SetComponentCount declares how many earbuds form the LE Audio set,
// 1 or 2.
func (b *Board) SetComponentCount(n int) error {
	if n != 1 && n != 2 {
		return fmt.Errorf("invalid component count %d, want 1 or 2", n)
	}
	return b.simple(Cmdf("%s %d", cmdSetComponentCount, n))
}

// ComponentCount reads the configured LE Audio set size.
func (b *Board) ComponentCount() (int, error) {
	out, err := b.Command(Cmd(cmdGetComponentCount))
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse component count from %q: %w", out, err)
	}
	return n, nil
}

// SetSinglePoint limits the board to one active connection.
func (b *Board) SetSinglePoint() error { return b.simple(Cmdf("%s 1", cmdSetLinkPoint)) }

// SetMultiPoint allows two concurrent connections.
func (b *Board) SetMultiPoint() error { return b.simple(Cmdf("%s 2", cmdSetLinkPoint)) }

// EnablePairing makes the board discoverable and connectable.
func (b *Board) EnablePairing() error { return b.simple(Cmd(cmdEnablePairing)) }

// DisablePairing exits pairing mode.
func (b *Board) DisablePairing() error { return b.simple(Cmd(cmdDisablePairing)) }

func compactAddress(address string) (string, error) {
	if !btutil.IsValidAddress(address) {
		return "", fmt.Errorf("invalid bluetooth address %q", address)
	}
	return strings.ToUpper(strings.ReplaceAll(address, ":", "")), nil
}

// Connect initiates a connection to the given peer address.
func (b *Board) Connect(address string) error {
	arg, err := compactAddress(address)
	if err != nil {
		return err
	}
	return b.simple(Cmdf("%s %s", cmdConnect, arg))
}

// Disconnect drops the connection to the given peer address.
func (b *Board) Disconnect(address string) error {
	arg, err := compactAddress(address)
	if err != nil {
		return err
	}
	return b.simple(Cmdf("%s %s", cmdDisconnect, arg))
}

// ClearPairedDevices drops every bond the firmware has stored.
func (b *Board) ClearPairedDevices() error { return b.simple(Cmd(cmdClearPaired)) }

// PairedDevice is one bond record from the firmware's pairing list.
// Classic bonds carry a name, LE-only bonds do not.
type PairedDevice struct {
	Name    string
	Address string
}

// PairedDevices lists the firmware's bonded peers. Addresses come back
// in standard colon form regardless of how the firmware prints them.
func (b *Board) PairedDevices() ([]PairedDevice, error) {
	raw, err := b.Command(Cmd(cmdGetPaired))
	if err != nil {
		return nil, err
	}
	var out []PairedDevice
	for _, m := range pairedClassicRegex.FindAllStringSubmatch(raw, -1) {
		addr, err := btutil.LSBToAddress(strings.TrimSpace(m[pairedClassicRegex.SubexpIndex("addr")]))
		if err != nil {
			return nil, fmt.Errorf("paired device list: %w", err)
		}
		out = append(out, PairedDevice{
			Name:    m[pairedClassicRegex.SubexpIndex("name")],
			Address: addr,
		})
	}
	for _, m := range pairedLERegex.FindAllStringSubmatch(raw, -1) {
		addr, err := btutil.LSBToAddress(strings.TrimSpace(m[pairedLERegex.SubexpIndex("addr")]))
		if err != nil {
			return nil, fmt.Errorf("paired device list: %w", err)
		}
		out = append(out, PairedDevice{Address: addr})
	}
	return out, nil
}

// SetBatteryLevel fakes the reported battery percentage, 0-100.
func (b *Board) SetBatteryLevel(level int) error {
	if level < 0 || level > 100 {
		return fmt.Errorf("invalid battery level %d, want 0-100", level)
	}
	return b.simple(Cmdf("%s %d %d", cmdSetBattery, level, level))
}

// SetBatteryLevelTWS fakes per-earbud battery levels. An optional third
// value sets the charging case level.
func (b *Board) SetBatteryLevelTWS(left, right int, caseLevel ...int) error {
	if len(caseLevel) > 1 {
		return fmt.Errorf("at most one case level, got %d", len(caseLevel))
	}
	levels := append([]int{left, right}, caseLevel...)
	args := make([]string, len(levels))
	for i, l := range levels {
		if l < 0 || l > 100 {
			return fmt.Errorf("invalid battery level %d, want 0-100", l)
		}
		args[i] = strconv.Itoa(l)
	}
	return b.simple(Cmdf("%s %s", cmdSetBattery, strings.Join(args, " ")))
}

// BatteryLevel reads the reported battery percentage.
func (b *Board) BatteryLevel() (int, error) {
	out, err := b.Command(Cmd(cmdGetBattery))
	if err != nil {
		return 0, err
	}
	m := batteryLevelRegex.FindStringSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("parse battery level from %q", out)
	}
	return strconv.Atoi(m[batteryLevelRegex.SubexpIndex("level")])
}

// TWSBattery is the per-earbud battery report. Case is -1 when the
// firmware reports no case level.
type TWSBattery struct {
	Left  int
	Right int
	Case  int
}

// BatteryLevelTWS reads the per-earbud battery levels of a TWS pair.
func (b *Board) BatteryLevelTWS() (TWSBattery, error) {
	out, err := b.Command(Cmd(cmdGetBattery))
	if err != nil {
		return TWSBattery{}, err
	}
	m := twsBatteryRegex.FindStringSubmatch(out)
	if m == nil {
		return TWSBattery{}, fmt.Errorf("parse TWS battery levels from %q", out)
	}
	bat := TWSBattery{Case: -1}
	bat.Left, _ = strconv.Atoi(m[twsBatteryRegex.SubexpIndex("left")])
	bat.Right, _ = strconv.Atoi(m[twsBatteryRegex.SubexpIndex("right")])
	if c := m[twsBatteryRegex.SubexpIndex("case")]; c != "" {
		bat.Case, _ = strconv.Atoi(c)
	}
	if bat.Left > 100 || bat.Right > 100 {
		return TWSBattery{}, fmt.Errorf("battery levels out of range in %q", out)
	}
	return bat, nil
}

// VolumeUp raises the volume by the given number of key presses.
func (b *Board) VolumeUp(steps int) error {
	for i := 0; i < steps; i++ {
		if err := b.simple(Cmd(cmdVolumeUp)); err != nil {
			return err
		}
	}
	return nil
}

// VolumeDown lowers the volume by the given number of key presses.
func (b *Board) VolumeDown(steps int) error {
	for i := 0; i < steps; i++ {
		if err := b.simple(Cmd(cmdVolumeDown)); err != nil {
			return err
		}
	}
	return nil
}

// SetVolume sets the absolute volume, 0-127.
func (b *Board) SetVolume(level int) error {
	if level < 0 || level > 127 {
		return fmt.Errorf("invalid volume level %d, want 0-127", level)
	}
	return b.simple(Cmdf("%s %d", cmdSetVolume, level))
}

// Volume reads the current absolute volume.
func (b *Board) Volume() (int, error) {
	return b.volumeWith(volumeRegex)
}

// BLEVolume reads the LE audio volume.
func (b *Board) BLEVolume() (int, error) {
	return b.volumeWith(bleVolumeRegex)
}

func (b *Board) volumeWith(re *regexp.Regexp) (int, error) {
	out, err := b.Command(Cmd(cmdGetVolume))
	if err != nil {
		return 0, err
	}
	m := re.FindStringSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("parse volume from %q", out)
	}
	return strconv.Atoi(m[re.SubexpIndex("level")])
}

// MediaPlay starts media playback on the connected source.
func (b *Board) MediaPlay() error { return b.simple(Cmd(cmdMediaPlay)) }

// MediaPause pauses media playback.
func (b *Board) MediaPause() error { return b.simple(Cmd(cmdMediaPause)) }

// MediaNext skips to the next track.
func (b *Board) MediaNext() error { return b.simple(Cmd(cmdMediaNext)) }

// MediaPrev skips to the previous track.
func (b *Board) MediaPrev() error { return b.simple(Cmd(cmdMediaPrev)) }

// CallAccept answers an incoming call.
func (b *Board) CallAccept() error { return b.simple(Cmd(cmdCallAccept)) }

// CallDecline rejects an incoming call.
func (b *Board) CallDecline() error { return b.simple(Cmd(cmdCallDecline)) }

// CallHold puts the active call on hold.
func (b *Board) CallHold() error { return b.simple(Cmd(cmdCallHold)) }

// CallRedial redials the last outgoing number.
func (b *Board) CallRedial() error { return b.simple(Cmd(cmdCallRedial)) }

// SetANC selects the noise cancellation mode.
func (b *Board) SetANC(mode ANCMode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid ANC mode %d", int(mode))
	}
	return b.simple(Cmdf("%s %d", cmdSetANC, int(mode)))
}

// SetSpatialAudio toggles spatial audio rendering.
func (b *Board) SetSpatialAudio(enabled bool) error {
	arg := 0
	if enabled {
		arg = 1
	}
	return b.simple(Cmdf("%s %d", cmdSetSpatialAudio, arg))
}

// BoxState queries the earbud placement state machine.
func (b *Board) BoxState() (BoxState, error) {
	out, err := b.Command(Cmd(cmdGetBoxState))
	if err != nil {
		return "", err
	}
	m := boxStateRegex.FindStringSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("parse box state from %q", out)
	}
	return parseBoxState(strings.TrimSpace(m[boxStateRegex.SubexpIndex("state")]))
}

// BoxOpen reports whether the charging case lid is open.
func (b *Board) BoxOpen() (bool, error) {
	state, err := b.BoxState()
	if err != nil {
		return false, err
	}
	return state.IsBoxOpen(), nil
}

// InBox reports whether the earbud sits in the case.
func (b *Board) InBox() (bool, error) {
	state, err := b.BoxState()
	if err != nil {
		return false, err
	}
	return state.IsInBox(), nil
}

// OnHead reports whether the earbud is worn.
func (b *Board) OnHead() (bool, error) {
	state, err := b.BoxState()
	if err != nil {
		return false, err
	}
	return state.IsOnHead(), nil
}

// OpenBox opens the charging case lid.
func (b *Board) OpenBox() error {
	state, err := b.BoxState()
	if err != nil {
		return err
	}
	if state.IsBoxOpen() {
		return fmt.Errorf("box already open")
	}
	return b.simple(Cmd(cmdOpenBox))
}

// CloseBox closes the charging case lid.
func (b *Board) CloseBox() error {
	state, err := b.BoxState()
	if err != nil {
		return err
	}
	if !state.IsBoxOpen() {
		return fmt.Errorf("box already closed")
	}
	return b.simple(Cmd(cmdCloseBox))
}

// FetchOut takes the earbud out of the case.
func (b *Board) FetchOut() error {
	state, err := b.BoxState()
	if err != nil {
		return err
	}
	if !state.IsInBox() {
		return fmt.Errorf("device not in box")
	}
	return b.simple(Cmd(cmdFetchOut))
}

// WearUp puts the earbud on the head. It must be out of the box first.
func (b *Board) WearUp() error {
	state, err := b.BoxState()
	if err != nil {
		return err
	}
	if state.IsOnHead() {
		return fmt.Errorf("device already on head")
	}
	if state.IsInBox() {
		return fmt.Errorf("device still in box")
	}
	return b.simple(Cmd(cmdWearUp))
}

// WearDown takes the earbud off the head.
func (b *Board) WearDown() error {
	state, err := b.BoxState()
	if err != nil {
		return err
	}
	if !state.IsOnHead() {
		return fmt.Errorf("device not on head")
	}
	return b.simple(Cmd(cmdWearDown))
}

// PutIn puts the earbud back into the case.
func (b *Board) PutIn() error {
	state, err := b.BoxState()
	if err != nil {
		return err
	}
	if state.IsInBox() {
		return fmt.Errorf("device already in box")
	}
	if state.IsOnHead() {
		return fmt.Errorf("device on head, wear down first")
	}
	return b.simple(Cmd(cmdPutIn))
}

// SetInBox drives whichever motion sequence moves the earbud into or
// out of the case. Already matching states are left alone.
func (b *Board) SetInBox(inBox bool) error {
	state, err := b.BoxState()
	if err != nil {
		return err
	}
	if state.IsInBox() == inBox {
		return nil
	}
	if state.IsInBox() {
		if !state.IsBoxOpen() {
			if err := b.simple(Cmd(cmdOpenBox)); err != nil {
				return err
			}
		}
		return b.simple(Cmd(cmdFetchOut))
	}
	if state.IsOnHead() {
		if err := b.simple(Cmd(cmdWearDown)); err != nil {
			return err
		}
	}
	return b.simple(Cmd(cmdPutIn))
}

// SetOnHead drives whichever motion sequence puts the earbud on or off
// the head. Already matching states are left alone.
func (b *Board) SetOnHead(onHead bool) error {
	state, err := b.BoxState()
	if err != nil {
		return err
	}
	if state.IsOnHead() == onHead {
		return nil
	}
	if state.IsOnHead() {
		return b.simple(Cmd(cmdWearDown))
	}
	if !state.IsBoxOpen() {
		if err := b.simple(Cmd(cmdOpenBox)); err != nil {
			return err
		}
	}
	if state.IsInBox() {
		if err := b.simple(Cmd(cmdFetchOut)); err != nil {
			return err
		}
	}
	return b.simple(Cmd(cmdWearUp))
}
