// Package advert watches the host Bluetooth radio for advertisements,
// the over-the-air complement to the console-side board driver. Tests
// reboot or reconfigure a board over serial and then use a Watcher to
// confirm the change is visible on air.
package advert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/fwtap/internal/bledb"
	"github.com/srg/fwtap/internal/btutil"
)

// ErrNotSeen reports that a watch ended without the wanted
// advertisement.
var ErrNotSeen = errors.New("advertisement not seen")

// Advertisement is a host-side snapshot of the latest advertisement
// received from one address. Service UUIDs are normalized to their
// short lookup form and the manufacturer data's company identifier is
// resolved to a name when the table knows it.
type Advertisement struct {
	Address          string            `json:"address"`
	LocalName        string            `json:"local_name,omitempty"`
	RSSI             int               `json:"rssi"`
	TxPower          int               `json:"tx_power,omitempty"`
	Connectable      bool              `json:"connectable"`
	Services         []string          `json:"services,omitempty"`
	Manufacturer     string            `json:"manufacturer,omitempty"`
	ManufacturerData []byte            `json:"manufacturer_data,omitempty"`
	ServiceData      map[string][]byte `json:"service_data,omitempty"`

	// ReceivedAt is the host time of the latest sighting; Count is how
	// many advertisements this address produced during the watch.
	ReceivedAt time.Time `json:"received_at"`
	Count      int       `json:"count"`
}

// ScanningDevice is the slice of the BLE stack a watcher needs.
type ScanningDevice interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Stop() error
}

// DeviceFactory creates the host radio used for scanning. A variable
// so tests can substitute a fake.
var DeviceFactory = func() (ScanningDevice, error) {
	return linux.NewDevice()
}

// Options configure a watcher.
type Options struct {
	// Address narrows the watch to one board; empty collects everything
	// on air.
	Address string

	// Timeout bounds Scan and WaitFor.
	Timeout time.Duration `default:"10s"`
}

// Watcher collects advertisements and answers presence questions about
// them. Safe for concurrent use; Found may be called while a Scan is
// still running.
type Watcher struct {
	log  *logrus.Logger
	opts Options
	dev  ScanningDevice

	seen *hashmap.Map[string, *Advertisement]
}

// NewWatcher creates a watcher. Zero options get defaults; a non-empty
// address must be a valid Bluetooth address.
func NewWatcher(opts Options, log *logrus.Logger) (*Watcher, error) {
	defaults.SetDefaults(&opts)
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.Address != "" {
		if !btutil.IsValidAddress(opts.Address) {
			return nil, fmt.Errorf("invalid watch address %q", opts.Address)
		}
		opts.Address = strings.ToUpper(opts.Address)
	}
	return &Watcher{
		log:  log,
		opts: opts,
		seen: hashmap.New[string, *Advertisement](),
	}, nil
}

// SetDevice injects the scanning device, replacing the DeviceFactory
// product. Call before Scan or WaitFor.
func (w *Watcher) SetDevice(dev ScanningDevice) {
	w.dev = dev
}

func (w *Watcher) device() (ScanningDevice, error) {
	if w.dev != nil {
		return w.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("open host radio: %w", err)
	}
	w.dev = dev
	return dev, nil
}

// Scan listens for the configured timeout and returns a snapshot of
// everything collected, keyed by address. Repeated advertisements from
// one address fold into a single entry carrying the latest values and
// a sighting count.
func (w *Watcher) Scan(ctx context.Context) (map[string]*Advertisement, error) {
	if err := w.scan(ctx, nil); err != nil {
		return nil, err
	}
	return w.Results(), nil
}

// WaitFor listens until an advertisement from address arrives and
// returns it. A watch that ends without a sighting reports ErrNotSeen.
func (w *Watcher) WaitFor(parent context.Context, address string) (*Advertisement, error) {
	if !btutil.IsValidAddress(address) {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	address = strings.ToUpper(address)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	err := w.scan(ctx, func(adv *Advertisement) {
		if adv.Address == address {
			cancel()
		}
	})
	if err != nil {
		return nil, err
	}
	if adv, ok := w.Found(address); ok {
		return adv, nil
	}
	if err := parent.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%s within %s: %w", address, w.opts.Timeout, ErrNotSeen)
}

// scan drives the radio until the timeout or the context ends. onAdv,
// when set, observes every accepted advertisement.
func (w *Watcher) scan(ctx context.Context, onAdv func(*Advertisement)) error {
	dev, err := w.device()
	if err != nil {
		return err
	}

	scanCtx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	defer cancel()

	w.log.WithFields(logrus.Fields{
		"timeout": w.opts.Timeout,
		"address": w.opts.Address,
	}).Debug("watching for advertisements")

	// Duplicates stay on so counts and RSSI keep updating.
	err = dev.Scan(scanCtx, true, func(a ble.Advertisement) {
		if adv := w.ingest(a); adv != nil && onAdv != nil {
			onAdv(adv)
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("scan failed: %w", err)
	}

	w.log.WithField("devices", w.seen.Len()).Debug("watch finished")
	return nil
}

// ingest folds one advertisement into the seen map and returns the
// stored snapshot, or nil when the address filter dropped it.
func (w *Watcher) ingest(a ble.Advertisement) *Advertisement {
	addr := strings.ToUpper(a.Addr().String())
	if w.opts.Address != "" && addr != w.opts.Address {
		return nil
	}

	count := 1
	if prev, ok := w.seen.Get(addr); ok {
		count = prev.Count + 1
	}
	adv := snapshot(a, addr, count)
	w.seen.Set(addr, adv)

	if count == 1 {
		w.log.WithFields(logrus.Fields{
			"address": addr,
			"name":    adv.LocalName,
			"rssi":    adv.RSSI,
		}).Debug("discovered device")
	}
	return adv
}

// Found returns the latest snapshot for an address, if any was
// collected.
func (w *Watcher) Found(address string) (*Advertisement, bool) {
	return w.seen.Get(strings.ToUpper(address))
}

// Results snapshots everything collected so far, keyed by address.
func (w *Watcher) Results() map[string]*Advertisement {
	out := make(map[string]*Advertisement, w.seen.Len())
	w.seen.Range(func(addr string, adv *Advertisement) bool {
		out[addr] = adv
		return true
	})
	return out
}

// Reset clears the collected snapshots for a fresh watch.
func (w *Watcher) Reset() {
	w.seen = hashmap.New[string, *Advertisement]()
}

// Stop aborts a running scan on the radio.
func (w *Watcher) Stop() error {
	if w.dev == nil {
		return nil
	}
	return w.dev.Stop()
}

// snapshot copies the wire advertisement into a host-side value.
func snapshot(a ble.Advertisement, addr string, count int) *Advertisement {
	adv := &Advertisement{
		Address:          addr,
		LocalName:        a.LocalName(),
		RSSI:             a.RSSI(),
		TxPower:          a.TxPowerLevel(),
		Connectable:      a.Connectable(),
		ManufacturerData: append([]byte(nil), a.ManufacturerData()...),
		ReceivedAt:       time.Now(),
		Count:            count,
	}
	// Manufacturer data opens with the company identifier, little endian.
	if md := adv.ManufacturerData; len(md) >= 2 {
		adv.Manufacturer = bledb.LookupCompany(uint16(md[0]) | uint16(md[1])<<8)
	}
	for _, svc := range a.Services() {
		adv.Services = append(adv.Services, bledb.NormalizeUUID(svc.String()))
	}
	if sd := a.ServiceData(); len(sd) > 0 {
		adv.ServiceData = make(map[string][]byte, len(sd))
		for _, d := range sd {
			adv.ServiceData[bledb.NormalizeUUID(d.UUID.String())] = append([]byte(nil), d.Data...)
		}
	}
	return adv
}
