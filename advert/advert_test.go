package advert_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/fwtap/advert"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// fakeAdv is a canned advertisement.
type fakeAdv struct {
	addr string
	name string
	rssi int
}

func (a fakeAdv) LocalName() string              { return a.name }
func (a fakeAdv) ManufacturerData() []byte       { return []byte{0xE0, 0x00, 0x01} }
func (a fakeAdv) ServiceData() []ble.ServiceData { return nil }
func (a fakeAdv) Services() []ble.UUID           { return []ble.UUID{ble.MustParse("180F")} }
func (a fakeAdv) OverflowService() []ble.UUID    { return nil }
func (a fakeAdv) TxPowerLevel() int              { return 4 }
func (a fakeAdv) Connectable() bool              { return true }
func (a fakeAdv) SolicitedService() []ble.UUID   { return nil }
func (a fakeAdv) RSSI() int                      { return a.rssi }
func (a fakeAdv) Addr() ble.Addr                 { return ble.NewAddr(a.addr) }

// fakeRadio replays a script of advertisements, one per gap, then idles
// until the scan context ends.
type fakeRadio struct {
	advs []ble.Advertisement
	gap  time.Duration
}

func (r *fakeRadio) Scan(ctx context.Context, _ bool, h ble.AdvHandler) error {
	gap := r.gap
	if gap == 0 {
		gap = time.Millisecond
	}
	for _, adv := range r.advs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(gap):
		}
		h(adv)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (r *fakeRadio) Stop() error { return nil }

func newWatcher(t *testing.T, opts advert.Options, radio *fakeRadio) *advert.Watcher {
	t.Helper()
	w, err := advert.NewWatcher(opts, quietLogger())
	require.NoError(t, err)
	w.SetDevice(radio)
	return w
}

func TestScanCollectsAndCounts(t *testing.T) {
	radio := &fakeRadio{advs: []ble.Advertisement{
		fakeAdv{addr: "aa:bb:cc:dd:ee:ff", name: "Buds", rssi: -40},
		fakeAdv{addr: "11:22:33:44:55:66", name: "Other", rssi: -70},
		fakeAdv{addr: "AA:BB:CC:DD:EE:FF", name: "Buds", rssi: -42},
	}}
	w := newWatcher(t, advert.Options{Timeout: 300 * time.Millisecond}, radio)

	results, err := w.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	buds, ok := w.Found("aa:bb:cc:dd:ee:ff")
	require.True(t, ok)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", buds.Address)
	assert.Equal(t, "Buds", buds.LocalName)
	assert.Equal(t, 2, buds.Count)
	assert.Equal(t, -42, buds.RSSI, "latest sighting wins")
	assert.Contains(t, buds.Services, "180f", "service UUIDs come back in lookup form")
	assert.Equal(t, "Google", buds.Manufacturer, "company id 0x00E0 resolves")
	assert.WithinDuration(t, time.Now(), buds.ReceivedAt, 5*time.Second)

	other, ok := w.Found("11:22:33:44:55:66")
	require.True(t, ok)
	assert.Equal(t, 1, other.Count)
}

func TestScanAddressFilter(t *testing.T) {
	radio := &fakeRadio{advs: []ble.Advertisement{
		fakeAdv{addr: "aa:bb:cc:dd:ee:ff", name: "Buds", rssi: -40},
		fakeAdv{addr: "11:22:33:44:55:66", name: "Noise", rssi: -70},
	}}
	w := newWatcher(t, advert.Options{
		Address: "AA:BB:CC:DD:EE:FF",
		Timeout: 300 * time.Millisecond,
	}, radio)

	results, err := w.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	_, ok := w.Found("11:22:33:44:55:66")
	assert.False(t, ok)
}

func TestWaitForReturnsEarly(t *testing.T) {
	radio := &fakeRadio{
		gap: 50 * time.Millisecond,
		advs: []ble.Advertisement{
			fakeAdv{addr: "11:22:33:44:55:66", name: "Noise", rssi: -70},
			fakeAdv{addr: "aa:bb:cc:dd:ee:ff", name: "Buds", rssi: -40},
			fakeAdv{addr: "99:99:99:99:99:99", name: "Late", rssi: -90},
		},
	}
	w := newWatcher(t, advert.Options{}, radio)

	start := time.Now()
	adv, err := w.WaitFor(context.Background(), "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", adv.Address)
	assert.Less(t, time.Since(start), 5*time.Second, "should not run out the 10s default")
}

func TestWaitForNotSeen(t *testing.T) {
	w := newWatcher(t, advert.Options{Timeout: 200 * time.Millisecond}, &fakeRadio{})

	start := time.Now()
	_, err := w.WaitFor(context.Background(), "AA:BB:CC:DD:EE:FF")
	assert.ErrorIs(t, err, advert.ErrNotSeen)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestWaitForParentCanceled(t *testing.T) {
	w := newWatcher(t, advert.Options{}, &fakeRadio{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.WaitFor(ctx, "AA:BB:CC:DD:EE:FF")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitForInvalidAddress(t *testing.T) {
	w := newWatcher(t, advert.Options{}, &fakeRadio{})
	_, err := w.WaitFor(context.Background(), "not-an-address")
	require.Error(t, err)
}

func TestNewWatcherValidatesAddress(t *testing.T) {
	_, err := advert.NewWatcher(advert.Options{Address: "garbage"}, quietLogger())
	require.Error(t, err)
}

func TestResetClearsResults(t *testing.T) {
	radio := &fakeRadio{advs: []ble.Advertisement{
		fakeAdv{addr: "aa:bb:cc:dd:ee:ff", name: "Buds", rssi: -40},
	}}
	w := newWatcher(t, advert.Options{Timeout: 200 * time.Millisecond}, radio)

	_, err := w.Scan(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, w.Results())

	w.Reset()
	assert.Empty(t, w.Results())
}
