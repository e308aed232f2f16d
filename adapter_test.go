package bt

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/sgothel/direct-bt-sub002/internal/hci"
)

// testAdapter builds an adapter with no transports attached: the MGMT/HCI
// paths short-circuit on the closed flag, while the state machines stay
// fully exercisable.
func testAdapter(t *testing.T) *Adapter {
	t.Helper()
	cache, err := lru.New(16)
	require.NoError(t, err)
	a := &Adapter{
		Info:         AdapterInfo{Index: 0, Name: "test"},
		log:          logrus.WithField("component", "adapter-test"),
		shared:       map[Address]*Device{},
		discovered:   map[Address]*Device{},
		connected:    map[Address]*Device{},
		pausedDevs:   map[Address]*Device{},
		resolveCache: cache,
		stopCh:       make(chan struct{}),
	}
	a.gateCond = sync.NewCond(&a.gateMu)
	a.closed.Store(true) // transportless: every send returns ErrAdapterClosed
	close(a.stopCh)
	return a
}

func mustAddr(t *testing.T, s string, at AddressType) Address {
	t.Helper()
	e, err := ParseEUI48(s)
	require.NoError(t, err)
	return Address{EUI48: e, Type: at}
}

func foundEP(addr Address, rssi int8, eir []byte) hci.MgmtDeviceFoundEP {
	return hci.MgmtDeviceFoundEP{
		Address:     addr.EUI48,
		AddressType: uint8(addr.Type),
		RSSI:        rssi,
		EIR:         eir,
	}
}

func nameEIR(name string) []byte {
	b := []byte{byte(1 + len(name)), adNameComplete}
	return append(b, name...)
}

func TestClassifyFoundTable(t *testing.T) {
	cases := []struct {
		connected, discovered, shared bool
		diff                          EIRDataType
		want                          foundCase
	}{
		{true, false, false, EIRName, foundDrop},
		{true, true, true, EIRName, foundDrop},
		{false, false, false, EIRNone, foundNew},
		{false, false, true, EIRNone, foundReDiscover},
		{false, true, false, EIRName, foundReShare},
		{false, true, false, EIRRSSI, foundDrop},
		{false, true, true, EIRRSSI, foundUpdate},
		{false, true, true, EIRNone, foundDrop},
	}
	for i, c := range cases {
		got := classifyFound(c.connected, c.discovered, c.shared, c.diff)
		assert.Equal(t, c.want, got, "case %d", i)
	}
}

func TestHandleDeviceFoundNewThenUpdate(t *testing.T) {
	a := testAdapter(t)
	addr := mustAddr(t, "AA:BB:CC:DD:EE:01", AddrLEPublic)

	var found, updated int
	a.AddStatusListener(&AdapterStatusListener{
		DeviceFound:   func(d *Device, ts time.Time) bool { found++; return true },
		DeviceUpdated: func(d *Device, diff EIRDataType, ts time.Time) { updated++ },
	})

	a.handleDeviceFound(foundEP(addr, -40, nameEIR("sensor")))
	assert.Equal(t, 1, found)
	assert.Len(t, a.DiscoveredDevices(), 1)
	a.sharedMu.Lock()
	assert.Len(t, a.shared, 1)
	a.sharedMu.Unlock()

	// identical sighting: no diff, dropped
	a.handleDeviceFound(foundEP(addr, -40, nameEIR("sensor")))
	assert.Equal(t, 1, found)
	assert.Equal(t, 0, updated)

	// RSSI moved: update
	a.handleDeviceFound(foundEP(addr, -70, nameEIR("sensor")))
	assert.Equal(t, 1, found)
	assert.Equal(t, 1, updated)

	d := a.FindDevice(addr)
	require.NotNil(t, d)
	assert.Equal(t, "sensor", d.GetName())
	assert.Equal(t, int8(-70), d.RSSI)
}

func TestHandleDeviceFoundUnpickedIsReleased(t *testing.T) {
	a := testAdapter(t)
	addr := mustAddr(t, "AA:BB:CC:DD:EE:02", AddrLEPublic)
	a.AddStatusListener(&AdapterStatusListener{
		DeviceFound: func(d *Device, ts time.Time) bool { return false },
	})

	a.handleDeviceFound(foundEP(addr, -40, nameEIR("ignored")))
	a.sharedMu.Lock()
	assert.Empty(t, a.shared, "unpicked device leaves the shared set")
	a.sharedMu.Unlock()
	assert.Len(t, a.DiscoveredDevices(), 1, "but stays discovered to suppress duplicates")

	// the next sighting with a name re-shares and re-reports
	refound := 0
	a.AddStatusListener(&AdapterStatusListener{
		DeviceFound: func(d *Device, ts time.Time) bool { refound++; return true },
	})
	a.handleDeviceFound(foundEP(addr, -40, nameEIR("ignored-no-more")))
	assert.Equal(t, 1, refound)
	a.sharedMu.Lock()
	assert.Len(t, a.shared, 1)
	a.sharedMu.Unlock()
}

func TestSettingsDiffFanout(t *testing.T) {
	a := testAdapter(t)
	a.curSettings.Store(uint32(SettingLE))

	type ev struct{ old, cur, diff AdapterSetting }
	events := make([]ev, 0, 4)
	a.AddStatusListener(&AdapterStatusListener{
		SettingsChanged: func(_ *Adapter, old, cur, diff AdapterSetting) {
			events = append(events, ev{old, cur, diff})
		},
	})
	// synthetic initial event
	require.Len(t, events, 1)
	assert.Equal(t, SettingNone, events[0].old)
	assert.Equal(t, SettingLE, events[0].cur)
	assert.Equal(t, SettingNone, events[0].diff)

	a.applyNewSettings(SettingLE | SettingPowered)
	require.Len(t, events, 2)
	assert.Equal(t, SettingLE, events[1].old)
	assert.Equal(t, SettingLE|SettingPowered, events[1].cur)
	assert.Equal(t, SettingPowered, events[1].diff)

	// identical settings produce no event
	a.applyNewSettings(SettingLE | SettingPowered)
	assert.Len(t, events, 2)
}

func TestConnectionGateSerializes(t *testing.T) {
	a := testAdapter(t)
	d1 := newDevice(a, mustAddr(t, "AA:BB:CC:DD:EE:01", AddrLEPublic))
	d2 := newDevice(a, mustAddr(t, "AA:BB:CC:DD:EE:02", AddrLEPublic))

	require.NoError(t, a.lockConnect(d1, false, a.ioCapability()))
	// same holder re-locks fine
	require.NoError(t, a.lockConnect(d1, false, a.ioCapability()))
	// second device gets the distinguished busy status without waiting
	assert.ErrorIs(t, a.lockConnect(d2, false, a.ioCapability()), ErrConnectBusy)

	a.unlockConnect(d2) // non-holder release is a no-op
	assert.ErrorIs(t, a.lockConnect(d2, false, a.ioCapability()), ErrConnectBusy)

	a.unlockConnect(d1)
	assert.NoError(t, a.lockConnect(d2, false, a.ioCapability()))
	a.unlockConnectAny()
}

func TestResolveCache(t *testing.T) {
	a := testAdapter(t)
	rpa := mustAddr(t, "40:11:22:33:44:55", AddrLERandom)
	require.True(t, rpa.IsResolvablePrivate())
	identity := mustAddr(t, "C0:10:22:A0:10:00", AddrLEPublic)

	assert.Equal(t, rpa, a.resolveAddress(rpa), "unknown RPA resolves to itself")
	a.cacheResolvedAddress(rpa, identity)
	assert.Equal(t, identity, a.resolveAddress(rpa))
	// non-private addresses pass through untouched
	assert.Equal(t, identity, a.resolveAddress(identity))
}

func TestPoweredOffCleanup(t *testing.T) {
	a := testAdapter(t)
	addr := mustAddr(t, "AA:BB:CC:DD:EE:05", AddrLEPublic)
	d := newDevice(a, addr)
	d.hciHandle.Store(0x40)
	d.connectedFlag.Store(true)
	a.shared[addr] = d
	a.connected[addr] = d
	a.discovered[addr] = d
	a.metaScan = ScanLE
	a.nativeScan = ScanLE

	var reason uint8
	a.AddStatusListener(&AdapterStatusListener{
		DeviceDisconnected: func(_ *Device, r uint8, _ uint16, _ time.Time) { reason = r },
	})

	a.poweredOffCleanup()

	assert.Equal(t, ScanNone, a.MetaScan())
	assert.Equal(t, ScanNone, a.NativeScan())
	assert.Empty(t, a.DiscoveredDevices())
	assert.Empty(t, a.ConnectedDevices())
	assert.False(t, d.IsConnected())
	assert.Zero(t, d.ConnectionHandle(), "handle must be zero once disconnected")
	assert.Equal(t, uint8(hci.StatusRemotePowerOff), reason)
	assert.Equal(t, RoleMaster, a.Role())
}

func TestConnectedHandleInvariant(t *testing.T) {
	a := testAdapter(t)
	d := newDevice(a, mustAddr(t, "AA:BB:CC:DD:EE:06", AddrLEPublic))
	assert.False(t, d.IsConnected())
	assert.Zero(t, d.ConnectionHandle())

	d.hciHandle.Store(0x0040)
	d.connectedFlag.Store(true)
	assert.True(t, d.IsConnected())
	assert.NotZero(t, d.ConnectionHandle())

	d.onDisconnected(uint8(hci.StatusRemoteUserTerminated), time.Now())
	assert.False(t, d.IsConnected())
	assert.Zero(t, d.ConnectionHandle())
}
