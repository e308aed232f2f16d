package bt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sgothel/direct-bt-sub002/internal/hci"
)

func TestMgmtScanMask(t *testing.T) {
	assert.Equal(t, uint8(0), mgmtScanMask(ScanNone))
	assert.Equal(t, uint8(0b001), mgmtScanMask(ScanBREDR))
	assert.Equal(t, uint8(0b110), mgmtScanMask(ScanLE))
	assert.Equal(t, uint8(0b111), mgmtScanMask(ScanDual))
}

func TestDiscoveringEventTracksNativeAndMeta(t *testing.T) {
	a := testAdapter(t)

	var events []bool
	a.AddStatusListener(&AdapterStatusListener{
		DiscoveringChanged: func(_ *Adapter, current, changed ScanType, on bool, _ DiscoveryPolicy) {
			events = append(events, on)
		},
	})

	a.handleDiscoveringEvent(hci.MgmtDiscoveringEP{AddressTypeMask: 0b110, Discovering: true})
	assert.Equal(t, ScanLE, a.NativeScan())
	assert.Equal(t, ScanLE, a.MetaScan(), "native enable merges into meta")

	a.handleDiscoveringEvent(hci.MgmtDiscoveringEP{AddressTypeMask: 0b110, Discovering: false})
	assert.Equal(t, ScanNone, a.NativeScan())
	assert.Equal(t, ScanLE, a.MetaScan(), "meta survives a native stop")

	assert.Equal(t, []bool{true, false}, events)
}

// meta_scan ⊇ native_scan across a pause window.
func TestScanInclusionInvariantAcrossPause(t *testing.T) {
	a := testAdapter(t)
	a.scanMu.Lock()
	a.metaScan = ScanLE
	a.nativeScan = ScanLE
	a.policy = DiscoveryPauseConnectedUntilDisconnected
	a.scanMu.Unlock()

	d := newDevice(a, mustAddr(t, "AA:BB:CC:DD:EE:03", AddrLEPublic))
	a.pauseDiscoveryForConnect(d)

	meta, native := a.MetaScan(), a.NativeScan()
	assert.True(t, meta&native == native, "meta must include native")
	assert.Equal(t, ScanLE, meta, "pause keeps the meta intent")
	assert.Equal(t, ScanNone, native, "kernel auto-disabled the LE scan")

	a.scanMu.Lock()
	_, held := a.pausedDevs[d.Addr]
	a.scanMu.Unlock()
	assert.True(t, held, "the connecting device holds the pause")

	a.resumeDiscoveryFor(d, DiscoveryPauseConnectedUntilDisconnected)
	a.scanMu.Lock()
	assert.Empty(t, a.pausedDevs)
	a.scanMu.Unlock()
}

func TestAutoOffPolicyClearsMeta(t *testing.T) {
	a := testAdapter(t)
	a.scanMu.Lock()
	a.metaScan = ScanLE
	a.nativeScan = ScanLE
	a.policy = DiscoveryAutoOff
	a.scanMu.Unlock()

	d := newDevice(a, mustAddr(t, "AA:BB:CC:DD:EE:04", AddrLEPublic))
	a.pauseDiscoveryForConnect(d)

	assert.Equal(t, ScanNone, a.MetaScan(), "AUTO_OFF drops the intent")
	assert.Equal(t, ScanNone, a.NativeScan())
	a.scanMu.Lock()
	assert.Empty(t, a.pausedDevs, "AUTO_OFF pauses nothing")
	a.scanMu.Unlock()
}

func TestDisconnectReleasesPauseUnderAnyPolicy(t *testing.T) {
	a := testAdapter(t)
	d := newDevice(a, mustAddr(t, "AA:BB:CC:DD:EE:05", AddrLEPublic))
	a.scanMu.Lock()
	a.metaScan = ScanLE
	a.nativeScan = ScanLE // suppress the restart task in this test
	a.policy = DiscoveryPauseConnectedUntilPaired
	a.pausedDevs[d.Addr] = d
	a.scanMu.Unlock()

	// a ready event under the paired policy does not release
	a.resumeDiscoveryFor(d, DiscoveryPauseConnectedUntilReady)
	a.scanMu.Lock()
	assert.Len(t, a.pausedDevs, 1)
	a.scanMu.Unlock()

	// a disconnect always does
	a.resumeDiscoveryFor(d, DiscoveryPauseConnectedUntilDisconnected)
	a.scanMu.Lock()
	assert.Empty(t, a.pausedDevs)
	a.scanMu.Unlock()
}

func TestPairingReplyOutsideStateIsNoOp(t *testing.T) {
	a := testAdapter(t)
	d := newDevice(a, mustAddr(t, "AA:BB:CC:DD:EE:06", AddrLEPublic))

	assert.ErrorIs(t, d.SetPairingPasskey(123456), ErrWrongPairingState)
	assert.ErrorIs(t, d.SetPairingPasskeyNegative(), ErrWrongPairingState)
	assert.ErrorIs(t, d.SetPairingNumericComparison(true), ErrWrongPairingState)

	state, mode := d.PairingState()
	assert.Equal(t, PairingStateNone, state)
	assert.Equal(t, PairingModeNone, mode)
}

func TestMgmtPairingEventsAdvanceState(t *testing.T) {
	a := testAdapter(t)
	d := newDevice(a, mustAddr(t, "AA:BB:CC:DD:EE:07", AddrLEPublic))
	a.shared[d.Addr] = d

	d.handleMgmtPairingEvent(hci.MgmtEvUserPasskeyRequest, append(append([]byte{}, d.Addr.EUI48[:]...), uint8(d.Addr.Type)))
	state, _ := d.PairingState()
	assert.Equal(t, PairingStatePasskeyExpected, state)

	// the reply is accepted now (the MGMT send fails on the closed
	// transportless adapter, but the state transition happened)
	_ = d.SetPairingPasskey(123456)
	state, _ = d.PairingState()
	assert.Equal(t, PairingStateKeyDistribution, state)
}

func TestEncryptionResumeMarksPrePaired(t *testing.T) {
	a := testAdapter(t)
	d := newDevice(a, mustAddr(t, "AA:BB:CC:DD:EE:02", AddrLEPublic))
	a.shared[d.Addr] = d
	d.connectedFlag.Store(true)
	d.hciHandle.Store(0x0041)
	d.gattReady.Store(true)

	var states []PairingState
	var modes []PairingMode
	readyFired := false
	a.AddStatusListener(&AdapterStatusListener{
		DevicePairingState: func(_ *Device, s PairingState, m PairingMode, _ time.Time) {
			states = append(states, s)
			modes = append(modes, m)
		},
		DeviceReady: func(_ *Device, _ time.Time) { readyFired = true },
	})

	d.onEncryptionResumed()

	state, mode := d.PairingState()
	assert.Equal(t, PairingStateCompleted, state)
	assert.Equal(t, PairingModePrePaired, mode)
	assert.Contains(t, states, PairingStateCompleted)
	assert.Contains(t, modes, PairingModePrePaired)
	assert.True(t, readyFired, "deviceReady must fire after a pre-paired resume")

	// a second encryption event must not re-fire anything
	states = nil
	d.onEncryptionResumed()
	assert.Contains(t, states, PairingStateCompleted, "state notify repeats are fine")
}
