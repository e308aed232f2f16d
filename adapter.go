package bt

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/sgothel/direct-bt-sub002/internal/config"
	"github.com/sgothel/direct-bt-sub002/internal/hci"
	"github.com/sgothel/direct-bt-sub002/internal/smp"
)

// Adapter is one Bluetooth controller: its identity, mutable settings,
// discovery state machine, connection gate, and the shared/discovered/
// connected device sets. Constructed by the Manager, never directly.
type Adapter struct {
	Info AdapterInfo

	log     *logrus.Entry
	manager *Manager
	mgmt    *hci.MgmtTransport
	hciT    *hci.Transport

	// current settings word plus the prior value used for diffing, each
	// in its own atomic.
	curSettings atomic.Uint32
	oldSettings atomic.Uint32

	lisMu     sync.Mutex
	listeners []*AdapterStatusListener

	// device sets, each under its own mutex; never held across a
	// listener callback.
	sharedMu   sync.Mutex
	shared     map[Address]*Device
	discovMu   sync.Mutex
	discovered map[Address]*Device
	connMu     sync.Mutex
	connected  map[Address]*Device

	// discovery state machine
	scanMu       sync.Mutex
	metaScan     ScanType
	nativeScan   ScanType
	policy       DiscoveryPolicy
	pausedDevs   map[Address]*Device
	restartTries int

	// connection gate: at most one in-flight connection attempt
	gateMu     sync.Mutex
	gateCond   *sync.Cond
	gateHolder *Device
	priorIOCap smp.IOCapability

	resolveCache *lru.Cache
	keyStore     *smp.Store

	// default LE connection parameters applied by ConnectLE, 1.25ms /
	// 10ms units per the HCI command they feed.
	connParamsMu       sync.Mutex
	connIntervalMin    uint16
	connIntervalMax    uint16
	connLatency        uint16
	supervisionTimeout uint16

	role atomic.Uint32 // BTRole

	closed   atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newAdapter(m *Manager, info AdapterInfo, cur AdapterSetting, keyStore *smp.Store) (*Adapter, error) {
	cache, err := lru.New(config.Int(config.KeyResolveCacheEntries))
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		Info:         info,
		log:          logrus.WithField("component", "adapter").WithField("dev", info.Index),
		manager:      m,
		mgmt:         m.mgmt,
		shared:       map[Address]*Device{},
		discovered:   map[Address]*Device{},
		connected:    map[Address]*Device{},
		pausedDevs:   map[Address]*Device{},
		resolveCache: cache,
		keyStore:     keyStore,
		stopCh:       make(chan struct{}),
	}
	a.gateCond = sync.NewCond(&a.gateMu)
	a.curSettings.Store(uint32(cur))
	a.oldSettings.Store(uint32(cur))
	a.role.Store(uint32(RoleMaster))

	a.mgmt.OnEvent(info.Index, a.handleMgmtEvent)

	go a.watchdogLoop()
	go a.rssiPollLoop()
	return a, nil
}

func (a *Adapter) isClosed() bool { return a.closed.Load() }

// close tears the adapter down: stop discovery, close device channels,
// release the gate, stop the background loops.
func (a *Adapter) close() {
	a.stopOnce.Do(func() {
		a.closed.Store(true)
		close(a.stopCh)
		_ = a.StopDiscovery()
		for _, d := range a.ConnectedDevices() {
			d.onDisconnected(uint8(hci.StatusConnTerminatedByLocal), time.Now())
		}
		a.unlockConnectAny()
		if a.hciT != nil {
			a.hciT.Close()
		}
	})
}

// CurrentSettings returns the adapter's current settings word.
func (a *Adapter) CurrentSettings() AdapterSetting {
	return AdapterSetting(a.curSettings.Load())
}

// PreviousSettings returns the settings word before the most recent
// change, the "old" side of the last diff.
func (a *Adapter) PreviousSettings() AdapterSetting {
	return AdapterSetting(a.oldSettings.Load())
}

// IsPowered reports the powered settings bit.
func (a *Adapter) IsPowered() bool { return a.CurrentSettings().Has(SettingPowered) }

// Role returns the adapter's current role.
func (a *Adapter) Role() BTRole { return BTRole(a.role.Load()) }

func (a *Adapter) mgmtSend(op hci.MgmtOpcode, params []byte) ([]byte, error) {
	if a.isClosed() {
		return nil, ErrAdapterClosed
	}
	timeout := config.Duration(config.KeyHCICommandTimeout)
	if op == hci.MgmtOpSetPowered {
		timeout = config.Duration(config.KeyHCIPowerTimeout)
	}
	return a.mgmt.Send(op, a.Info.Index, params, timeout)
}

func (a *Adapter) hciSend(cp hci.CmdParam, timeout time.Duration) ([]byte, error) {
	if a.isClosed() {
		return nil, ErrAdapterClosed
	}
	if a.hciT == nil {
		t, err := hci.Open(int(a.Info.Index))
		if err != nil {
			return nil, fmt.Errorf("bt: opening HCI socket: %w", err)
		}
		a.hciT = t
		t.OnEvent(hci.EventLEMeta, a.handleHCILEMeta)
		t.OnEvent(hci.EventEncryptionChange, a.handleHCIEncryption)
		t.OnEvent(hci.EventEncryptionKeyRefresh, a.handleHCIEncryption)
	}
	return a.hciT.SendTimeout(cp, timeout)
}

func (a *Adapter) ioCapability() smp.IOCapability {
	return smp.IOCapability(config.Int(config.KeyIOCapability))
}

// ownAddrType returns the L2CAP address type of the local adapter: public
// unless a static random address is configured.
func (a *Adapter) ownAddrType() uint8 {
	if a.CurrentSettings().Has(SettingStaticAddress) {
		return 2
	}
	return 1
}

// SetPowered powers the controller up or down.
func (a *Adapter) SetPowered(on bool) error {
	_, err := a.mgmtSend(hci.MgmtOpSetPowered, hci.MarshalSetPowered(on))
	return err
}

// SetName sets the controller's local and short name.
func (a *Adapter) SetName(name, shortName string) error {
	_, err := a.mgmtSend(hci.MgmtOpSetLocalName, hci.MarshalSetLocalName(name, shortName))
	return err
}

// SetSecureConnections toggles LE Secure Connections support.
func (a *Adapter) SetSecureConnections(on bool) error {
	_, err := a.mgmtSend(hci.MgmtOpSetSecureConn, hci.MarshalSetPowered(on))
	return err
}

// SetBondable toggles bond persistence in the kernel.
func (a *Adapter) SetBondable(on bool) error {
	_, err := a.mgmtSend(hci.MgmtOpSetBondable, hci.MarshalSetPowered(on))
	return err
}

// SetDiscoverable makes the adapter visible to inquiring/scanning peers;
// a non-zero timeout reverts automatically.
func (a *Adapter) SetDiscoverable(on bool, timeout time.Duration) error {
	mode := uint8(0)
	if on {
		mode = 1
	}
	_, err := a.mgmtSend(hci.MgmtOpSetDiscoverable, hci.MarshalSetDiscoverable(mode, uint16(timeout/time.Second)))
	return err
}

// SetPrivacy enables LE privacy with the given local IRK.
//
// TODO: only a non-rotating static random address is supported; full
// resolving-list rotation needs LE Set Resolvable Private Address Timeout
// plumbing.
func (a *Adapter) SetPrivacy(on bool, irk [16]byte) error {
	mode := uint8(0)
	if on {
		mode = 1
	}
	_, err := a.mgmtSend(hci.MgmtOpSetPrivacy, hci.MarshalSetPrivacy(mode, irk))
	return err
}

// SetDefaultConnParams sets the LE connection parameter defaults used by
// subsequent LE Create Connection calls. Intervals are in 1.25ms units,
// the supervision timeout in 10ms units.
func (a *Adapter) SetDefaultConnParams(intervalMin, intervalMax, latency, supervisionTimeout uint16) {
	a.connParamsMu.Lock()
	a.connIntervalMin = intervalMin
	a.connIntervalMax = intervalMax
	a.connLatency = latency
	a.supervisionTimeout = supervisionTimeout
	a.connParamsMu.Unlock()
}

// defaultConnParams returns the configured LE connection parameters, or
// the stack defaults when unset.
func (a *Adapter) defaultConnParams() (min, max, latency, timeout uint16) {
	a.connParamsMu.Lock()
	defer a.connParamsMu.Unlock()
	if a.connIntervalMax == 0 {
		return 0x0018, 0x0028, 0x0000, 0x002a
	}
	return a.connIntervalMin, a.connIntervalMax, a.connLatency, a.supervisionTimeout
}

// AddStatusListener registers a listener and delivers the synthetic
// initial settings event (old = NONE, diff = NONE).
func (a *Adapter) AddStatusListener(l *AdapterStatusListener) {
	a.lisMu.Lock()
	a.listeners = append(a.listeners, l)
	a.lisMu.Unlock()
	if l.SettingsChanged != nil {
		l.SettingsChanged(a, SettingNone, a.CurrentSettings(), SettingNone)
	}
}

// RemoveStatusListener removes a listener; removal takes effect no later
// than the next dispatch.
func (a *Adapter) RemoveStatusListener(l *AdapterStatusListener) bool {
	a.lisMu.Lock()
	defer a.lisMu.Unlock()
	for i, have := range a.listeners {
		if have == l {
			a.listeners = append(a.listeners[:i], a.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// statusListeners snapshots the listener list for dispatch.
func (a *Adapter) statusListeners() []*AdapterStatusListener {
	a.lisMu.Lock()
	defer a.lisMu.Unlock()
	return append([]*AdapterStatusListener(nil), a.listeners...)
}

// handleMgmtEvent is the adapter's slice of the MGMT event fan-out.
func (a *Adapter) handleMgmtEvent(code hci.MgmtEventCode, index uint16, params []byte) {
	switch code {
	case hci.MgmtEvNewSettings:
		ep, err := hci.ParseMgmtNewSettings(params)
		if err != nil {
			return
		}
		a.applyNewSettings(AdapterSetting(ep.Current))

	case hci.MgmtEvDiscovering:
		ep, err := hci.ParseMgmtDiscovering(params)
		if err != nil {
			return
		}
		a.handleDiscoveringEvent(ep)

	case hci.MgmtEvDeviceFound:
		ep, err := hci.ParseMgmtDeviceFound(params)
		if err != nil {
			return
		}
		a.handleDeviceFound(ep)

	case hci.MgmtEvDeviceConnected:
		ep, err := hci.ParseMgmtDeviceConnected(params)
		if err != nil {
			return
		}
		a.handleDeviceConnected(ep)

	case hci.MgmtEvDeviceDisconnected:
		ep, err := hci.ParseMgmtDeviceDisconnected(params)
		if err != nil {
			return
		}
		a.handleDeviceDisconnected(ep)

	case hci.MgmtEvConnectFailed:
		ep, err := hci.ParseMgmtConnectFailed(params)
		if err != nil {
			return
		}
		addr := a.resolveAddress(mgmtAddress(ep.Address, ep.AddressType))
		if d := a.findDevice(addr); d != nil {
			a.log.Warnf("connect to %s failed: %v", addr, ep.Status)
			a.unlockConnect(d)
		}

	case hci.MgmtEvUserConfirmRequest, hci.MgmtEvUserPasskeyRequest,
		hci.MgmtEvNewLongTermKey, hci.MgmtEvNewIRK, hci.MgmtEvAuthFailed:
		a.routePairingEvent(code, params)
	}
}

// routePairingEvent forwards a pairing-related MGMT event to its device.
func (a *Adapter) routePairingEvent(code hci.MgmtEventCode, params []byte) {
	var raw [6]byte
	var at uint8
	switch code {
	case hci.MgmtEvNewLongTermKey:
		ep, err := hci.ParseMgmtNewLTK(params)
		if err != nil {
			return
		}
		raw, at = ep.Key.Address, ep.Key.AddressType
	case hci.MgmtEvNewIRK:
		ep, err := hci.ParseMgmtNewIRK(params)
		if err != nil {
			return
		}
		raw, at = ep.RPA, 2
		if (raw == [6]byte{}) {
			raw, at = ep.Key.Address, ep.Key.AddressType
		}
	default:
		if len(params) < 7 {
			return
		}
		copy(raw[:], params[:6])
		at = params[6]
	}
	addr := a.resolveAddress(mgmtAddress(raw, at))
	if d := a.findDevice(addr); d != nil {
		d.handleMgmtPairingEvent(code, params)
	}
}

// applyNewSettings updates the atomic settings word, fans the diff out,
// and runs the powered-off cleanup when the powered bit fell.
func (a *Adapter) applyNewSettings(cur AdapterSetting) {
	old := AdapterSetting(a.curSettings.Swap(uint32(cur)))
	a.oldSettings.Store(uint32(old))
	diff := old ^ cur
	if diff == 0 {
		return
	}
	a.log.Debugf("settings %s -> %s (diff %s)", old, cur, diff)
	for _, l := range a.statusListeners() {
		if l.SettingsChanged != nil {
			l.SettingsChanged(a, old, cur, diff)
		}
	}
	if diff.Has(SettingPowered) && !cur.Has(SettingPowered) {
		// off-thread: this arrives on the MGMT reader
		go a.poweredOffCleanup()
	}
}

// poweredOffCleanup runs when the controller lost power: stop discovery,
// disconnect everything with reason hci.StatusRemotePowerOff (hci.Status
// has no separate not-powered code), clear discovered devices, reset scan
// state and role, release the connection gate.
func (a *Adapter) poweredOffCleanup() {
	a.scanMu.Lock()
	a.metaScan = ScanNone
	a.nativeScan = ScanNone
	a.pausedDevs = map[Address]*Device{}
	a.scanMu.Unlock()

	now := time.Now()
	for _, d := range a.ConnectedDevices() {
		a.connMu.Lock()
		delete(a.connected, d.Addr)
		a.connMu.Unlock()
		d.onDisconnected(uint8(hci.StatusRemotePowerOff), now)
	}
	a.discovMu.Lock()
	a.discovered = map[Address]*Device{}
	a.discovMu.Unlock()

	a.role.Store(uint32(RoleMaster))
	a.unlockConnectAny()
}

func mgmtAddress(raw [6]byte, addrType uint8) Address {
	var addr Address
	copy(addr.EUI48[:], raw[:])
	addr.Type = AddressType(addrType)
	return addr
}

// findDevice looks an address up across every set, shared last since it
// is the superset.
func (a *Adapter) findDevice(addr Address) *Device {
	a.connMu.Lock()
	if d, ok := a.connected[addr]; ok {
		a.connMu.Unlock()
		return d
	}
	a.connMu.Unlock()
	a.discovMu.Lock()
	if d, ok := a.discovered[addr]; ok {
		a.discovMu.Unlock()
		return d
	}
	a.discovMu.Unlock()
	a.sharedMu.Lock()
	defer a.sharedMu.Unlock()
	return a.shared[addr]
}

// FindDevice returns the device known under addr, transparently resolving
// a resolvable-private address through the resolving cache.
func (a *Adapter) FindDevice(addr Address) *Device {
	return a.findDevice(a.resolveAddress(addr))
}

// resolveAddress maps a resolvable-private address to its cached identity
// address when one is known.
func (a *Adapter) resolveAddress(addr Address) Address {
	if !addr.IsResolvablePrivate() {
		return addr
	}
	if v, ok := a.resolveCache.Get(addr); ok {
		return v.(Address)
	}
	return addr
}

// cacheResolvedAddress records an RPA -> identity mapping learned from
// key distribution.
func (a *Adapter) cacheResolvedAddress(rpa, identity Address) {
	if rpa == identity || identity.EUI48.IsZero() {
		return
	}
	a.resolveCache.Add(rpa, identity)
}

// DiscoveredDevices returns the devices sighted in the current discovery
// session.
func (a *Adapter) DiscoveredDevices() []*Device {
	a.discovMu.Lock()
	defer a.discovMu.Unlock()
	out := make([]*Device, 0, len(a.discovered))
	for _, d := range a.discovered {
		out = append(out, d)
	}
	return out
}

// ConnectedDevices returns the currently connected devices.
func (a *Adapter) ConnectedDevices() []*Device {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	out := make([]*Device, 0, len(a.connected))
	for _, d := range a.connected {
		out = append(out, d)
	}
	return out
}

// removeDevice drops a device from every set.
func (a *Adapter) removeDevice(d *Device) {
	a.connMu.Lock()
	delete(a.connected, d.Addr)
	a.connMu.Unlock()
	a.discovMu.Lock()
	delete(a.discovered, d.Addr)
	a.discovMu.Unlock()
	a.sharedMu.Lock()
	delete(a.shared, d.Addr)
	a.sharedMu.Unlock()
}

// foundCase is the action the seven-case found-device table selects.
type foundCase uint8

const (
	foundDrop foundCase = iota
	foundNew
	foundReShare
	foundReDiscover
	foundUpdate
)

// classifyFound joins the three membership booleans and the update mask
// into the table of spec'd found-device behavior. Re device_discovered:
// even though the device was not in the discovered set, a shared device
// re-entering discovery is reported found again so listeners can re-pick
// it.
func classifyFound(connected, discovered, shared bool, diff EIRDataType) foundCase {
	switch {
	case connected:
		return foundDrop
	case !discovered && !shared:
		return foundNew
	case !discovered && shared:
		return foundReDiscover
	case discovered && !shared:
		if diff&(EIRName|EIRNameShort) != 0 {
			return foundReShare
		}
		return foundDrop
	default: // discovered && shared
		if diff != EIRNone {
			return foundUpdate
		}
		return foundDrop
	}
}

// handleDeviceFound applies the found-device table to one sighting.
func (a *Adapter) handleDeviceFound(ep hci.MgmtDeviceFoundEP) {
	now := time.Now()
	addr := a.resolveAddress(mgmtAddress(ep.Address, ep.AddressType))

	report := ParseEIR(ep.EIR)
	report.RSSI = ep.RSSI
	report.Set |= EIRRSSI

	a.connMu.Lock()
	_, isConnected := a.connected[addr]
	a.connMu.Unlock()
	a.discovMu.Lock()
	dev, isDiscovered := a.discovered[addr]
	a.discovMu.Unlock()
	a.sharedMu.Lock()
	sdev, isShared := a.shared[addr]
	a.sharedMu.Unlock()
	if dev == nil {
		dev = sdev
	}

	var diff EIRDataType
	if dev != nil {
		dev.mu.Lock()
		diff = dev.applyEIRLocked(report, now)
		dev.mu.Unlock()
	}

	switch classifyFound(isConnected, isDiscovered, isShared, diff) {
	case foundDrop:
		return

	case foundNew:
		dev = newDevice(a, addr)
		dev.mu.Lock()
		dev.applyEIRLocked(report, now)
		dev.mu.Unlock()
		dev.touchDiscovery(now)
		a.discovMu.Lock()
		a.discovered[addr] = dev
		a.discovMu.Unlock()
		a.sharedMu.Lock()
		a.shared[addr] = dev
		a.sharedMu.Unlock()
		a.dispatchDeviceFound(dev, now, true)

	case foundReDiscover:
		dev.touchDiscovery(now)
		a.discovMu.Lock()
		a.discovered[addr] = dev
		a.discovMu.Unlock()
		// keys from a previous life may be stale
		a.removeKeyBin(addr)
		a.dispatchDeviceFound(dev, now, false)

	case foundReShare:
		dev.touchDiscovery(now)
		a.sharedMu.Lock()
		a.shared[addr] = dev
		a.sharedMu.Unlock()
		a.dispatchDeviceFound(dev, now, false)

	case foundUpdate:
		dev.touchDiscovery(now)
		for _, l := range a.statusListeners() {
			if l.DeviceUpdated != nil {
				l.DeviceUpdated(dev, diff, now)
			}
		}
	}
}

// dispatchDeviceFound fans DeviceFound out; if no listener picks the
// device up and it was freshly shared, it is released from the shared set
// but kept in discovered to suppress duplicates until the next
// startDiscovery.
func (a *Adapter) dispatchDeviceFound(d *Device, ts time.Time, releaseIfUnpicked bool) {
	picked := false
	for _, l := range a.statusListeners() {
		if l.DeviceFound == nil {
			continue
		}
		if l.DeviceFound(d, ts) {
			picked = true
		}
	}
	if !picked && releaseIfUnpicked {
		a.sharedMu.Lock()
		delete(a.shared, d.Addr)
		a.sharedMu.Unlock()
	}
}

// handleDeviceConnected books the connection and lets the discovery
// policy pause scanning.
func (a *Adapter) handleDeviceConnected(ep hci.MgmtDeviceConnectedEP) {
	now := time.Now()
	addr := a.resolveAddress(mgmtAddress(ep.Address, ep.AddressType))

	d := a.findDevice(addr)
	if d == nil {
		d = newDevice(a, addr)
		a.sharedMu.Lock()
		a.shared[addr] = d
		a.sharedMu.Unlock()
	}
	if len(ep.EIR) > 0 {
		d.mu.Lock()
		d.applyEIRLocked(ParseEIR(ep.EIR), now)
		d.mu.Unlock()
	}

	a.connMu.Lock()
	a.connected[addr] = d
	a.connMu.Unlock()

	handle := d.ConnectionHandle()
	if handle == 0 {
		// MGMT carries no handle; the HCI LE Connection Complete fills
		// the real one in when the raw channel is open. Use a synthetic
		// non-zero placeholder to keep the handle/connected invariant.
		handle = 0xFFFF
	}

	// the attempt completed; free the gate for the next connect
	a.unlockConnect(d)
	a.pauseDiscoveryForConnect(d)
	d.onConnected(handle, now)
}

// handleDeviceDisconnected maps the MGMT reason onto an HCI reason and
// unbooks the connection.
func (a *Adapter) handleDeviceDisconnected(ep hci.MgmtDeviceDisconnectedEP) {
	now := time.Now()
	addr := a.resolveAddress(mgmtAddress(ep.Address, ep.AddressType))

	a.connMu.Lock()
	d := a.connected[addr]
	delete(a.connected, addr)
	a.connMu.Unlock()
	if d == nil {
		return
	}

	var reason hci.Status
	switch ep.Reason {
	case hci.MgmtReasonConnTimeout:
		reason = hci.StatusConnTimeout
	case hci.MgmtReasonLocalHost, hci.MgmtReasonLocalHostSuspend:
		reason = hci.StatusConnTerminatedByLocal
	case hci.MgmtReasonRemote:
		reason = hci.StatusRemoteUserTerminated
	case hci.MgmtReasonAuthFailure:
		reason = hci.StatusAuthFailure
	default:
		reason = hci.StatusUnspecifiedError
	}

	a.unlockConnect(d)
	d.onDisconnected(uint8(reason), now)
	a.resumeDiscoveryFor(d, DiscoveryPauseConnectedUntilDisconnected)
}

// handleHCILEMeta consumes LE Meta events from the raw per-adapter HCI
// socket, filling in the real connection handle.
func (a *Adapter) handleHCILEMeta(ev hci.Event) {
	if !ev.HasSub || ev.Sub != hci.LESubeventConnectionComplete {
		return
	}
	ep, err := hci.ParseLEConnectionComplete(ev.Params)
	if err != nil || ep.Status != hci.StatusSuccess {
		return
	}
	addrType := AddrLEPublic
	if ep.PeerAddressType == 0x01 {
		addrType = AddrLERandom
	}
	addr := a.resolveAddress(mgmtAddress(ep.PeerAddress, uint8(addrType)))
	if d := a.findDevice(addr); d != nil {
		d.hciHandle.Store(uint32(ep.ConnectionHandle))
		if ep.Role == 1 {
			a.role.Store(uint32(RoleSlave))
		}
	}
}

// handleHCIEncryption treats a successful encryption change/refresh with
// no SMP exchange in progress as a stored-key resume.
func (a *Adapter) handleHCIEncryption(ev hci.Event) {
	if len(ev.Params) < 3 || hci.Status(ev.Params[0]) != hci.StatusSuccess {
		return
	}
	handle := uint16(ev.Params[1]) | uint16(ev.Params[2])<<8
	for _, d := range a.ConnectedDevices() {
		if d.ConnectionHandle() == handle {
			d.onEncryptionResumed()
			return
		}
	}
}

// storeKeyBin serializes a completed pairing to the key path.
func (a *Adapter) storeKeyBin(d *Device) error {
	if a.keyStore == nil {
		return nil
	}
	d.pairingMu.Lock()
	p := &d.pairing
	bin := &smp.KeyBin{
		LocalAddr:      a.Info.Address,
		LocalAddrType:  uint8(AddrLEPublic),
		RemoteAddr:     d.Addr.EUI48,
		RemoteAddrType: uint8(d.Addr.Type),
		IsInitiator:    a.Role() == RoleMaster,
		Mode:           uint8(p.Mode),
		SecLevel:       uint8(SecurityEncOnly),
		InitLTK:        p.InitLTK,
		RespLTK:        p.RespLTK,
		InitIRK:        p.InitIRK,
		RespIRK:        p.RespIRK,
		InitCSRK:       p.InitCSRK,
		RespCSRK:       p.RespCSRK,
		Created:        time.Now(),
	}
	if p.InitAuth&smp.AuthMITM != 0 && p.RespAuth&smp.AuthMITM != 0 {
		bin.SecLevel = uint8(SecurityEncAuth)
	}
	d.pairingMu.Unlock()
	return a.keyStore.Write(bin, d.Addr.EUI48.String())
}

// removeKeyBin deletes the persisted keys of one peer.
func (a *Adapter) removeKeyBin(addr Address) {
	if a.keyStore == nil {
		return
	}
	if err := a.keyStore.Remove(addr.EUI48.String(), uint8(addr.Type)); err != nil {
		a.log.WithError(err).Warnf("removing key bin for %s failed", addr)
	}
}

// preloadKeysFor uploads one peer's stored keys into the kernel before a
// connect, so encryption resumes without re-pairing. A peripheral-role
// local side unpairs first to avoid stale SC DHKey mismatches.
func (a *Adapter) preloadKeysFor(d *Device) {
	if a.keyStore == nil {
		return
	}
	bin, err := a.keyStore.Read(d.Addr.EUI48.String(), uint8(d.Addr.Type))
	if err != nil {
		return
	}
	if a.Role() == RoleSlave {
		_, _ = a.mgmtSend(hci.MgmtOpUnpairDevice, hci.MarshalUnpairDevice(d.Addr.EUI48, uint8(d.Addr.Type), false))
	}
	a.uploadKeyBin(bin)
}

// preloadAllKeys scans the key path on adapter open and uploads every bin
// whose local adapter matches.
func (a *Adapter) preloadAllKeys() {
	if a.keyStore == nil {
		return
	}
	bins, err := a.keyStore.LoadAll(a.Info.Address)
	if err != nil {
		a.log.WithError(err).Warn("scanning key path failed")
		return
	}
	var ltks []hci.MgmtLTKInfo
	var irks []hci.MgmtIRKInfo
	for _, bin := range bins {
		ltks = append(ltks, binLTKs(bin)...)
		if bin.RespIRK != nil {
			irks = append(irks, hci.MgmtIRKInfo{
				Address:     bin.RespIRK.IdentityAddr,
				AddressType: bin.RespIRK.IdentityAddrType,
				Value:       bin.RespIRK.Key,
			})
		}
	}
	if len(ltks) > 0 {
		if _, err := a.mgmtSend(hci.MgmtOpLoadLongTermKeys, hci.MarshalLoadLTKs(ltks)); err != nil {
			a.log.WithError(err).Warn("loading long-term keys failed")
		}
	}
	if len(irks) > 0 {
		if _, err := a.mgmtSend(hci.MgmtOpLoadIRKs, hci.MarshalLoadIRKs(irks)); err != nil {
			a.log.WithError(err).Warn("loading IRKs failed")
		}
	}
	a.log.Debugf("preloaded %d key bins (%d LTKs, %d IRKs)", len(bins), len(ltks), len(irks))
}

func (a *Adapter) uploadKeyBin(bin *smp.KeyBin) {
	ltks := binLTKs(bin)
	if len(ltks) > 0 {
		if _, err := a.mgmtSend(hci.MgmtOpLoadLongTermKeys, hci.MarshalLoadLTKs(ltks)); err != nil {
			a.log.WithError(err).Warn("uploading long-term keys failed")
		}
	}
}

func binLTKs(bin *smp.KeyBin) []hci.MgmtLTKInfo {
	var out []hci.MgmtLTKInfo
	for _, ltk := range []*smp.LTK{bin.InitLTK, bin.RespLTK} {
		if ltk == nil {
			continue
		}
		keyType := uint8(0x00)
		if ltk.Properties&smp.LTKSecureConn != 0 {
			keyType = 0x02
		}
		if ltk.Properties&smp.LTKAuthenticated != 0 {
			keyType++
		}
		central := uint8(1)
		if ltk.Properties&smp.LTKResponder != 0 {
			central = 0
		}
		out = append(out, hci.MgmtLTKInfo{
			Address:     bin.RemoteAddr,
			AddressType: bin.RemoteAddrType,
			KeyType:     keyType,
			Central:     central,
			EncSize:     ltk.EncSize,
			EDiv:        ltk.EDiv,
			Rand:        ltk.Rand,
			Value:       ltk.Key,
		})
	}
	return out
}

// ReadRSSI reads the current RSSI of a connected device over the raw HCI
// socket.
func (a *Adapter) ReadRSSI(d *Device) (int8, error) {
	handle := d.ConnectionHandle()
	if handle == 0 {
		return 0, ErrNotConnected
	}
	params, err := a.hciSend(hci.ReadRSSI{Handle: handle}, config.Duration(config.KeyHCICommandTimeout))
	if err != nil {
		return 0, err
	}
	ret, err := hci.ParseReadRSSIReturn(params)
	if err != nil {
		return 0, err
	}
	if err := ret.Status.Err(); err != nil {
		return 0, err
	}
	d.mu.Lock()
	prev := d.RSSI
	d.RSSI = ret.RSSI
	d.LastRSSIUpdate = time.Now()
	d.mu.Unlock()
	delta := int(ret.RSSI) - int(prev)
	if delta < 0 {
		delta = -delta
	}
	if delta > 6 {
		now := time.Now()
		for _, l := range a.statusListeners() {
			if l.DeviceUpdated != nil {
				l.DeviceUpdated(d, EIRRSSI, now)
			}
		}
	}
	return ret.RSSI, nil
}

// rssiPollLoop periodically refreshes the RSSI of every connected device;
// interval 0 disables the loop.
func (a *Adapter) rssiPollLoop() {
	interval := config.Duration(config.KeyRSSIPollInterval)
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			for _, d := range a.ConnectedDevices() {
				_, _ = a.ReadRSSI(d)
			}
		}
	}
}

// watchdogLoop drives the pairing watchdog until the adapter closes.
func (a *Adapter) watchdogLoop() {
	interval := config.Duration(config.KeySMPWatchdogInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			for _, d := range a.ConnectedDevices() {
				d.pairingWatchdogCheck(interval)
			}
		}
	}
}
