package bt

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sgothel/direct-bt-sub002/internal/codec"
	"github.com/sgothel/direct-bt-sub002/internal/config"
	"github.com/sgothel/direct-bt-sub002/internal/hci"
	"github.com/sgothel/direct-bt-sub002/internal/l2cap"
	"github.com/sgothel/direct-bt-sub002/internal/smp"
)

// cidATT and cidSMP are the fixed L2CAP channel identifiers.
const (
	cidATT uint16 = 0x0004
	cidSMP uint16 = 0x0006
)

// ErrAdapterClosed is returned by device operations once the owning
// adapter has been closed.
var ErrAdapterClosed = errors.New("bt: adapter closed")

// ErrNotConnected is returned by operations that need a live connection.
var ErrNotConnected = errors.New("bt: device not connected")

// Device is one remote peer, keyed by (adapter, address, address type).
// The adapter's shared set is the lifetime authority; the device holds
// only a back-reference to its adapter, checked on each use.
type Device struct {
	adapter *Adapter
	log     *logrus.Entry

	// Addr is the equality key.
	Addr Address

	Created time.Time

	mu            sync.Mutex
	lastDiscovery time.Time
	lastUpdate    time.Time

	Name       string
	RSSI       int8
	TxPower    int8
	Appearance uint16
	Services   []codec.UUID
	ManufID    uint16
	ManufData  []byte

	// LastRSSIUpdate is bumped by the adapter's RSSI poll loop.
	LastRSSIUpdate time.Time

	LEFeatures uint64

	// hciHandle is non-zero iff connected.
	hciHandle       atomic.Uint32
	connectedFlag   atomic.Bool
	allowDisconnect atomic.Bool

	pairingMu sync.Mutex
	pairing   PairingData

	autoSecurity atomic.Bool
	secLevel     SecurityLevel

	attCh      *l2cap.Channel
	gatt       *GATTEngine
	smpHandler *smp.Handler

	gattReady     atomic.Bool
	readyNotified atomic.Bool
}

func newDevice(a *Adapter, addr Address) *Device {
	d := &Device{
		adapter: a,
		log:     logrus.WithField("component", "device").WithField("addr", addr.String()),
		Addr:    addr,
		Created: time.Now(),
	}
	d.allowDisconnect.Store(true)
	return d
}

// Adapter returns the owning adapter, or an error when it has closed.
func (d *Device) Adapter() (*Adapter, error) {
	if d.adapter == nil || d.adapter.isClosed() {
		return nil, ErrAdapterClosed
	}
	return d.adapter, nil
}

// ConnectionHandle returns the current HCI connection handle, zero when
// disconnected.
func (d *Device) ConnectionHandle() uint16 { return uint16(d.hciHandle.Load()) }

// IsConnected reports whether the controller holds a connection to this
// device.
func (d *Device) IsConnected() bool { return d.connectedFlag.Load() }

func (d *Device) String() string {
	return fmt.Sprintf("device[%s, %q, handle 0x%04x]", d.Addr, d.GetName(), d.ConnectionHandle())
}

// GetName returns the advertised or GATT-read device name.
func (d *Device) GetName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Name
}

// applyEIRLocked merges one sighting into the device record and returns
// the changed-field mask. Caller must hold d.mu.
func (d *Device) applyEIRLocked(r *EInfoReport, ts time.Time) EIRDataType {
	diff := r.diffAgainst(d)
	if name := r.BestName(); name != "" && name != d.Name {
		d.Name = name
	}
	if r.Set&EIRRSSI != 0 {
		d.RSSI = r.RSSI
	}
	if r.Set&EIRTxPower != 0 {
		d.TxPower = r.TxPower
	}
	if r.Set&EIRAppearance != 0 {
		d.Appearance = r.Appearance
	}
	if r.Set&EIRManufData != 0 {
		d.ManufID = r.ManufID
		d.ManufData = append([]byte(nil), r.ManufData...)
	}
	if r.Set&EIRServices != 0 {
		for _, u := range r.Services {
			known := false
			for _, have := range d.Services {
				if have.Equal(u) {
					known = true
					break
				}
			}
			if !known {
				d.Services = append(d.Services, u)
			}
		}
	}
	d.lastUpdate = ts
	return diff
}

// applyEIR merges a sighting and notifies DeviceUpdated on change; used
// by the engine's Generic Access probe.
func (d *Device) applyEIR(r *EInfoReport, ts time.Time) {
	d.mu.Lock()
	diff := d.applyEIRLocked(r, ts)
	d.mu.Unlock()
	if diff == EIRNone {
		return
	}
	for _, l := range d.adapter.statusListeners() {
		if l.DeviceUpdated != nil {
			l.DeviceUpdated(d, diff, ts)
		}
	}
}

// ConnectLE initiates an LE connection. Only one connection attempt may
// be in flight per adapter; the attempt holds the adapter's connection
// gate until the connect completes or fails. The outcome is delivered via
// the DeviceConnected/DeviceDisconnected listener events.
func (d *Device) ConnectLE() error {
	a, err := d.Adapter()
	if err != nil {
		return err
	}
	if d.IsConnected() {
		return nil
	}
	if err := a.lockConnect(d, true, a.ioCapability()); err != nil {
		return err
	}
	// preload persisted keys so an encrypted reconnect skips re-pairing
	a.preloadKeysFor(d)

	peerType := uint8(0x00) // LE public
	if d.Addr.Type == AddrLERandom {
		peerType = 0x01
	}
	ivMin, ivMax, latency, supTimeout := a.defaultConnParams()
	cmd := hci.LECreateConn{
		ScanInterval:       0x0060,
		ScanWindow:         0x0030,
		PeerAddressType:    peerType,
		PeerAddress:        d.Addr.EUI48,
		ConnIntervalMin:    ivMin,
		ConnIntervalMax:    ivMax,
		ConnLatency:        latency,
		SupervisionTimeout: supTimeout,
		MinCELength:        0x0000,
		MaxCELength:        0x0000,
	}
	if _, err := a.hciSend(cmd, config.Duration(config.KeyHCICommandTimeout)); err != nil {
		a.unlockConnect(d)
		return fmt.Errorf("bt: LE create connection: %w", err)
	}
	return nil
}

// ConnectBREDR initiates a classic connection by adding the device to the
// kernel's list through MGMT Add Device with the auto-connect action;
// BR/EDR page/connect is controller-scheduled.
func (d *Device) ConnectBREDR() error {
	a, err := d.Adapter()
	if err != nil {
		return err
	}
	if d.Addr.Type != AddrBREDR {
		return fmt.Errorf("bt: %s is not a BR/EDR address", d.Addr)
	}
	if err := a.lockConnect(d, true, a.ioCapability()); err != nil {
		return err
	}
	_, err = a.mgmtSend(hci.MgmtOpAddDevice, hci.MarshalAddDevice(d.Addr.EUI48, uint8(d.Addr.Type), 2))
	if err != nil {
		a.unlockConnect(d)
	}
	return err
}

// ConnectDefault picks the transport from the address type.
func (d *Device) ConnectDefault() error {
	if d.Addr.Type == AddrBREDR {
		return d.ConnectBREDR()
	}
	return d.ConnectLE()
}

// Disconnect tears the connection down. The DeviceDisconnected listener
// event delivers the final reason.
func (d *Device) Disconnect() error {
	a, err := d.Adapter()
	if err != nil {
		return err
	}
	if !d.IsConnected() {
		return nil
	}
	if !d.allowDisconnect.Load() {
		return fmt.Errorf("bt: disconnect not allowed for %s", d.Addr)
	}
	_, err = a.mgmtSend(hci.MgmtOpDisconnect, hci.MarshalDisconnect(d.Addr.EUI48, uint8(d.Addr.Type)))
	return err
}

// Pair starts kernel-driven pairing with the adapter's I/O capability.
// Progress and completion arrive via DevicePairingState events.
func (d *Device) Pair() error {
	a, err := d.Adapter()
	if err != nil {
		return err
	}
	d.pairingMu.Lock()
	if d.pairing.State == PairingStateNone {
		d.pairing.State = PairingStateFeatureExchangeStarted
		d.pairing.Mode = PairingModeNegotiating
		d.pairing.LastEvent = time.Now()
	}
	d.pairingMu.Unlock()
	_, err = a.mgmtSend(hci.MgmtOpPairDevice,
		hci.MarshalPairDevice(d.Addr.EUI48, uint8(d.Addr.Type), uint8(a.ioCapability())))
	if err != nil {
		if errors.Is(err, hci.MgmtAlreadyPaired) {
			// same outcome as an encryption resume from stored keys
			d.onEncryptionResumed()
			return nil
		}
		d.pairingMu.Lock()
		d.pairing.State = PairingStateFailed
		d.pairingMu.Unlock()
	}
	return err
}

// SetConnectionSecurity selects the BT security level applied to the ATT
// channel on connect, and whether a stalled pairing that the watchdog
// fails leaves the link up instead of disconnecting. Pairing itself is not
// retried.
func (d *Device) SetConnectionSecurity(level SecurityLevel, autoRetry bool) {
	d.mu.Lock()
	d.secLevel = level
	d.mu.Unlock()
	d.autoSecurity.Store(autoRetry)
}

// Unpair deletes kernel-side bonds and the persisted key bin.
func (d *Device) Unpair() error {
	a, err := d.Adapter()
	if err != nil {
		return err
	}
	_, mgmtErr := a.mgmtSend(hci.MgmtOpUnpairDevice,
		hci.MarshalUnpairDevice(d.Addr.EUI48, uint8(d.Addr.Type), false))
	a.removeKeyBin(d.Addr)
	d.pairingMu.Lock()
	d.pairing.reset()
	d.pairingMu.Unlock()
	return mgmtErr
}

// Remove disconnects if needed and drops the device from every adapter
// set.
func (d *Device) Remove() error {
	a, err := d.Adapter()
	if err != nil {
		return err
	}
	if d.IsConnected() {
		_ = d.Disconnect()
	}
	a.removeDevice(d)
	return nil
}

// GetGattServices returns the discovered service tree, running discovery
// first if it has not happened yet.
func (d *Device) GetGattServices() ([]*Service, error) {
	d.mu.Lock()
	engine := d.gatt
	d.mu.Unlock()
	if engine == nil {
		return nil, ErrNotConnected
	}
	if svcs := engine.Services(); len(svcs) > 0 {
		return svcs, nil
	}
	return engine.DiscoverServices()
}

// AddCharacteristicListener registers a notification/indication listener.
func (d *Device) AddCharacteristicListener(l *CharacteristicListener) error {
	d.mu.Lock()
	engine := d.gatt
	d.mu.Unlock()
	if engine == nil {
		return ErrNotConnected
	}
	engine.AddListener(l)
	return nil
}

// RemoveCharacteristicListener removes a previously added listener.
func (d *Device) RemoveCharacteristicListener(l *CharacteristicListener) bool {
	d.mu.Lock()
	engine := d.gatt
	d.mu.Unlock()
	if engine == nil {
		return false
	}
	return engine.RemoveListener(l)
}

// Gatt returns the live GATT engine, or nil while disconnected.
func (d *Device) Gatt() *GATTEngine {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gatt
}

// onConnected is invoked by the adapter on the controller's connection
// event: record the handle, bring up ATT/GATT and the SMP view, then
// run service discovery off the event path.
func (d *Device) onConnected(handle uint16, ts time.Time) {
	d.hciHandle.Store(uint32(handle))
	d.connectedFlag.Store(true)
	d.readyNotified.Store(false)
	d.gattReady.Store(false)

	for _, l := range d.adapter.statusListeners() {
		if l.DeviceConnected != nil {
			l.DeviceConnected(d, handle, ts)
		}
	}

	go d.setupConnection()
}

func (d *Device) setupConnection() {
	a := d.adapter
	d.mu.Lock()
	level := d.secLevel
	d.mu.Unlock()

	ch, err := l2cap.Connect(a.Info.Address, a.ownAddrType(), d.Addr.EUI48, l2capAddrType(d.Addr.Type), 0, cidATT)
	if err != nil {
		d.log.WithError(err).Warn("opening ATT channel failed")
		_ = d.Disconnect()
		return
	}
	// security strictly post-connect; pre-connect is known to deadlock
	// the kernel SMP thread
	if level > SecurityNone {
		if err := ch.SetSecurityLevel(l2cap.SecurityLevel(level)); err != nil {
			d.log.WithError(err).Warn("setting BT security level failed")
		}
	}

	engine, err := NewGATTEngine(d, ch)
	if err != nil {
		d.log.WithError(err).Warn("GATT engine setup failed")
		ch.Close()
		_ = d.Disconnect()
		return
	}
	d.mu.Lock()
	d.attCh = ch
	d.gatt = engine
	d.mu.Unlock()

	d.openSMPView()

	if _, err := engine.DiscoverServices(); err != nil {
		d.log.WithError(err).Warn("GATT discovery failed")
	}
	d.gattReady.Store(true)
	a.resumeDiscoveryFor(d, DiscoveryPauseConnectedUntilReady)
	d.markReadyIfComplete()
}

// openSMPView attempts the raw SMP fixed channel; kernels that own SMP
// themselves refuse it, in which case the MGMT event path alone drives
// the pairing state machine.
func (d *Device) openSMPView() {
	a := d.adapter
	d.pairingMu.Lock()
	useSC := d.pairing.UseSC || a.CurrentSettings().Has(SettingSecureConn)
	d.pairingMu.Unlock()

	ch, err := l2cap.Connect(a.Info.Address, a.ownAddrType(), d.Addr.EUI48, l2capAddrType(d.Addr.Type), 0, cidSMP)
	if err != nil {
		d.log.WithError(err).Debug("raw SMP channel unavailable, MGMT events only")
		return
	}
	handler := smp.NewHandler(ch, useSC, config.Duration(config.KeySMPIOTimeout), func(f smp.Frame) {
		// direction: as LE central we are the initiator; key PDUs arrive
		// from the responder side
		d.handleSMPFrame(f, false)
	})
	handler.OnSecurityRequest(func(auth smp.AuthReq) {
		d.handleSMPFrame(smp.Frame{Code: smp.CodeSecurityRequest, Params: []byte{uint8(auth)}}, false)
	})
	d.mu.Lock()
	d.smpHandler = handler
	d.mu.Unlock()
}

// reopenUnencrypted re-establishes the ATT channel at security NONE after
// a pairing failure; the link is allowed to continue unencrypted.
func (d *Device) reopenUnencrypted() {
	if !d.IsConnected() {
		return
	}
	d.mu.Lock()
	d.secLevel = SecurityNone
	engine := d.gatt
	d.gatt = nil
	d.attCh = nil
	d.mu.Unlock()
	if engine != nil {
		engine.Close()
	}
	d.setupConnection()
}

// markReadyIfComplete fires DeviceReady exactly once per connection, once
// GATT discovery is done and pairing is settled.
func (d *Device) markReadyIfComplete() {
	if !d.IsConnected() || !d.gattReady.Load() {
		return
	}
	d.pairingMu.Lock()
	settled := d.pairing.State == PairingStateNone || d.pairing.State == PairingStateCompleted
	d.pairingMu.Unlock()
	if !settled {
		return
	}
	if !d.readyNotified.CompareAndSwap(false, true) {
		return
	}
	now := time.Now()
	for _, l := range d.adapter.statusListeners() {
		if l.DeviceReady != nil {
			l.DeviceReady(d, now)
		}
	}
}

// onDisconnected tears down the channels and notifies listeners with the
// HCI reason.
func (d *Device) onDisconnected(reason uint8, ts time.Time) {
	handle := d.ConnectionHandle()
	d.hciHandle.Store(0)
	d.connectedFlag.Store(false)
	d.gattReady.Store(false)

	d.mu.Lock()
	engine := d.gatt
	handler := d.smpHandler
	d.gatt = nil
	d.smpHandler = nil
	d.attCh = nil
	d.mu.Unlock()
	if engine != nil {
		engine.Close()
	}
	if handler != nil {
		handler.Close()
	}

	// an auth failure means the stored keys are stale
	if hci.Status(reason) == hci.StatusAuthFailure {
		d.adapter.removeKeyBin(d.Addr)
	}

	d.pairingMu.Lock()
	if d.pairing.State != PairingStateCompleted {
		d.pairing.reset()
	}
	d.pairingMu.Unlock()

	for _, l := range d.adapter.statusListeners() {
		if l.DeviceDisconnected != nil {
			l.DeviceDisconnected(d, reason, handle, ts)
		}
	}
}

func l2capAddrType(t AddressType) uint8 {
	// BDADDR_LE_PUBLIC = 1, BDADDR_LE_RANDOM = 2, matching AddressType
	if t == AddrBREDR {
		return 0
	}
	return uint8(t)
}

func (d *Device) touchDiscovery(ts time.Time) {
	d.mu.Lock()
	d.lastDiscovery = ts
	d.mu.Unlock()
}

// LastDiscovery returns the timestamp of the most recent sighting in the
// current discovery session.
func (d *Device) LastDiscovery() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastDiscovery
}
