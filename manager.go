// Package bt is a userspace Bluetooth host stack: it talks to the
// controller directly over the kernel's HCI/MGMT sockets, with no
// BlueZ/D-Bus daemon in the loop, and exposes discovery, connection,
// pairing, and GATT client/server access on top.
package bt

import (
	"fmt"
	"sync"
	"time"

	"github.com/blang/semver"
	"github.com/sirupsen/logrus"

	"github.com/sgothel/direct-bt-sub002/internal/config"
	"github.com/sgothel/direct-bt-sub002/internal/hci"
	"github.com/sgothel/direct-bt-sub002/internal/smp"
	"github.com/sgothel/direct-bt-sub002/internal/socket"
)

// minMgmtVersion gates the MGMT interface: below 1.0 the command set this
// stack depends on does not exist.
var minMgmtVersion = semver.MustParse("1.0.0")

// Manager owns the MGMT control channel and the set of adapters. A
// process holds exactly one Manager.
type Manager struct {
	log  *logrus.Entry
	mgmt *hci.MgmtTransport

	keyStore *smp.Store
	btMode   BTMode

	mu       sync.Mutex
	adapters map[uint16]*Adapter
	chgLis   []ChangedAdapterSetListener

	closeOnce sync.Once
}

// ManagerConfig carries the process-wide options.
type ManagerConfig struct {
	// BTMode selects the transports adapters are brought up with.
	BTMode BTMode
	// KeyPath is the SMP key-bin directory; empty disables persistence.
	KeyPath string
}

// NewManager opens the MGMT channel, verifies its version, enumerates the
// controllers, and initializes an Adapter per index.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	t, err := hci.OpenMgmt()
	if err != nil {
		return nil, fmt.Errorf("bt: opening MGMT channel: %w", err)
	}
	m := &Manager{
		log:      logrus.WithField("component", "manager"),
		mgmt:     t,
		btMode:   cfg.BTMode,
		adapters: map[uint16]*Adapter{},
	}
	if cfg.KeyPath != "" {
		store, err := smp.NewStore(cfg.KeyPath)
		if err != nil {
			t.Close()
			return nil, err
		}
		m.keyStore = store
	}

	if err := m.checkVersion(); err != nil {
		t.Close()
		return nil, err
	}

	// read-commands is optional: diagnostics only
	if params, err := m.send(hci.MgmtOpReadCommands, hci.MgmtIndexNone, nil); err == nil {
		m.log.Debugf("MGMT supports %d bytes of command list", len(params))
	}

	indices, err := m.readIndexList()
	if err != nil {
		t.Close()
		return nil, err
	}

	// ioctl cross-check of the kernel's own device list
	if devs, err := socket.ListDevices(); err == nil {
		m.log.Debugf("HCIGETDEVLIST reports %d controllers", len(devs))
	}

	for _, idx := range indices {
		if err := m.addAdapter(idx); err != nil {
			m.log.WithError(err).Warnf("initializing adapter %d failed", idx)
		}
	}

	t.OnIndexChange(m.onIndexChange)
	return m, nil
}

func (m *Manager) send(op hci.MgmtOpcode, index uint16, params []byte) ([]byte, error) {
	return m.mgmt.Send(op, index, params, config.Duration(config.KeyHCICommandTimeout))
}

func (m *Manager) checkVersion() error {
	params, err := m.send(hci.MgmtOpReadVersion, hci.MgmtIndexNone, nil)
	if err != nil {
		return fmt.Errorf("bt: MGMT read version: %w", err)
	}
	v, err := hci.ParseMgmtVersion(params)
	if err != nil {
		return err
	}
	have := semver.Version{Major: uint64(v.Version), Minor: uint64(v.Revision)}
	if have.LT(minMgmtVersion) {
		return fmt.Errorf("bt: MGMT version %s below required %s", have, minMgmtVersion)
	}
	m.log.Debugf("MGMT version %d.%d", v.Version, v.Revision)
	return nil
}

func (m *Manager) readIndexList() ([]uint16, error) {
	params, err := m.send(hci.MgmtOpReadIndexList, hci.MgmtIndexNone, nil)
	if err != nil {
		return nil, fmt.Errorf("bt: MGMT read index list: %w", err)
	}
	return hci.ParseMgmtIndexList(params)
}

// addAdapter reads one controller's info, builds the Adapter, and brings
// it to the well-defined initial mode.
func (m *Manager) addAdapter(idx uint16) error {
	params, err := m.send(hci.MgmtOpReadInfo, idx, nil)
	if err != nil {
		return fmt.Errorf("bt: read info of adapter %d: %w", idx, err)
	}
	ep, err := hci.ParseMgmtAdapterInfo(params)
	if err != nil {
		return err
	}

	var addr EUI48
	copy(addr[:], ep.Address[:])
	info := AdapterInfo{
		Index:        idx,
		Address:      addr,
		Version:      ep.Version,
		Manufacturer: ep.Manufacturer,
		Supported:    AdapterSetting(ep.SupportedSettings),
		Name:         ep.Name,
		ShortName:    ep.ShortName,
	}

	a, err := newAdapter(m, info, AdapterSetting(ep.CurrentSettings), m.keyStore)
	if err != nil {
		return err
	}

	if err := m.initializeAdapter(a); err != nil {
		a.close()
		return err
	}

	m.mu.Lock()
	m.adapters[idx] = a
	lis := append([]ChangedAdapterSetListener(nil), m.chgLis...)
	m.mu.Unlock()
	for _, l := range lis {
		l(true, a)
	}
	return nil
}

// initializeAdapter brings a controller to the stack's well-defined mode:
// power off, transports per BTMode, SSP and secure connections, I/O
// capability and bondable, then power on. Failing to reach the powered
// state fails initialization.
func (m *Manager) initializeAdapter(a *Adapter) error {
	if a.IsPowered() {
		if err := a.SetPowered(false); err != nil {
			return err
		}
	}

	switch m.btMode {
	case BTModeLE:
		_, _ = a.mgmtSend(hci.MgmtOpSetLE, hci.MarshalSetLE(true))
		_, _ = a.mgmtSend(hci.MgmtOpSetBREDR, hci.MarshalSetPowered(false))
	case BTModeBREDR:
		_, _ = a.mgmtSend(hci.MgmtOpSetBREDR, hci.MarshalSetPowered(true))
		_, _ = a.mgmtSend(hci.MgmtOpSetLE, hci.MarshalSetLE(false))
	default:
		_, _ = a.mgmtSend(hci.MgmtOpSetBREDR, hci.MarshalSetPowered(true))
		_, _ = a.mgmtSend(hci.MgmtOpSetLE, hci.MarshalSetLE(true))
	}

	if a.Info.Supported.Has(SettingSecureConn) {
		_, _ = a.mgmtSend(hci.MgmtOpSetSecureConn, hci.MarshalSetPowered(true))
	}
	if a.Info.Supported.Has(SettingSSP) {
		_, _ = a.mgmtSend(hci.MgmtOpSetSSP, hci.MarshalSetPowered(true))
	}
	_, _ = a.mgmtSend(hci.MgmtOpSetIOCapability, hci.MarshalSetIOCapability(uint8(a.ioCapability())))
	_, _ = a.mgmtSend(hci.MgmtOpSetBondable, hci.MarshalSetPowered(true))

	// flush the kernel whitelist so stale auto-connect entries never
	// steal the connection gate
	_, _ = a.mgmtSend(hci.MgmtOpRemoveDevice, hci.MarshalAddrCommand(EUI48{}, 0))

	if err := a.SetPowered(true); err != nil {
		return fmt.Errorf("bt: powering adapter %d on: %w", a.Info.Index, err)
	}
	// the powered bit arrives via New Settings; poll the atomic briefly
	deadline := time.Now().Add(config.Duration(config.KeyHCIPowerTimeout))
	for !a.IsPowered() {
		if time.Now().After(deadline) {
			return fmt.Errorf("bt: adapter %d did not reach powered state", a.Info.Index)
		}
		time.Sleep(50 * time.Millisecond)
	}

	a.preloadAllKeys()
	m.log.Infof("initialized %s", a.Info)
	return nil
}

// onIndexChange runs on a detached goroutine per Index Added/Removed.
func (m *Manager) onIndexChange(idx uint16, added bool) {
	if added {
		m.mu.Lock()
		_, known := m.adapters[idx]
		m.mu.Unlock()
		if known {
			return
		}
		if err := m.addAdapter(idx); err != nil {
			m.log.WithError(err).Warnf("adapter %d appeared but failed to initialize", idx)
		}
		return
	}

	m.mu.Lock()
	a := m.adapters[idx]
	delete(m.adapters, idx)
	lis := append([]ChangedAdapterSetListener(nil), m.chgLis...)
	m.mu.Unlock()
	if a == nil {
		return
	}
	a.close()
	for _, l := range lis {
		l(false, a)
	}
}

// Adapters returns the current adapter set.
func (m *Manager) Adapters() []*Adapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		out = append(out, a)
	}
	return out
}

// Adapter returns the adapter at the given controller index, or nil.
func (m *Manager) Adapter(idx uint16) *Adapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adapters[idx]
}

// DefaultAdapter returns the lowest-indexed powered adapter, else the
// lowest-indexed adapter, else nil.
func (m *Manager) DefaultAdapter() *Adapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Adapter
	for _, a := range m.adapters {
		if best == nil || (a.IsPowered() && !best.IsPowered()) ||
			(a.IsPowered() == best.IsPowered() && a.Info.Index < best.Info.Index) {
			best = a
		}
	}
	return best
}

// AddChangedAdapterSetListener registers a callback for adapter
// appearance/disappearance; it is invoked immediately for every adapter
// already present.
func (m *Manager) AddChangedAdapterSetListener(l ChangedAdapterSetListener) {
	m.mu.Lock()
	m.chgLis = append(m.chgLis, l)
	current := make([]*Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		current = append(current, a)
	}
	m.mu.Unlock()
	for _, a := range current {
		l(true, a)
	}
}

// Close shuts the whole stack down: every adapter's readers and sockets,
// then the MGMT channel. Reader goroutines are joined with a hard
// timeout; a straggler is logged, never allowed to block process exit.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		adapters := make([]*Adapter, 0, len(m.adapters))
		for _, a := range m.adapters {
			adapters = append(adapters, a)
		}
		m.adapters = map[uint16]*Adapter{}
		m.mu.Unlock()

		done := make(chan struct{})
		go func() {
			for _, a := range adapters {
				a.close()
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(config.Duration(config.KeyShutdownTimeout)):
			m.log.Warn("adapter shutdown exceeded timeout, leaving readers behind")
		}
		m.mgmt.Close()
	})
}
