package bt

import (
	"fmt"
	"time"

	"github.com/sgothel/direct-bt-sub002/internal/config"
	"github.com/sgothel/direct-bt-sub002/internal/hci"
)

// scanDisabledPostConnect: Linux kernels auto-disable LE scanning when a
// connection is established, so the adapter synthesizes the paused native
// state instead of issuing an explicit stop. The observable effect either
// way: native LE scanning is off after a connect under AUTO_OFF.
const scanDisabledPostConnect = true

// mgmtScanMask maps a ScanType onto MGMT's Start Discovery address-type
// mask: bit 0 BR/EDR, bits 1|2 LE public+random.
func mgmtScanMask(s ScanType) uint8 {
	var mask uint8
	if s.Has(ScanBREDR) {
		mask |= 1 << 0
	}
	if s.Has(ScanLE) {
		mask |= 1<<1 | 1<<2
	}
	return mask
}

// MetaScan returns the requested scan state; NativeScan what the
// controller is actually doing. Meta always includes native.
func (a *Adapter) MetaScan() ScanType {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()
	return a.metaScan
}

// NativeScan returns the controller's actual scan state.
func (a *Adapter) NativeScan() ScanType {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()
	return a.nativeScan
}

// DiscoveryPolicy returns the active policy.
func (a *Adapter) DiscoveryPolicy() DiscoveryPolicy {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()
	return a.policy
}

// StartDiscovery begins (or restarts) device discovery under the given
// policy. The discovered-device set is flushed first, so duplicates from
// the previous session surface again. The controller confirms via the
// Discovering event, which merges LE into the native and meta scan state.
func (a *Adapter) StartDiscovery(policy DiscoveryPolicy) error {
	if a.isClosed() {
		return ErrAdapterClosed
	}
	if !a.IsPowered() {
		return fmt.Errorf("bt: adapter %d not powered", a.Info.Index)
	}
	if a.CurrentSettings().Has(SettingAdvertising) {
		return fmt.Errorf("bt: discovery blocked while advertising")
	}

	a.scanMu.Lock()
	a.pausedDevs = map[Address]*Device{}
	a.policy = policy
	a.restartTries = 0
	alreadyScanning := a.nativeScan.Has(ScanLE)
	a.metaScan |= ScanLE
	a.scanMu.Unlock()

	a.discovMu.Lock()
	a.discovered = map[Address]*Device{}
	a.discovMu.Unlock()

	if alreadyScanning {
		return nil
	}
	_, err := a.mgmtSend(hci.MgmtOpStartDiscovery, hci.MarshalStartDiscovery(mgmtScanMask(ScanLE)))
	if err != nil {
		a.scanMu.Lock()
		a.metaScan &^= ScanLE
		a.scanMu.Unlock()
	}
	return err
}

// StopDiscovery ends discovery: the paused set and the meta state are
// cleared, then the controller is told to stop if it is still scanning.
func (a *Adapter) StopDiscovery() error {
	a.scanMu.Lock()
	a.pausedDevs = map[Address]*Device{}
	a.metaScan = ScanNone
	stillScanning := a.nativeScan.Has(ScanLE)
	a.scanMu.Unlock()

	if !stillScanning {
		return nil
	}
	_, err := a.mgmtSend(hci.MgmtOpStopDiscovery, hci.MarshalStartDiscovery(mgmtScanMask(ScanLE)))
	return err
}

// handleDiscoveringEvent tracks the controller's own view. A native
// disable while meta still wants scanning is either an expected pause or
// a controller-initiated stop; the latter triggers a bounded background
// restart.
func (a *Adapter) handleDiscoveringEvent(ep hci.MgmtDiscoveringEP) {
	scan := ScanNone
	if ep.AddressTypeMask&(1<<1|1<<2) != 0 {
		scan |= ScanLE
	}
	if ep.AddressTypeMask&(1<<0) != 0 {
		scan |= ScanBREDR
	}
	if scan == ScanNone {
		scan = ScanLE
	}

	a.scanMu.Lock()
	if ep.Discovering {
		a.nativeScan |= scan
		a.metaScan |= scan
		a.restartTries = 0
	} else {
		a.nativeScan &^= scan
	}
	current := a.nativeScan
	wantRestart := !ep.Discovering && a.metaScan.Has(ScanLE) && len(a.pausedDevs) == 0
	policy := a.policy
	a.scanMu.Unlock()

	a.log.Debugf("discovering %v: native %s meta %s", ep.Discovering, current, a.MetaScan())
	for _, l := range a.statusListeners() {
		if l.DiscoveringChanged != nil {
			l.DiscoveringChanged(a, current, scan, ep.Discovering, policy)
		}
	}

	if wantRestart {
		// the kernel stopped scanning on its own; bring it back
		go a.restartScanTask()
	}
}

// restartScanTask retries the controller scan-start in the background, a
// bounded number of times with a short delay.
func (a *Adapter) restartScanTask() {
	maxTries := config.Int(config.KeyScanRestartMax)
	delay := config.Duration(config.KeyScanRestartDelay)

	a.scanMu.Lock()
	if a.restartTries >= maxTries {
		a.scanMu.Unlock()
		a.log.Warnf("scan restart gave up after %d attempts", maxTries)
		return
	}
	a.restartTries++
	attempt := a.restartTries
	a.scanMu.Unlock()

	select {
	case <-time.After(delay):
	case <-a.stopCh:
		return
	}

	a.scanMu.Lock()
	stillWanted := a.metaScan.Has(ScanLE) && !a.nativeScan.Has(ScanLE) && len(a.pausedDevs) == 0
	a.scanMu.Unlock()
	if !stillWanted {
		return
	}
	a.log.Debugf("restarting LE scan (attempt %d/%d)", attempt, maxTries)
	if _, err := a.mgmtSend(hci.MgmtOpStartDiscovery, hci.MarshalStartDiscovery(mgmtScanMask(ScanLE))); err != nil {
		a.log.WithError(err).Debug("scan restart failed")
		go a.restartScanTask()
	}
}

// pauseDiscoveryForConnect applies the policy on a connection event of a
// master-role adapter.
func (a *Adapter) pauseDiscoveryForConnect(d *Device) {
	if a.Role() != RoleMaster {
		return
	}
	a.scanMu.Lock()
	scanning := a.metaScan.Has(ScanLE)
	policy := a.policy
	if !scanning {
		a.scanMu.Unlock()
		return
	}
	switch policy {
	case DiscoveryAutoOff:
		a.metaScan &^= ScanLE
	case DiscoveryPauseConnectedUntilDisconnected,
		DiscoveryPauseConnectedUntilReady,
		DiscoveryPauseConnectedUntilPaired:
		// keep meta, remember who caused the pause
		a.pausedDevs[d.Addr] = d
	case DiscoveryAlwaysOn:
		// stop-then-restart handled below
	}
	if scanDisabledPostConnect {
		// the kernel already stopped the LE scan for us; reflect it
		a.nativeScan &^= ScanLE
	}
	a.scanMu.Unlock()

	if !scanDisabledPostConnect {
		_, _ = a.mgmtSend(hci.MgmtOpStopDiscovery, hci.MarshalStartDiscovery(mgmtScanMask(ScanLE)))
	}
	if policy == DiscoveryAlwaysOn {
		go a.restartScanTask()
	}
}

// resumeDiscoveryFor releases a pause hold when its condition fired:
// disconnect, device-ready, or pairing-complete of a paused device. A
// disconnect releases the hold under any pause policy, since the paused
// device can no longer reach its ready/paired condition. When the last
// hold is gone the scan restarts in the background.
func (a *Adapter) resumeDiscoveryFor(d *Device, cond DiscoveryPolicy) {
	a.scanMu.Lock()
	if a.policy != cond && cond != DiscoveryPauseConnectedUntilDisconnected {
		a.scanMu.Unlock()
		return
	}
	if _, held := a.pausedDevs[d.Addr]; !held {
		a.scanMu.Unlock()
		return
	}
	delete(a.pausedDevs, d.Addr)
	resume := len(a.pausedDevs) == 0 && a.metaScan.Has(ScanLE) && !a.nativeScan.Has(ScanLE)
	a.scanMu.Unlock()

	if resume {
		go a.restartScanTask()
	}
}
