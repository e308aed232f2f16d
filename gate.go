package bt

import (
	"errors"
	"sync"
	"time"

	"github.com/sgothel/direct-bt-sub002/internal/config"
	"github.com/sgothel/direct-bt-sub002/internal/hci"
	"github.com/sgothel/direct-bt-sub002/internal/smp"
)

// ErrConnectBusy is the distinguished status a non-waiting lockConnect
// returns while another attempt is in flight.
var ErrConnectBusy = errors.New("bt: another connection attempt is in flight")

// lockConnect admits at most one in-flight connection attempt per
// adapter. It succeeds immediately when the gate is free or already held
// by the same device; with wait it blocks up to the connect timeout.
// Acquiring the gate applies the requested I/O capability on the
// controller, remembering the prior value for unlockConnect to restore.
func (a *Adapter) lockConnect(d *Device, wait bool, ioCap smp.IOCapability) error {
	deadline := time.Now().Add(config.Duration(config.KeyConnectTimeout))

	a.gateMu.Lock()
	defer a.gateMu.Unlock()
	for a.gateHolder != nil && a.gateHolder != d {
		if !wait {
			return ErrConnectBusy
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrConnectBusy
		}
		waitCond(a.gateCond, remaining)
		if a.isClosed() {
			return ErrAdapterClosed
		}
	}
	if a.gateHolder == d {
		return nil
	}
	a.gateHolder = d

	a.priorIOCap = a.ioCapability()
	if ioCap != a.priorIOCap {
		if _, err := a.mgmtSend(hci.MgmtOpSetIOCapability, hci.MarshalSetIOCapability(uint8(ioCap))); err != nil {
			a.log.WithError(err).Debug("setting IO capability failed")
		}
	}
	return nil
}

// unlockConnect releases the gate if d holds it, restoring the prior I/O
// capability and waking one waiter.
func (a *Adapter) unlockConnect(d *Device) {
	a.gateMu.Lock()
	if a.gateHolder != d {
		a.gateMu.Unlock()
		return
	}
	a.gateHolder = nil
	prior := a.priorIOCap
	a.gateMu.Unlock()

	if prior != a.ioCapability() {
		_, _ = a.mgmtSend(hci.MgmtOpSetIOCapability, hci.MarshalSetIOCapability(uint8(prior)))
	}
	a.gateCond.Signal()
}

// unlockConnectAny force-releases the gate regardless of holder, for
// cleanup on close and power-off.
func (a *Adapter) unlockConnectAny() {
	a.gateMu.Lock()
	a.gateHolder = nil
	a.gateMu.Unlock()
	a.gateCond.Broadcast()
}

// waitCond waits on c up to d; sync.Cond has no timed wait, so a timer
// broadcasts to cut the wait short. Caller holds the cond's locker.
func waitCond(c *sync.Cond, d time.Duration) {
	t := time.AfterFunc(d, c.Broadcast)
	defer t.Stop()
	c.Wait()
}
