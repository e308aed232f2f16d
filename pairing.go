package bt

import (
	"errors"
	"time"

	"github.com/sgothel/direct-bt-sub002/internal/hci"
	"github.com/sgothel/direct-bt-sub002/internal/smp"
)

// PairingState is the SMP pairing progress of one device.
type PairingState uint8

const (
	PairingStateNone PairingState = iota
	PairingStateFailed
	PairingStateRequestedByResponder
	PairingStateFeatureExchangeStarted
	PairingStateFeatureExchangeCompleted
	PairingStatePasskeyExpected
	PairingStateNumericCompareExpected
	PairingStateOOBExpected
	PairingStateKeyDistribution
	PairingStateCompleted
)

func (s PairingState) String() string {
	switch s {
	case PairingStateNone:
		return "none"
	case PairingStateFailed:
		return "failed"
	case PairingStateRequestedByResponder:
		return "requested-by-responder"
	case PairingStateFeatureExchangeStarted:
		return "feature-exchange-started"
	case PairingStateFeatureExchangeCompleted:
		return "feature-exchange-completed"
	case PairingStatePasskeyExpected:
		return "passkey-expected"
	case PairingStateNumericCompareExpected:
		return "numeric-compare-expected"
	case PairingStateOOBExpected:
		return "oob-expected"
	case PairingStateKeyDistribution:
		return "key-distribution"
	case PairingStateCompleted:
		return "completed"
	default:
		return "invalid"
	}
}

// PairingMode is how the current or completed pairing authenticates.
type PairingMode uint8

const (
	PairingModeNone PairingMode = iota
	PairingModeNegotiating
	PairingModeJustWorks
	PairingModePasskeyEntryInitiator
	PairingModePasskeyEntryResponder
	PairingModeNumericCompare
	PairingModeOutOfBand
	// PairingModePrePaired marks an encrypted reconnect using stored
	// keys, with no feature exchange on the wire.
	PairingModePrePaired
)

func (m PairingMode) String() string {
	switch m {
	case PairingModeNone:
		return "none"
	case PairingModeNegotiating:
		return "negotiating"
	case PairingModeJustWorks:
		return "just-works"
	case PairingModePasskeyEntryInitiator:
		return "passkey-entry-initiator"
	case PairingModePasskeyEntryResponder:
		return "passkey-entry-responder"
	case PairingModeNumericCompare:
		return "numeric-compare"
	case PairingModeOutOfBand:
		return "out-of-band"
	case PairingModePrePaired:
		return "pre-paired"
	default:
		return "invalid"
	}
}

// ErrWrongPairingState is the distinguished status returned when a user
// interaction reply arrives in a state that does not expect it; the call
// is a no-op.
var ErrWrongPairingState = errors.New("bt: pairing reply does not match current pairing state")

// PairingData accumulates the feature exchange and distributed keys of
// one pairing attempt, guarded by the owning Device's pairing mutex.
type PairingData struct {
	State PairingState
	Mode  PairingMode

	// feature exchange
	InitAuth    smp.AuthReq
	RespAuth    smp.AuthReq
	InitIOCap   smp.IOCapability
	RespIOCap   smp.IOCapability
	InitOOB     uint8
	RespOOB     uint8
	MaxEncSize  uint8
	UseSC       bool
	ExpInitKeys smp.KeyDist
	ExpRespKeys smp.KeyDist
	RcvInitKeys smp.KeyDist
	RcvRespKeys smp.KeyDist

	InitLTK  *smp.LTK
	RespLTK  *smp.LTK
	InitIRK  *smp.IRK
	RespIRK  *smp.IRK
	InitCSRK *smp.CSRK
	RespCSRK *smp.CSRK

	InitIdentity Address
	RespIdentity Address

	// LastEvent is bumped on every SMP/MGMT pairing event; the watchdog
	// fails a stalled KEY_DISTRIBUTION when it stops moving.
	LastEvent time.Time
}

func (p *PairingData) reset() { *p = PairingData{} }

// awaitsUserInput reports whether the state machine is parked on a user
// interaction; the watchdog must not fire then.
func (p *PairingData) awaitsUserInput() bool {
	switch p.State {
	case PairingStatePasskeyExpected, PairingStateNumericCompareExpected, PairingStateOOBExpected:
		return true
	default:
		return false
	}
}

// pairingModeFor derives the pairing mode from the exchanged features,
// Core Spec Vol 3 Part H Table 2.8: no MITM from either side means Just
// Works regardless of I/O; otherwise the I/O capability matrix decides.
func pairingModeFor(useSC bool, initAuth, respAuth smp.AuthReq, initIO, respIO smp.IOCapability, initOOB, respOOB uint8) PairingMode {
	if initOOB != 0 && respOOB != 0 {
		return PairingModeOutOfBand
	}
	if initAuth&smp.AuthMITM == 0 && respAuth&smp.AuthMITM == 0 {
		return PairingModeJustWorks
	}
	switch respIO {
	case smp.IONoInputNoOutput:
		return PairingModeJustWorks
	case smp.IODisplayOnly:
		switch initIO {
		case smp.IOKeyboardOnly, smp.IOKeyboardDisplay:
			return PairingModePasskeyEntryInitiator
		default:
			return PairingModeJustWorks
		}
	case smp.IOKeyboardOnly:
		switch initIO {
		case smp.IONoInputNoOutput:
			return PairingModeJustWorks
		default:
			return PairingModePasskeyEntryResponder
		}
	case smp.IODisplayYesNo, smp.IOKeyboardDisplay:
		switch {
		case initIO == smp.IONoInputNoOutput:
			return PairingModeJustWorks
		case initIO == smp.IOKeyboardOnly:
			return PairingModePasskeyEntryInitiator
		case useSC && initIO != smp.IODisplayOnly:
			return PairingModeNumericCompare
		case respIO == smp.IOKeyboardDisplay:
			return PairingModePasskeyEntryResponder
		case initIO == smp.IOKeyboardDisplay:
			return PairingModePasskeyEntryInitiator
		default:
			return PairingModeJustWorks
		}
	}
	return PairingModeJustWorks
}

// handleSMPFrame runs the SMP state machine for one PDU read off the SMP
// channel. initiatorSide tells the key-PDU direction; the caller passes
// false, since as LE central this side is the initiator and key PDUs read
// off the channel come from the responder.
func (d *Device) handleSMPFrame(f smp.Frame, initiatorSide bool) {
	d.pairingMu.Lock()
	p := &d.pairing
	p.LastEvent = time.Now()

	var notify bool
	switch f.Code {
	case smp.CodeSecurityRequest:
		p.State = PairingStateRequestedByResponder
		p.Mode = PairingModeNegotiating
		notify = true

	case smp.CodePairingRequest:
		if feat, err := smp.ParseFeatures(f.Params); err == nil {
			p.InitAuth = feat.Auth
			p.InitIOCap = feat.IOCap
			p.InitOOB = feat.OOB
			p.MaxEncSize = feat.MaxKeySize
			p.ExpInitKeys = feat.InitKeys
			p.State = PairingStateFeatureExchangeStarted
			p.Mode = PairingModeNegotiating
			notify = true
		}

	case smp.CodePairingResponse:
		if feat, err := smp.ParseFeatures(f.Params); err == nil {
			p.RespAuth = feat.Auth
			p.RespIOCap = feat.IOCap
			p.RespOOB = feat.OOB
			if feat.MaxKeySize < p.MaxEncSize || p.MaxEncSize == 0 {
				p.MaxEncSize = feat.MaxKeySize
			}
			p.ExpInitKeys &= feat.InitKeys
			p.ExpRespKeys = feat.RespKeys
			p.UseSC = p.InitAuth&smp.AuthSecureConnections != 0 && feat.Auth&smp.AuthSecureConnections != 0
			p.Mode = pairingModeFor(p.UseSC, p.InitAuth, feat.Auth, p.InitIOCap, feat.IOCap, p.InitOOB, feat.OOB)
			p.State = PairingStateFeatureExchangeCompleted
			notify = true
		}

	case smp.CodePairingConfirm, smp.CodePairingPublicKey, smp.CodePairingRandom:
		p.State = PairingStateKeyDistribution
		notify = true

	case smp.CodePairingFailed:
		p.State = PairingStateFailed
		if len(f.Params) >= 1 {
			d.log.Warnf("pairing failed: %v", smp.Reason(f.Params[0]))
		}
		notify = true

	case smp.CodeEncryptionInfo:
		if v, err := smp.Get128(f.Params); err == nil {
			ltk := &smp.LTK{EncSize: p.MaxEncSize, Key: v}
			if initiatorSide {
				p.InitLTK = ltk
				p.RcvInitKeys |= smp.KeyDistEnc
			} else {
				ltk.Properties |= smp.LTKResponder
				p.RespLTK = ltk
				p.RcvRespKeys |= smp.KeyDistEnc
			}
			p.State = PairingStateKeyDistribution
		}

	case smp.CodeMasterIdent:
		if mi, err := smp.ParseMasterIdent(f.Params); err == nil {
			if initiatorSide && p.InitLTK != nil {
				p.InitLTK.EDiv, p.InitLTK.Rand = mi.EDiv, mi.Rand
			} else if !initiatorSide && p.RespLTK != nil {
				p.RespLTK.EDiv, p.RespLTK.Rand = mi.EDiv, mi.Rand
			}
		}

	case smp.CodeIdentityInfo:
		if v, err := smp.Get128(f.Params); err == nil {
			irk := &smp.IRK{Key: v}
			if initiatorSide {
				p.InitIRK = irk
				p.RcvInitKeys |= smp.KeyDistID
			} else {
				p.RespIRK = irk
				p.RcvRespKeys |= smp.KeyDistID
			}
			p.State = PairingStateKeyDistribution
		}

	case smp.CodeIdentityAddrInfo:
		if ia, err := smp.ParseIdentityAddr(f.Params); err == nil {
			addr := Address{Type: AddressType(ia.AddrType)}
			copy(addr.EUI48[:], ia.Address[:])
			if initiatorSide {
				p.InitIdentity = addr
				if p.InitIRK != nil {
					p.InitIRK.IdentityAddr = ia.Address
					p.InitIRK.IdentityAddrType = ia.AddrType
				}
			} else {
				p.RespIdentity = addr
				if p.RespIRK != nil {
					p.RespIRK.IdentityAddr = ia.Address
					p.RespIRK.IdentityAddrType = ia.AddrType
				}
			}
		}

	case smp.CodeSigningInfo:
		if v, err := smp.Get128(f.Params); err == nil {
			csrk := &smp.CSRK{Key: v}
			if initiatorSide {
				p.InitCSRK = csrk
				p.RcvInitKeys |= smp.KeyDistSign
			} else {
				p.RespCSRK = csrk
				p.RcvRespKeys |= smp.KeyDistSign
			}
			p.State = PairingStateKeyDistribution
		}
	}

	completed := d.checkKeyDistributionCompleteLocked()
	state, mode := p.State, p.Mode
	d.pairingMu.Unlock()

	if f.Code == smp.CodePairingFailed {
		// the link continues unencrypted; reopen ATT at security NONE
		go d.reopenUnencrypted()
	}
	if notify || completed {
		d.notifyPairingState(state, mode)
	}
	if completed {
		d.onPairingCompleted()
	}
}

// checkKeyDistributionCompleteLocked compares received against expected
// key-distribution masks, selecting the legacy or SC mask set by UseSC.
// Caller holds pairingMu.
func (d *Device) checkKeyDistributionCompleteLocked() bool {
	p := &d.pairing
	if p.State != PairingStateKeyDistribution {
		return false
	}
	expInit, expResp := p.ExpInitKeys, p.ExpRespKeys
	if p.UseSC {
		expInit &= smp.SCKeys
		expResp &= smp.SCKeys
	} else {
		expInit &= smp.LegacyKeys
		expResp &= smp.LegacyKeys
	}
	if p.RcvInitKeys&expInit == expInit && p.RcvRespKeys&expResp == expResp {
		p.State = PairingStateCompleted
		return true
	}
	return false
}

// handleMgmtPairingEvent is the parallel controller-side path: kernel
// MGMT events advance the same state machine when no raw SMP channel is
// available or when encryption resumes from stored keys.
func (d *Device) handleMgmtPairingEvent(code hci.MgmtEventCode, params []byte) {
	now := time.Now()
	switch code {
	case hci.MgmtEvUserPasskeyRequest:
		d.pairingMu.Lock()
		d.pairing.State = PairingStatePasskeyExpected
		if d.pairing.Mode == PairingModeNone {
			d.pairing.Mode = PairingModePasskeyEntryInitiator
		}
		d.pairing.LastEvent = now
		state, mode := d.pairing.State, d.pairing.Mode
		d.pairingMu.Unlock()
		d.notifyPairingState(state, mode)

	case hci.MgmtEvUserConfirmRequest:
		ep, err := hci.ParseMgmtUserConfirmRequest(params)
		if err != nil {
			return
		}
		d.pairingMu.Lock()
		d.pairing.State = PairingStateNumericCompareExpected
		d.pairing.Mode = PairingModeNumericCompare
		d.pairing.LastEvent = now
		d.pairingMu.Unlock()
		d.log.Infof("numeric comparison requested: %06d", ep.Value%1000000)
		d.notifyPairingState(PairingStateNumericCompareExpected, PairingModeNumericCompare)

	case hci.MgmtEvNewLongTermKey:
		ep, err := hci.ParseMgmtNewLTK(params)
		if err != nil {
			return
		}
		d.pairingMu.Lock()
		p := &d.pairing
		p.LastEvent = now
		ltk := &smp.LTK{
			EncSize: ep.Key.EncSize,
			EDiv:    ep.Key.EDiv,
			Rand:    ep.Key.Rand,
			Key:     ep.Key.Value,
		}
		// key_type 0x02/0x03 are the unauthenticated/authenticated P-256
		// (SC) variants
		if ep.Key.KeyType >= 0x02 {
			ltk.Properties |= smp.LTKSecureConn
			p.UseSC = true
		}
		if ep.Key.KeyType == 0x01 || ep.Key.KeyType == 0x03 {
			ltk.Properties |= smp.LTKAuthenticated
		}
		if ep.Key.Central != 0 {
			p.InitLTK = ltk
			p.RcvInitKeys |= smp.KeyDistEnc
		} else {
			ltk.Properties |= smp.LTKResponder
			p.RespLTK = ltk
			p.RcvRespKeys |= smp.KeyDistEnc
		}
		if p.State == PairingStateNone {
			// kernel-driven pairing without a raw SMP channel in view
			p.State = PairingStateKeyDistribution
			if p.Mode == PairingModeNone {
				p.Mode = PairingModeJustWorks
			}
		}
		d.pairingMu.Unlock()

	case hci.MgmtEvNewIRK:
		ep, err := hci.ParseMgmtNewIRK(params)
		if err != nil {
			return
		}
		d.pairingMu.Lock()
		p := &d.pairing
		p.LastEvent = now
		p.RespIRK = &smp.IRK{Key: ep.Key.Value, IdentityAddr: ep.Key.Address, IdentityAddrType: ep.Key.AddressType}
		p.RcvRespKeys |= smp.KeyDistID
		identity := Address{Type: AddressType(ep.Key.AddressType)}
		copy(identity.EUI48[:], ep.Key.Address[:])
		p.RespIdentity = identity
		d.pairingMu.Unlock()
		d.adapter.cacheResolvedAddress(d.Addr, identity)

	case hci.MgmtEvAuthFailed:
		d.pairingMu.Lock()
		d.pairing.State = PairingStateFailed
		d.pairing.LastEvent = now
		mode := d.pairing.Mode
		d.pairingMu.Unlock()
		d.notifyPairingState(PairingStateFailed, mode)
		// stale keys are the usual culprit
		d.adapter.removeKeyBin(d.Addr)
	}
}

// onEncryptionResumed handles the controller reporting an encrypted link
// with no SMP exchange in progress: the stored-key fast path. Pair Device
// completing with "already paired" is treated identically.
func (d *Device) onEncryptionResumed() {
	d.pairingMu.Lock()
	inProgress := d.pairing.State != PairingStateNone && d.pairing.State != PairingStateCompleted
	if !inProgress {
		d.pairing.State = PairingStateCompleted
		d.pairing.Mode = PairingModePrePaired
		d.pairing.LastEvent = time.Now()
	}
	d.pairingMu.Unlock()
	if !inProgress {
		d.notifyPairingState(PairingStateCompleted, PairingModePrePaired)
		d.onPairingCompleted()
	}
}

// onPairingCompleted persists keys (unless pre-paired), releases a
// pause-until-paired discovery hold, and marks the device ready when GATT
// is already up.
func (d *Device) onPairingCompleted() {
	d.pairingMu.Lock()
	mode := d.pairing.Mode
	d.pairingMu.Unlock()

	if mode != PairingModePrePaired {
		if err := d.adapter.storeKeyBin(d); err != nil {
			d.log.WithError(err).Warn("storing SMP key bin failed")
		}
	}
	d.adapter.resumeDiscoveryFor(d, DiscoveryPauseConnectedUntilPaired)
	d.markReadyIfComplete()
}

// PairingState returns the current pairing state and mode.
func (d *Device) PairingState() (PairingState, PairingMode) {
	d.pairingMu.Lock()
	defer d.pairingMu.Unlock()
	return d.pairing.State, d.pairing.Mode
}

// SetPairingPasskey answers a PASSKEY_EXPECTED prompt. Outside that state
// it is a no-op returning ErrWrongPairingState.
func (d *Device) SetPairingPasskey(passkey uint32) error {
	d.pairingMu.Lock()
	ok := d.pairing.State == PairingStatePasskeyExpected
	if ok {
		d.pairing.State = PairingStateKeyDistribution
		d.pairing.LastEvent = time.Now()
	}
	d.pairingMu.Unlock()
	if !ok {
		return ErrWrongPairingState
	}
	_, err := d.adapter.mgmtSend(hci.MgmtOpUserPasskeyReply,
		hci.MarshalUserPasskeyReply(d.Addr.EUI48, uint8(d.Addr.Type), passkey))
	return err
}

// SetPairingPasskeyNegative rejects a PASSKEY_EXPECTED prompt.
func (d *Device) SetPairingPasskeyNegative() error {
	d.pairingMu.Lock()
	ok := d.pairing.State == PairingStatePasskeyExpected
	if ok {
		d.pairing.State = PairingStateFailed
		d.pairing.LastEvent = time.Now()
	}
	d.pairingMu.Unlock()
	if !ok {
		return ErrWrongPairingState
	}
	_, err := d.adapter.mgmtSend(hci.MgmtOpUserPasskeyNegReply,
		hci.MarshalAddrCommand(d.Addr.EUI48, uint8(d.Addr.Type)))
	return err
}

// SetPairingNumericComparison answers a NUMERIC_COMPARE_EXPECTED prompt.
func (d *Device) SetPairingNumericComparison(equal bool) error {
	d.pairingMu.Lock()
	ok := d.pairing.State == PairingStateNumericCompareExpected
	if ok {
		if equal {
			d.pairing.State = PairingStateKeyDistribution
		} else {
			d.pairing.State = PairingStateFailed
		}
		d.pairing.LastEvent = time.Now()
	}
	d.pairingMu.Unlock()
	if !ok {
		return ErrWrongPairingState
	}
	op := hci.MgmtOpUserConfirmReply
	if !equal {
		op = hci.MgmtOpUserConfirmNegReply
	}
	_, err := d.adapter.mgmtSend(op, hci.MarshalUserConfirmReply(d.Addr.EUI48, uint8(d.Addr.Type)))
	return err
}

// pairingWatchdogCheck is invoked by the adapter's watchdog ticker: a
// KEY_DISTRIBUTION that saw no SMP event for a full interval and awaits
// no user input is marked failed and, unless autoSecurity is set, the
// device disconnected. With autoSecurity set the link stays up; no new
// pairing attempt is started here.
func (d *Device) pairingWatchdogCheck(interval time.Duration) {
	d.pairingMu.Lock()
	p := &d.pairing
	stalled := p.State == PairingStateKeyDistribution &&
		!p.awaitsUserInput() &&
		time.Since(p.LastEvent) > interval
	if stalled {
		p.State = PairingStateFailed
	}
	mode := p.Mode
	d.pairingMu.Unlock()

	if stalled {
		d.log.Warnf("pairing stalled, failing with %v", smp.ReasonUnspecified)
		d.notifyPairingState(PairingStateFailed, mode)
		if !d.autoSecurity.Load() {
			_ = d.Disconnect()
		}
	}
}

func (d *Device) notifyPairingState(state PairingState, mode PairingMode) {
	now := time.Now()
	for _, l := range d.adapter.statusListeners() {
		if l.DevicePairingState != nil {
			l.DevicePairingState(d, state, mode, now)
		}
	}
}
