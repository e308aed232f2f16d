package hci

import (
	"fmt"

	"github.com/sgothel/direct-bt-sub002/internal/codec"
)

// MgmtOpcode is a 2-byte opcode on the Linux MGMT control channel
// (HCI_CHANNEL_CONTROL), the HCI transport's management sibling: it
// configures adapter power/discoverable/connectable settings, drives
// discovery and pairing, and uploads persisted SMP keys, rather than
// talking to the controller directly.
type MgmtOpcode uint16

const (
	MgmtOpReadVersion         MgmtOpcode = 0x0001
	MgmtOpReadCommands        MgmtOpcode = 0x0002
	MgmtOpReadIndexList       MgmtOpcode = 0x0003
	MgmtOpReadInfo            MgmtOpcode = 0x0004
	MgmtOpSetPowered          MgmtOpcode = 0x0005
	MgmtOpSetDiscoverable     MgmtOpcode = 0x0006
	MgmtOpSetConnectable      MgmtOpcode = 0x0007
	MgmtOpSetFastConnectable  MgmtOpcode = 0x0008
	MgmtOpSetBondable         MgmtOpcode = 0x0009
	MgmtOpSetLinkSecurity     MgmtOpcode = 0x000a
	MgmtOpSetSSP              MgmtOpcode = 0x000b
	MgmtOpSetHS               MgmtOpcode = 0x000c
	MgmtOpSetLE               MgmtOpcode = 0x000d
	MgmtOpSetDevClass         MgmtOpcode = 0x000e
	MgmtOpSetLocalName        MgmtOpcode = 0x000f
	MgmtOpAddUUID             MgmtOpcode = 0x0010
	MgmtOpRemoveUUID          MgmtOpcode = 0x0011
	MgmtOpLoadLinkKeys        MgmtOpcode = 0x0012
	MgmtOpLoadLongTermKeys    MgmtOpcode = 0x0013
	MgmtOpDisconnect          MgmtOpcode = 0x0014
	MgmtOpGetConnections      MgmtOpcode = 0x0015
	MgmtOpPinCodeReply        MgmtOpcode = 0x0016
	MgmtOpPinCodeNegReply     MgmtOpcode = 0x0017
	MgmtOpSetIOCapability     MgmtOpcode = 0x0018
	MgmtOpPairDevice          MgmtOpcode = 0x0019
	MgmtOpCancelPairDevice    MgmtOpcode = 0x001a
	MgmtOpUnpairDevice        MgmtOpcode = 0x001b
	MgmtOpUserConfirmReply    MgmtOpcode = 0x001c
	MgmtOpUserConfirmNegReply MgmtOpcode = 0x001d
	MgmtOpUserPasskeyReply    MgmtOpcode = 0x001e
	MgmtOpUserPasskeyNegReply MgmtOpcode = 0x001f
	MgmtOpStartDiscovery      MgmtOpcode = 0x0023
	MgmtOpStopDiscovery       MgmtOpcode = 0x0024
	MgmtOpConfirmName         MgmtOpcode = 0x0025
	MgmtOpBlockDevice         MgmtOpcode = 0x0026
	MgmtOpUnblockDevice       MgmtOpcode = 0x0027
	MgmtOpSetDeviceID         MgmtOpcode = 0x0028
	MgmtOpSetAdvertising      MgmtOpcode = 0x0029
	MgmtOpSetBREDR            MgmtOpcode = 0x002a
	MgmtOpSetStaticAddress    MgmtOpcode = 0x002b
	MgmtOpSetScanParams       MgmtOpcode = 0x002c
	MgmtOpSetSecureConn       MgmtOpcode = 0x002d
	MgmtOpSetDebugKeys        MgmtOpcode = 0x002e
	MgmtOpSetPrivacy          MgmtOpcode = 0x002f
	MgmtOpLoadIRKs            MgmtOpcode = 0x0030
	MgmtOpGetConnInfo         MgmtOpcode = 0x0031
	MgmtOpAddDevice           MgmtOpcode = 0x0033
	MgmtOpRemoveDevice        MgmtOpcode = 0x0034
	MgmtOpLoadConnParam       MgmtOpcode = 0x0035
)

// MgmtIndexNone addresses the control channel itself (Read Version, Read
// Index List) rather than one controller.
const MgmtIndexNone uint16 = 0xFFFF

// MgmtStatus is the MGMT command status, a taxonomy of its own distinct
// from the HCI Status byte. It implements error directly; success is
// never wrapped into an error.
type MgmtStatus uint8

const (
	MgmtSuccess          MgmtStatus = 0x00
	MgmtUnknownCommand   MgmtStatus = 0x01
	MgmtNotConnected     MgmtStatus = 0x02
	MgmtFailed           MgmtStatus = 0x03
	MgmtConnectFailed    MgmtStatus = 0x04
	MgmtAuthFailed       MgmtStatus = 0x05
	MgmtNotPaired        MgmtStatus = 0x06
	MgmtNoResources      MgmtStatus = 0x07
	MgmtTimeout          MgmtStatus = 0x08
	MgmtAlreadyConnected MgmtStatus = 0x09
	MgmtBusy             MgmtStatus = 0x0a
	MgmtRejected         MgmtStatus = 0x0b
	MgmtNotSupported     MgmtStatus = 0x0c
	MgmtInvalidParams    MgmtStatus = 0x0d
	MgmtDisconnected     MgmtStatus = 0x0e
	MgmtNotPowered       MgmtStatus = 0x0f
	MgmtCancelled        MgmtStatus = 0x10
	MgmtInvalidIndex     MgmtStatus = 0x11
	MgmtRFKilled         MgmtStatus = 0x12
	MgmtAlreadyPaired    MgmtStatus = 0x13
	MgmtPermissionDenied MgmtStatus = 0x14
)

func (s MgmtStatus) Error() string {
	switch s {
	case MgmtSuccess:
		return "mgmt: success"
	case MgmtUnknownCommand:
		return "mgmt: unknown command"
	case MgmtNotConnected:
		return "mgmt: not connected"
	case MgmtFailed:
		return "mgmt: failed"
	case MgmtConnectFailed:
		return "mgmt: connect failed"
	case MgmtAuthFailed:
		return "mgmt: authentication failed"
	case MgmtNotPaired:
		return "mgmt: not paired"
	case MgmtNoResources:
		return "mgmt: no resources"
	case MgmtTimeout:
		return "mgmt: timeout"
	case MgmtAlreadyConnected:
		return "mgmt: already connected"
	case MgmtBusy:
		return "mgmt: busy"
	case MgmtRejected:
		return "mgmt: rejected"
	case MgmtNotSupported:
		return "mgmt: not supported"
	case MgmtInvalidParams:
		return "mgmt: invalid parameters"
	case MgmtDisconnected:
		return "mgmt: disconnected"
	case MgmtNotPowered:
		return "mgmt: not powered"
	case MgmtCancelled:
		return "mgmt: cancelled"
	case MgmtInvalidIndex:
		return "mgmt: invalid index"
	case MgmtRFKilled:
		return "mgmt: rfkilled"
	case MgmtAlreadyPaired:
		return "mgmt: already paired"
	case MgmtPermissionDenied:
		return "mgmt: permission denied"
	default:
		return fmt.Sprintf("mgmt: status(0x%02X)", uint8(s))
	}
}

// MGMT Device Disconnected reasons, a third small taxonomy; the adapter
// maps these onto HCI reason codes for listener delivery.
const (
	MgmtReasonUnspecified      uint8 = 0x00
	MgmtReasonConnTimeout      uint8 = 0x01
	MgmtReasonLocalHost        uint8 = 0x02
	MgmtReasonRemote           uint8 = 0x03
	MgmtReasonAuthFailure      uint8 = 0x04
	MgmtReasonLocalHostSuspend uint8 = 0x05
)

// MgmtEventCode is a 2-byte event code on the MGMT channel.
type MgmtEventCode uint16

const (
	MgmtEvCommandComplete    MgmtEventCode = 0x0001
	MgmtEvCommandStatus      MgmtEventCode = 0x0002
	MgmtEvControllerError    MgmtEventCode = 0x0003
	MgmtEvIndexAdded         MgmtEventCode = 0x0004
	MgmtEvIndexRemoved       MgmtEventCode = 0x0005
	MgmtEvNewSettings        MgmtEventCode = 0x0006
	MgmtEvClassOfDevChanged  MgmtEventCode = 0x0007
	MgmtEvLocalNameChanged   MgmtEventCode = 0x0008
	MgmtEvNewLinkKey         MgmtEventCode = 0x0009
	MgmtEvNewLongTermKey     MgmtEventCode = 0x000a
	MgmtEvDeviceConnected    MgmtEventCode = 0x000b
	MgmtEvDeviceDisconnected MgmtEventCode = 0x000c
	MgmtEvConnectFailed      MgmtEventCode = 0x000d
	MgmtEvPinCodeRequest     MgmtEventCode = 0x000e
	MgmtEvUserConfirmRequest MgmtEventCode = 0x000f
	MgmtEvUserPasskeyRequest MgmtEventCode = 0x0010
	MgmtEvAuthFailed         MgmtEventCode = 0x0011
	MgmtEvDeviceFound        MgmtEventCode = 0x0012
	MgmtEvDiscovering        MgmtEventCode = 0x0013
	MgmtEvDeviceBlocked      MgmtEventCode = 0x0014
	MgmtEvDeviceUnblocked    MgmtEventCode = 0x0015
	MgmtEvDeviceUnpaired     MgmtEventCode = 0x0016
	MgmtEvPasskeyNotify      MgmtEventCode = 0x0017
	MgmtEvNewIRK             MgmtEventCode = 0x0018
	MgmtEvNewCSRK            MgmtEventCode = 0x0019
	MgmtEvDeviceAdded        MgmtEventCode = 0x001a
	MgmtEvDeviceRemoved      MgmtEventCode = 0x001b
	MgmtEvNewConnParam       MgmtEventCode = 0x001c
)

// MgmtHeader is the 6-byte header preceding every MGMT frame.
type MgmtHeader struct {
	Code  uint16
	Index uint16
	Len   uint16
}

// Settings is the MGMT adapter settings bitmask, both "supported" and
// "current" forms.
type Settings uint32

const (
	SettingPowered         Settings = 1 << 0
	SettingConnectable     Settings = 1 << 1
	SettingFastConnectable Settings = 1 << 2
	SettingDiscoverable    Settings = 1 << 3
	SettingBondable        Settings = 1 << 4
	SettingLinkSecurity    Settings = 1 << 5
	SettingSSP             Settings = 1 << 6
	SettingBREDR           Settings = 1 << 7
	SettingHS              Settings = 1 << 8
	SettingLE              Settings = 1 << 9
	SettingAdvertising     Settings = 1 << 10
	SettingSecureConn      Settings = 1 << 11
	SettingDebugKeys       Settings = 1 << 12
	SettingPrivacy         Settings = 1 << 13
	SettingConfiguration   Settings = 1 << 14
	SettingStaticAddress   Settings = 1 << 15
)

// MarshalMgmtCommand serializes an MGMT command frame for controller index
// idx: opcode, index, length, then the param bytes supplied by the caller.
func MarshalMgmtCommand(op MgmtOpcode, idx uint16, params []byte) []byte {
	w := codec.NewWriter(codec.LittleEndian)
	w.PutU16(uint16(op)).PutU16(idx).PutU16(uint16(len(params))).PutBytes(params)
	return w.Bytes()
}

// ParseMgmtHeader reads the 6-byte MGMT header from b.
func ParseMgmtHeader(b []byte) (MgmtHeader, []byte, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	code, err := r.GetU16()
	if err != nil {
		return MgmtHeader{}, nil, fmt.Errorf("mgmt: truncated header: %w", err)
	}
	idx, err := r.GetU16()
	if err != nil {
		return MgmtHeader{}, nil, fmt.Errorf("mgmt: truncated header: %w", err)
	}
	n, err := r.GetU16()
	if err != nil {
		return MgmtHeader{}, nil, fmt.Errorf("mgmt: truncated header: %w", err)
	}
	rest := r.GetRest()
	if int(n) > len(rest) {
		return MgmtHeader{}, nil, fmt.Errorf("mgmt: frame declares %d param bytes, only %d read", n, len(rest))
	}
	return MgmtHeader{Code: code, Index: idx, Len: n}, rest[:n], nil
}

// MgmtCommandCompleteEP is the MGMT "Command Complete" event parameters.
type MgmtCommandCompleteEP struct {
	Opcode       MgmtOpcode
	Status       MgmtStatus
	ReturnParams []byte
}

func ParseMgmtCommandComplete(b []byte) (MgmtCommandCompleteEP, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	op, err := r.GetU16()
	if err != nil {
		return MgmtCommandCompleteEP{}, err
	}
	status, err := r.GetU8()
	if err != nil {
		return MgmtCommandCompleteEP{}, err
	}
	return MgmtCommandCompleteEP{Opcode: MgmtOpcode(op), Status: MgmtStatus(status), ReturnParams: r.GetRest()}, nil
}

// MgmtVersionEP is the Read Version return: MGMT interface version.
type MgmtVersionEP struct {
	Version  uint8
	Revision uint16
}

func ParseMgmtVersion(b []byte) (MgmtVersionEP, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	v, err := r.GetU8()
	if err != nil {
		return MgmtVersionEP{}, err
	}
	rev, err := r.GetU16()
	if err != nil {
		return MgmtVersionEP{}, err
	}
	return MgmtVersionEP{Version: v, Revision: rev}, nil
}

// ParseMgmtIndexList parses the Read Index List return into controller
// indices.
func ParseMgmtIndexList(b []byte) ([]uint16, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	n, err := r.GetU16()
	if err != nil {
		return nil, err
	}
	out := make([]uint16, 0, n)
	for i := 0; i < int(n); i++ {
		idx, err := r.GetU16()
		if err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, nil
}

// MgmtAdapterInfoEP is the Read Info return: the adapter's immutable
// identity plus its supported and current settings masks.
type MgmtAdapterInfoEP struct {
	Address           [6]byte
	Version           uint8
	Manufacturer      uint16
	SupportedSettings Settings
	CurrentSettings   Settings
	ClassOfDevice     uint32
	Name              string
	ShortName         string
}

func ParseMgmtAdapterInfo(b []byte) (MgmtAdapterInfoEP, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	var ep MgmtAdapterInfoEP
	addr, err := r.GetBytes(6)
	if err != nil {
		return ep, err
	}
	copy(ep.Address[:], addr)
	if ep.Version, err = r.GetU8(); err != nil {
		return ep, err
	}
	if ep.Manufacturer, err = r.GetU16(); err != nil {
		return ep, err
	}
	sup, err := r.GetU32()
	if err != nil {
		return ep, err
	}
	ep.SupportedSettings = Settings(sup)
	cur, err := r.GetU32()
	if err != nil {
		return ep, err
	}
	ep.CurrentSettings = Settings(cur)
	if ep.ClassOfDevice, err = r.GetU24(); err != nil {
		return ep, err
	}
	name, err := r.GetBytes(249)
	if err != nil {
		// short/legacy kernels may truncate the name fields; tolerate
		ep.Name = cString(r.GetRest())
		return ep, nil
	}
	ep.Name = cString(name)
	ep.ShortName = cString(r.GetRest())
	return ep, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// MgmtNewSettingsEP is the MGMT "New Settings" event parameters.
type MgmtNewSettingsEP struct{ Current Settings }

func ParseMgmtNewSettings(b []byte) (MgmtNewSettingsEP, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	v, err := r.GetU32()
	if err != nil {
		return MgmtNewSettingsEP{}, err
	}
	return MgmtNewSettingsEP{Current: Settings(v)}, nil
}

// MgmtDeviceFoundEP is the MGMT "Device Found" event parameters: one
// discovered/advertising peer plus its EIR/AD blob.
type MgmtDeviceFoundEP struct {
	Address     [6]byte
	AddressType uint8
	RSSI        int8
	Flags       uint32
	EIR         []byte
}

func ParseMgmtDeviceFound(b []byte) (MgmtDeviceFoundEP, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	var ep MgmtDeviceFoundEP
	addr, err := r.GetBytes(6)
	if err != nil {
		return ep, err
	}
	copy(ep.Address[:], addr)
	if ep.AddressType, err = r.GetU8(); err != nil {
		return ep, err
	}
	rssi, err := r.GetU8()
	if err != nil {
		return ep, err
	}
	ep.RSSI = int8(rssi)
	if ep.Flags, err = r.GetU32(); err != nil {
		return ep, err
	}
	eirLen, err := r.GetU16()
	if err != nil {
		return ep, err
	}
	eir, err := r.GetBytes(int(eirLen))
	if err != nil {
		return ep, err
	}
	cp := make([]byte, len(eir))
	copy(cp, eir)
	ep.EIR = cp
	return ep, nil
}

// MgmtDeviceConnectedEP is the MGMT "Device Connected" event parameters.
type MgmtDeviceConnectedEP struct {
	Address     [6]byte
	AddressType uint8
	Flags       uint32
	EIR         []byte
}

func ParseMgmtDeviceConnected(b []byte) (MgmtDeviceConnectedEP, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	var ep MgmtDeviceConnectedEP
	addr, err := r.GetBytes(6)
	if err != nil {
		return ep, err
	}
	copy(ep.Address[:], addr)
	if ep.AddressType, err = r.GetU8(); err != nil {
		return ep, err
	}
	if ep.Flags, err = r.GetU32(); err != nil {
		return ep, err
	}
	eirLen, err := r.GetU16()
	if err != nil {
		return ep, err
	}
	eir, err := r.GetBytes(int(eirLen))
	if err != nil {
		return ep, err
	}
	cp := make([]byte, len(eir))
	copy(cp, eir)
	ep.EIR = cp
	return ep, nil
}

// MgmtDeviceDisconnectedEP is the MGMT "Device Disconnected" event.
type MgmtDeviceDisconnectedEP struct {
	Address     [6]byte
	AddressType uint8
	Reason      uint8
}

func ParseMgmtDeviceDisconnected(b []byte) (MgmtDeviceDisconnectedEP, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	var ep MgmtDeviceDisconnectedEP
	addr, err := r.GetBytes(6)
	if err != nil {
		return ep, err
	}
	copy(ep.Address[:], addr)
	if ep.AddressType, err = r.GetU8(); err != nil {
		return ep, err
	}
	if ep.Reason, err = r.GetU8(); err != nil {
		return ep, err
	}
	return ep, nil
}

// MgmtConnectFailedEP is the MGMT "Connect Failed" event.
type MgmtConnectFailedEP struct {
	Address     [6]byte
	AddressType uint8
	Status      MgmtStatus
}

func ParseMgmtConnectFailed(b []byte) (MgmtConnectFailedEP, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	var ep MgmtConnectFailedEP
	addr, err := r.GetBytes(6)
	if err != nil {
		return ep, err
	}
	copy(ep.Address[:], addr)
	if ep.AddressType, err = r.GetU8(); err != nil {
		return ep, err
	}
	s, err := r.GetU8()
	if err != nil {
		return ep, err
	}
	ep.Status = MgmtStatus(s)
	return ep, nil
}

// MgmtDiscoveringEP is the MGMT "Discovering" event: which address types
// the controller is scanning and whether scanning is now on.
type MgmtDiscoveringEP struct {
	AddressTypeMask uint8
	Discovering     bool
}

func ParseMgmtDiscovering(b []byte) (MgmtDiscoveringEP, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	mask, err := r.GetU8()
	if err != nil {
		return MgmtDiscoveringEP{}, err
	}
	on, err := r.GetU8()
	if err != nil {
		return MgmtDiscoveringEP{}, err
	}
	return MgmtDiscoveringEP{AddressTypeMask: mask, Discovering: on != 0}, nil
}

// MgmtUserConfirmRequestEP is the MGMT "User Confirmation Request" event:
// the numeric-comparison prompt.
type MgmtUserConfirmRequestEP struct {
	Address     [6]byte
	AddressType uint8
	ConfirmHint uint8
	Value       uint32
}

func ParseMgmtUserConfirmRequest(b []byte) (MgmtUserConfirmRequestEP, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	var ep MgmtUserConfirmRequestEP
	addr, err := r.GetBytes(6)
	if err != nil {
		return ep, err
	}
	copy(ep.Address[:], addr)
	if ep.AddressType, err = r.GetU8(); err != nil {
		return ep, err
	}
	if ep.ConfirmHint, err = r.GetU8(); err != nil {
		return ep, err
	}
	if ep.Value, err = r.GetU32(); err != nil {
		return ep, err
	}
	return ep, nil
}

// MgmtUserPasskeyRequestEP is the MGMT "User Passkey Request" event.
type MgmtUserPasskeyRequestEP struct {
	Address     [6]byte
	AddressType uint8
}

func ParseMgmtUserPasskeyRequest(b []byte) (MgmtUserPasskeyRequestEP, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	var ep MgmtUserPasskeyRequestEP
	addr, err := r.GetBytes(6)
	if err != nil {
		return ep, err
	}
	copy(ep.Address[:], addr)
	if ep.AddressType, err = r.GetU8(); err != nil {
		return ep, err
	}
	return ep, nil
}

// MgmtAuthFailedEP is the MGMT "Authentication Failed" event.
type MgmtAuthFailedEP struct {
	Address     [6]byte
	AddressType uint8
	Status      MgmtStatus
}

func ParseMgmtAuthFailed(b []byte) (MgmtAuthFailedEP, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	var ep MgmtAuthFailedEP
	addr, err := r.GetBytes(6)
	if err != nil {
		return ep, err
	}
	copy(ep.Address[:], addr)
	if ep.AddressType, err = r.GetU8(); err != nil {
		return ep, err
	}
	s, err := r.GetU8()
	if err != nil {
		return ep, err
	}
	ep.Status = MgmtStatus(s)
	return ep, nil
}

// MgmtLTKInfo is one Long-Term Key as carried by the New Long Term Key
// event and the Load Long Term Keys command.
type MgmtLTKInfo struct {
	Address     [6]byte
	AddressType uint8
	KeyType     uint8
	Central     uint8
	EncSize     uint8
	EDiv        uint16
	Rand        uint64
	Value       [16]byte
}

func (k MgmtLTKInfo) marshal(w *codec.Buffer) {
	w.PutBytes(k.Address[:]).PutU8(k.AddressType).PutU8(k.KeyType).
		PutU8(k.Central).PutU8(k.EncSize).PutU16(k.EDiv).PutU64(k.Rand).
		PutBytes(k.Value[:])
}

func parseLTKInfo(r *codec.Buffer) (MgmtLTKInfo, error) {
	var k MgmtLTKInfo
	addr, err := r.GetBytes(6)
	if err != nil {
		return k, err
	}
	copy(k.Address[:], addr)
	if k.AddressType, err = r.GetU8(); err != nil {
		return k, err
	}
	if k.KeyType, err = r.GetU8(); err != nil {
		return k, err
	}
	if k.Central, err = r.GetU8(); err != nil {
		return k, err
	}
	if k.EncSize, err = r.GetU8(); err != nil {
		return k, err
	}
	if k.EDiv, err = r.GetU16(); err != nil {
		return k, err
	}
	if k.Rand, err = r.GetU64(); err != nil {
		return k, err
	}
	val, err := r.GetBytes(16)
	if err != nil {
		return k, err
	}
	copy(k.Value[:], val)
	return k, nil
}

// MgmtNewLTKEP is the MGMT "New Long Term Key" event.
type MgmtNewLTKEP struct {
	StoreHint uint8
	Key       MgmtLTKInfo
}

func ParseMgmtNewLTK(b []byte) (MgmtNewLTKEP, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	hint, err := r.GetU8()
	if err != nil {
		return MgmtNewLTKEP{}, err
	}
	key, err := parseLTKInfo(r)
	if err != nil {
		return MgmtNewLTKEP{}, err
	}
	return MgmtNewLTKEP{StoreHint: hint, Key: key}, nil
}

// MgmtIRKInfo is one Identity Resolving Key as carried by the New IRK
// event and the Load IRKs command.
type MgmtIRKInfo struct {
	Address     [6]byte
	AddressType uint8
	Value       [16]byte
}

func (k MgmtIRKInfo) marshal(w *codec.Buffer) {
	w.PutBytes(k.Address[:]).PutU8(k.AddressType).PutBytes(k.Value[:])
}

// MgmtNewIRKEP is the MGMT "New IRK" event: the resolvable address in use
// plus the identity key that resolves it.
type MgmtNewIRKEP struct {
	StoreHint uint8
	RPA       [6]byte
	Key       MgmtIRKInfo
}

func ParseMgmtNewIRK(b []byte) (MgmtNewIRKEP, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	var ep MgmtNewIRKEP
	hint, err := r.GetU8()
	if err != nil {
		return ep, err
	}
	ep.StoreHint = hint
	rpa, err := r.GetBytes(6)
	if err != nil {
		return ep, err
	}
	copy(ep.RPA[:], rpa)
	addr, err := r.GetBytes(6)
	if err != nil {
		return ep, err
	}
	copy(ep.Key.Address[:], addr)
	if ep.Key.AddressType, err = r.GetU8(); err != nil {
		return ep, err
	}
	val, err := r.GetBytes(16)
	if err != nil {
		return ep, err
	}
	copy(ep.Key.Value[:], val)
	return ep, nil
}

// Command parameter marshal helpers. These stay thin: the MGMT transport
// takes (opcode, index, raw params) so per-call wrappers compose freely.

// MarshalSetPowered builds the one-byte mode parameter shared by every
// Set-<mode> command (powered, connectable, bondable, LE, ...).
func MarshalSetPowered(on bool) []byte {
	v := uint8(0)
	if on {
		v = 1
	}
	return []byte{v}
}

// MarshalSetLE builds the "Set LE" command parameters.
func MarshalSetLE(on bool) []byte { return MarshalSetPowered(on) }

// MarshalSetDiscoverable builds the "Set Discoverable" command parameters;
// a non-zero timeout auto-reverts after that many seconds.
func MarshalSetDiscoverable(mode uint8, timeout uint16) []byte {
	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(mode).PutU16(timeout)
	return w.Bytes()
}

// MarshalSetLocalName builds the "Set Local Name" command parameters:
// 249-byte name plus 11-byte short name, both zero-padded.
func MarshalSetLocalName(name, shortName string) []byte {
	var full [249]byte
	var short [11]byte
	copy(full[:248], name)
	copy(short[:10], shortName)
	w := codec.NewWriter(codec.LittleEndian)
	w.PutBytes(full[:]).PutBytes(short[:])
	return w.Bytes()
}

// MarshalSetIOCapability builds the "Set IO Capability" command parameters.
func MarshalSetIOCapability(cap uint8) []byte { return []byte{cap} }

// MarshalSetPrivacy builds the "Set Privacy" command parameters with the
// local IRK.
func MarshalSetPrivacy(mode uint8, irk [16]byte) []byte {
	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(mode).PutBytes(irk[:])
	return w.Bytes()
}

// MarshalSetStaticAddress builds the "Set Static Address" command
// parameters.
func MarshalSetStaticAddress(addr [6]byte) []byte {
	b := make([]byte, 6)
	copy(b, addr[:])
	return b
}

// MarshalStartDiscovery builds the "Start Discovery" command parameters;
// addrTypeMask follows MGMT's bit 0 = BR/EDR, bit 1 = LE public, bit 2 =
// LE random convention.
func MarshalStartDiscovery(addrTypeMask uint8) []byte { return []byte{addrTypeMask} }

// MarshalAddrCommand builds the (address, address-type) parameter pair
// shared by Stop Discovery has none; Unblock/Remove/Confirm-style commands.
func MarshalAddrCommand(addr [6]byte, addrType uint8) []byte {
	w := codec.NewWriter(codec.LittleEndian)
	w.PutBytes(addr[:]).PutU8(addrType)
	return w.Bytes()
}

// MarshalPairDevice builds the "Pair Device" command parameters.
func MarshalPairDevice(addr [6]byte, addrType, ioCapability uint8) []byte {
	w := codec.NewWriter(codec.LittleEndian)
	w.PutBytes(addr[:]).PutU8(addrType).PutU8(ioCapability)
	return w.Bytes()
}

// MarshalUnpairDevice builds the "Unpair Device" command parameters.
func MarshalUnpairDevice(addr [6]byte, addrType uint8, disconnect bool) []byte {
	w := codec.NewWriter(codec.LittleEndian)
	w.PutBytes(addr[:]).PutU8(addrType)
	if disconnect {
		w.PutU8(1)
	} else {
		w.PutU8(0)
	}
	return w.Bytes()
}

// MarshalDisconnect builds the MGMT "Disconnect" command parameters.
func MarshalDisconnect(addr [6]byte, addrType uint8) []byte {
	return MarshalAddrCommand(addr, addrType)
}

// MarshalUserConfirmReply builds the "User Confirmation Reply" (or
// negative reply) parameters.
func MarshalUserConfirmReply(addr [6]byte, addrType uint8) []byte {
	return MarshalAddrCommand(addr, addrType)
}

// MarshalUserPasskeyReply builds the "User Passkey Reply" parameters.
func MarshalUserPasskeyReply(addr [6]byte, addrType uint8, passkey uint32) []byte {
	w := codec.NewWriter(codec.LittleEndian)
	w.PutBytes(addr[:]).PutU8(addrType).PutU32(passkey)
	return w.Bytes()
}

// MarshalAddDevice builds the "Add Device" (kernel whitelist) parameters.
// action: 0 = background scan, 1 = allow incoming, 2 = auto-connect.
func MarshalAddDevice(addr [6]byte, addrType, action uint8) []byte {
	w := codec.NewWriter(codec.LittleEndian)
	w.PutBytes(addr[:]).PutU8(addrType).PutU8(action)
	return w.Bytes()
}

// MarshalLoadLTKs builds the "Load Long Term Keys" parameters from the
// persisted key set.
func MarshalLoadLTKs(keys []MgmtLTKInfo) []byte {
	w := codec.NewWriter(codec.LittleEndian)
	w.PutU16(uint16(len(keys)))
	for _, k := range keys {
		k.marshal(w)
	}
	return w.Bytes()
}

// MarshalLoadIRKs builds the "Load IRKs" parameters.
func MarshalLoadIRKs(keys []MgmtIRKInfo) []byte {
	w := codec.NewWriter(codec.LittleEndian)
	w.PutU16(uint16(len(keys)))
	for _, k := range keys {
		k.marshal(w)
	}
	return w.Bytes()
}
