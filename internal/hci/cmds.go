package hci

import "github.com/sgothel/direct-bt-sub002/internal/codec"

// Reset is HCI Reset, no parameters.
type Reset struct{}

func (Reset) Opcode() Opcode          { return OpReset }
func (Reset) Marshal(w *codec.Buffer) {}

// SetEventMask is HCI Set Event Mask.
type SetEventMask struct{ Mask uint64 }

func (SetEventMask) Opcode() Opcode { return OpSetEventMask }
func (c SetEventMask) Marshal(w *codec.Buffer) { w.PutU64(c.Mask) }

// WriteLEHostSupported enables the LE Supported Host controller flag.
type WriteLEHostSupported struct{ LESupportedHost, SimultaneousLEBREDR uint8 }

func (WriteLEHostSupported) Opcode() Opcode { return OpWriteLEHostSupported }
func (c WriteLEHostSupported) Marshal(w *codec.Buffer) {
	w.PutU8(c.LESupportedHost).PutU8(c.SimultaneousLEBREDR)
}

// WriteSimplePairingMode toggles Secure Simple Pairing support.
type WriteSimplePairingMode struct{ Enable uint8 }

func (WriteSimplePairingMode) Opcode() Opcode          { return OpWriteSimplePairingMode }
func (c WriteSimplePairingMode) Marshal(w *codec.Buffer) { w.PutU8(c.Enable) }

// LESetEventMask is LE Set Event Mask.
type LESetEventMask struct{ Mask uint64 }

func (LESetEventMask) Opcode() Opcode          { return OpLESetEventMask }
func (c LESetEventMask) Marshal(w *codec.Buffer) { w.PutU64(c.Mask) }

// LESetScanParameters is LE Set Scan Parameters.
type LESetScanParameters struct {
	ScanType           uint8
	ScanInterval       uint16
	ScanWindow         uint16
	OwnAddressType     uint8
	ScanningFilterPolicy uint8
}

func (LESetScanParameters) Opcode() Opcode { return OpLESetScanParameters }
func (c LESetScanParameters) Marshal(w *codec.Buffer) {
	w.PutU8(c.ScanType).PutU16(c.ScanInterval).PutU16(c.ScanWindow).
		PutU8(c.OwnAddressType).PutU8(c.ScanningFilterPolicy)
}

// LESetScanEnable is LE Set Scan Enable.
type LESetScanEnable struct{ Enable, FilterDuplicates uint8 }

func (LESetScanEnable) Opcode() Opcode { return OpLESetScanEnable }
func (c LESetScanEnable) Marshal(w *codec.Buffer) {
	w.PutU8(c.Enable).PutU8(c.FilterDuplicates)
}

// LECreateConn is LE Create Connection.
type LECreateConn struct {
	ScanInterval        uint16
	ScanWindow          uint16
	InitiatorFilterPolicy uint8
	PeerAddressType     uint8
	PeerAddress         [6]byte
	OwnAddressType      uint8
	ConnIntervalMin     uint16
	ConnIntervalMax     uint16
	ConnLatency         uint16
	SupervisionTimeout  uint16
	MinCELength         uint16
	MaxCELength         uint16
}

func (LECreateConn) Opcode() Opcode { return OpLECreateConn }
func (c LECreateConn) Marshal(w *codec.Buffer) {
	w.PutU16(c.ScanInterval).PutU16(c.ScanWindow).PutU8(c.InitiatorFilterPolicy).
		PutU8(c.PeerAddressType).PutBytes(c.PeerAddress[:]).PutU8(c.OwnAddressType).
		PutU16(c.ConnIntervalMin).PutU16(c.ConnIntervalMax).PutU16(c.ConnLatency).
		PutU16(c.SupervisionTimeout).PutU16(c.MinCELength).PutU16(c.MaxCELength)
}

// LECreateConnCancel is LE Create Connection Cancel, no parameters.
type LECreateConnCancel struct{}

func (LECreateConnCancel) Opcode() Opcode          { return OpLECreateConnCancel }
func (LECreateConnCancel) Marshal(w *codec.Buffer) {}

// Disconnect is HCI Disconnect.
type Disconnect struct {
	ConnectionHandle uint16
	Reason           uint8
}

func (Disconnect) Opcode() Opcode { return OpDisconnect }
func (c Disconnect) Marshal(w *codec.Buffer) {
	w.PutU16(c.ConnectionHandle).PutU8(c.Reason)
}

// ReadBDAddr is HCI Read BD_ADDR, no parameters.
type ReadBDAddr struct{}

func (ReadBDAddr) Opcode() Opcode          { return OpReadBDAddr }
func (ReadBDAddr) Marshal(w *codec.Buffer) {}

// ReadBDAddrReturn parses the Command Complete return parameters for
// ReadBDAddr.
type ReadBDAddrReturn struct {
	Status  Status
	Address [6]byte
}

func ParseReadBDAddrReturn(b []byte) (ReadBDAddrReturn, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	status, err := r.GetU8()
	if err != nil {
		return ReadBDAddrReturn{}, err
	}
	addr, err := r.GetBytes(6)
	if err != nil {
		return ReadBDAddrReturn{}, err
	}
	var out ReadBDAddrReturn
	out.Status = Status(status)
	copy(out.Address[:], addr)
	return out, nil
}

// ReadLocalVersion is HCI Read Local Version Information, no parameters.
type ReadLocalVersion struct{}

func (ReadLocalVersion) Opcode() Opcode          { return OpReadLocalVersion }
func (ReadLocalVersion) Marshal(w *codec.Buffer) {}

// ReadLocalVersionReturn parses the Command Complete return parameters.
type ReadLocalVersionReturn struct {
	Status          Status
	HCIVersion      uint8
	HCIRevision     uint16
	LMPVersion      uint8
	ManufacturerName uint16
	LMPSubversion   uint16
}

func ParseReadLocalVersionReturn(b []byte) (ReadLocalVersionReturn, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	var out ReadLocalVersionReturn
	var v8 uint8
	var v16 uint16
	var err error
	if v8, err = r.GetU8(); err != nil {
		return out, err
	}
	out.Status = Status(v8)
	if v8, err = r.GetU8(); err != nil {
		return out, err
	}
	out.HCIVersion = v8
	if v16, err = r.GetU16(); err != nil {
		return out, err
	}
	out.HCIRevision = v16
	if v8, err = r.GetU8(); err != nil {
		return out, err
	}
	out.LMPVersion = v8
	if v16, err = r.GetU16(); err != nil {
		return out, err
	}
	out.ManufacturerName = v16
	if v16, err = r.GetU16(); err != nil {
		return out, err
	}
	out.LMPSubversion = v16
	return out, nil
}

// ReadRSSI is HCI Read RSSI.
type ReadRSSI struct{ Handle uint16 }

func (ReadRSSI) Opcode() Opcode          { return OpReadRSSIStatus }
func (c ReadRSSI) Marshal(w *codec.Buffer) { w.PutU16(c.Handle) }

// ReadRSSIReturn parses the Command Complete return parameters.
type ReadRSSIReturn struct {
	Status Status
	Handle uint16
	RSSI   int8
}

func ParseReadRSSIReturn(b []byte) (ReadRSSIReturn, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	status, err := r.GetU8()
	if err != nil {
		return ReadRSSIReturn{}, err
	}
	h, err := r.GetU16()
	if err != nil {
		return ReadRSSIReturn{}, err
	}
	rssi, err := r.GetU8()
	if err != nil {
		return ReadRSSIReturn{}, err
	}
	return ReadRSSIReturn{Status: Status(status), Handle: h, RSSI: int8(rssi)}, nil
}

// LESetAdvertisingParams is LE Set Advertising Parameters, for the minimal
// peripheral role.
type LESetAdvertisingParams struct {
	IntervalMin        uint16
	IntervalMax        uint16
	AdvType            uint8
	OwnAddressType     uint8
	DirectAddressType  uint8
	DirectAddress      [6]byte
	ChannelMap         uint8
	FilterPolicy       uint8
}

func (LESetAdvertisingParams) Opcode() Opcode { return OpLESetAdvertisingParams }
func (c LESetAdvertisingParams) Marshal(w *codec.Buffer) {
	w.PutU16(c.IntervalMin).PutU16(c.IntervalMax).PutU8(c.AdvType).
		PutU8(c.OwnAddressType).PutU8(c.DirectAddressType).PutBytes(c.DirectAddress[:]).
		PutU8(c.ChannelMap).PutU8(c.FilterPolicy)
}

// LESetAdvertisingData is LE Set Advertising Data.
type LESetAdvertisingData struct {
	Length uint8
	Data   [31]byte
}

func (LESetAdvertisingData) Opcode() Opcode { return OpLESetAdvertisingData }
func (c LESetAdvertisingData) Marshal(w *codec.Buffer) {
	w.PutU8(c.Length).PutBytes(c.Data[:])
}

// LESetScanResponseData is LE Set Scan Response Data.
type LESetScanResponseData struct {
	Length uint8
	Data   [31]byte
}

func (LESetScanResponseData) Opcode() Opcode { return OpLESetScanResponseData }
func (c LESetScanResponseData) Marshal(w *codec.Buffer) {
	w.PutU8(c.Length).PutBytes(c.Data[:])
}

// LESetAdvertiseEnable is LE Set Advertise Enable.
type LESetAdvertiseEnable struct{ Enable uint8 }

func (LESetAdvertiseEnable) Opcode() Opcode          { return OpLESetAdvertiseEnable }
func (c LESetAdvertiseEnable) Marshal(w *codec.Buffer) { w.PutU8(c.Enable) }
