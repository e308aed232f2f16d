package hci

import (
	"fmt"

	"github.com/sgothel/direct-bt-sub002/internal/codec"
)

// PacketType is the first octet of every frame read off the HCI socket.
type PacketType uint8

const (
	PacketCommand PacketType = 0x01
	PacketACLData PacketType = 0x02
	PacketSCOData PacketType = 0x03
	PacketEvent   PacketType = 0x04
	PacketVendor  PacketType = 0xff
)

// EventCode is the one-byte HCI event code.
type EventCode uint8

const (
	EventDisconnectionComplete EventCode = 0x05
	EventEncryptionChange      EventCode = 0x08
	EventCommandComplete       EventCode = 0x0e
	EventCommandStatus         EventCode = 0x0f
	EventNumberOfCompletedPkts EventCode = 0x13
	EventEncryptionKeyRefresh  EventCode = 0x30
	EventLEMeta                EventCode = 0x3e
)

func (c EventCode) String() string {
	switch c {
	case EventDisconnectionComplete:
		return "DisconnectionComplete"
	case EventEncryptionChange:
		return "EncryptionChange"
	case EventCommandComplete:
		return "CommandComplete"
	case EventCommandStatus:
		return "CommandStatus"
	case EventNumberOfCompletedPkts:
		return "NumberOfCompletedPackets"
	case EventEncryptionKeyRefresh:
		return "EncryptionKeyRefreshComplete"
	case EventLEMeta:
		return "LEMeta"
	default:
		return fmt.Sprintf("event(0x%02X)", uint8(c))
	}
}

// LESubeventCode is the first octet of an LE Meta event's parameters.
type LESubeventCode uint8

const (
	LESubeventConnectionComplete       LESubeventCode = 0x01
	LESubeventAdvertisingReport        LESubeventCode = 0x02
	LESubeventConnectionUpdateComplete LESubeventCode = 0x03
)

// CmdParam is implemented by every HCI command's parameter struct.
type CmdParam interface {
	Opcode() Opcode
	Marshal(w *codec.Buffer)
}

// MarshalCommand serializes a full HCI command packet: type + opcode +
// length + parameters.
func MarshalCommand(p CmdParam) []byte {
	body := codec.NewWriter(codec.LittleEndian)
	p.Marshal(body)
	payload := body.Bytes()

	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(PacketCommand))
	w.PutU16(uint16(p.Opcode()))
	w.PutU8(uint8(len(payload)))
	w.PutBytes(payload)
	return w.Bytes()
}

// EventHeader is the 2-byte header preceding every event's parameters.
type EventHeader struct {
	Code EventCode
	Plen uint8
}

// ParseEventHeader reads the 2-byte event header from b, returning the
// header and the remaining parameter bytes. Truncated frames are reported
// as an error rather than panicking, per spec.md §4.2.
func ParseEventHeader(b []byte) (EventHeader, []byte, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	code, err := r.GetU8()
	if err != nil {
		return EventHeader{}, nil, fmt.Errorf("hci: truncated event header: %w", err)
	}
	plen, err := r.GetU8()
	if err != nil {
		return EventHeader{}, nil, fmt.Errorf("hci: truncated event header: %w", err)
	}
	return EventHeader{Code: EventCode(code), Plen: plen}, r.GetRest(), nil
}

// CommandCompleteEP is the "Command Complete" event's parameters.
type CommandCompleteEP struct {
	NumHCICmdPkts uint8
	CommandOpcode Opcode
	ReturnParams  []byte
}

func ParseCommandComplete(b []byte) (CommandCompleteEP, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	n, err := r.GetU8()
	if err != nil {
		return CommandCompleteEP{}, err
	}
	op, err := r.GetU16()
	if err != nil {
		return CommandCompleteEP{}, err
	}
	return CommandCompleteEP{NumHCICmdPkts: n, CommandOpcode: Opcode(op), ReturnParams: r.GetRest()}, nil
}

// CommandStatusEP is the "Command Status" event's parameters.
type CommandStatusEP struct {
	Status        Status
	NumHCICmdPkts uint8
	CommandOpcode Opcode
}

func ParseCommandStatus(b []byte) (CommandStatusEP, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	status, err := r.GetU8()
	if err != nil {
		return CommandStatusEP{}, err
	}
	n, err := r.GetU8()
	if err != nil {
		return CommandStatusEP{}, err
	}
	op, err := r.GetU16()
	if err != nil {
		return CommandStatusEP{}, err
	}
	return CommandStatusEP{Status: Status(status), NumHCICmdPkts: n, CommandOpcode: Opcode(op)}, nil
}

// DisconnectionCompleteEP is the "Disconnection Complete" event's parameters.
type DisconnectionCompleteEP struct {
	Status           Status
	ConnectionHandle uint16
	Reason           Status
}

func ParseDisconnectionComplete(b []byte) (DisconnectionCompleteEP, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	status, err := r.GetU8()
	if err != nil {
		return DisconnectionCompleteEP{}, err
	}
	h, err := r.GetU16()
	if err != nil {
		return DisconnectionCompleteEP{}, err
	}
	reason, err := r.GetU8()
	if err != nil {
		return DisconnectionCompleteEP{}, err
	}
	return DisconnectionCompleteEP{Status: Status(status), ConnectionHandle: h, Reason: Status(reason)}, nil
}

// LEConnectionCompleteEP is the LE Meta "Connection Complete" sub-event.
type LEConnectionCompleteEP struct {
	Status              Status
	ConnectionHandle    uint16
	Role                uint8
	PeerAddressType     uint8
	PeerAddress         [6]byte
	ConnInterval        uint16
	ConnLatency         uint16
	SupervisionTimeout  uint16
	MasterClockAccuracy uint8
}

func ParseLEConnectionComplete(b []byte) (LEConnectionCompleteEP, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	var ep LEConnectionCompleteEP
	var err error
	fields := []func() error{
		func() error { v, e := r.GetU8(); ep.Status = Status(v); return e },
		func() error { v, e := r.GetU16(); ep.ConnectionHandle = v; return e },
		func() error { v, e := r.GetU8(); ep.Role = v; return e },
		func() error { v, e := r.GetU8(); ep.PeerAddressType = v; return e },
		func() error {
			b, e := r.GetBytes(6)
			if e == nil {
				copy(ep.PeerAddress[:], b)
			}
			return e
		},
		func() error { v, e := r.GetU16(); ep.ConnInterval = v; return e },
		func() error { v, e := r.GetU16(); ep.ConnLatency = v; return e },
		func() error { v, e := r.GetU16(); ep.SupervisionTimeout = v; return e },
		func() error { v, e := r.GetU8(); ep.MasterClockAccuracy = v; return e },
	}
	for _, f := range fields {
		if err = f(); err != nil {
			return LEConnectionCompleteEP{}, fmt.Errorf("hci: malformed LEConnectionComplete: %w", err)
		}
	}
	return ep, nil
}

// LEAdvertisingReportEP is the LE Meta "Advertising Report" sub-event,
// carrying 1..n reports.
type LEAdvertisingReportEP struct {
	EventType   []uint8
	AddressType []uint8
	Address     [][6]byte
	Data        [][]byte
	RSSI        []int8
}

func ParseLEAdvertisingReport(b []byte) (LEAdvertisingReportEP, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	n, err := r.GetU8()
	if err != nil {
		return LEAdvertisingReportEP{}, err
	}
	ep := LEAdvertisingReportEP{}
	evtTypes := make([]uint8, n)
	addrTypes := make([]uint8, n)
	for i := range evtTypes {
		if evtTypes[i], err = r.GetU8(); err != nil {
			return LEAdvertisingReportEP{}, fmt.Errorf("hci: malformed advertising report: %w", err)
		}
	}
	// re-read per Core Spec layout: event_type[n], address_type[n],
	// address[n], data_len[n], data[...], rssi[n]. We parsed event_type
	// above; continue sequentially below.
	addrs := make([][6]byte, n)
	for i := range addrTypes {
		if addrTypes[i], err = r.GetU8(); err != nil {
			return LEAdvertisingReportEP{}, err
		}
	}
	for i := range addrs {
		raw, err := r.GetBytes(6)
		if err != nil {
			return LEAdvertisingReportEP{}, err
		}
		copy(addrs[i][:], raw)
	}
	lens := make([]uint8, n)
	for i := range lens {
		if lens[i], err = r.GetU8(); err != nil {
			return LEAdvertisingReportEP{}, err
		}
	}
	data := make([][]byte, n)
	for i := range data {
		raw, err := r.GetBytes(int(lens[i]))
		if err != nil {
			return LEAdvertisingReportEP{}, err
		}
		cp := make([]byte, len(raw))
		copy(cp, raw)
		data[i] = cp
	}
	rssi := make([]int8, n)
	for i := range rssi {
		v, err := r.GetU8()
		if err != nil {
			return LEAdvertisingReportEP{}, err
		}
		rssi[i] = int8(v)
	}
	ep.EventType, ep.AddressType, ep.Address, ep.Data, ep.RSSI = evtTypes, addrTypes, addrs, data, rssi
	return ep, nil
}

// NumberOfCompletedPktsEP is the "Number of Completed Packets" event.
type NumberOfCompletedPktsEP struct {
	Handles  []uint16
	NumPkts  []uint16
}

func ParseNumberOfCompletedPkts(b []byte) (NumberOfCompletedPktsEP, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	n, err := r.GetU8()
	if err != nil {
		return NumberOfCompletedPktsEP{}, err
	}
	ep := NumberOfCompletedPktsEP{Handles: make([]uint16, n), NumPkts: make([]uint16, n)}
	for i := 0; i < int(n); i++ {
		if ep.Handles[i], err = r.GetU16(); err != nil {
			return NumberOfCompletedPktsEP{}, err
		}
	}
	for i := 0; i < int(n); i++ {
		if ep.NumPkts[i], err = r.GetU16(); err != nil {
			return NumberOfCompletedPktsEP{}, err
		}
	}
	return ep, nil
}
