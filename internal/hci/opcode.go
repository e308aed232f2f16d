// Package hci implements the HCI/MGMT command-reply-and-event transport of
// SPEC_FULL.md component C3: PDU types for HCI commands/events and MGMT
// commands/events (component C2's HCI/MGMT slice), plus the Transport that
// multiplexes replies and fans out unsolicited events.
package hci

import "fmt"

// Opcode is a full 16-bit HCI command opcode, packing a 6-bit OGF
// (Opcode Group Field) and a 10-bit OCF (Opcode Command Field).
type Opcode uint16

// MakeOpcode builds an Opcode from its group and command fields.
func MakeOpcode(ogf uint8, ocf uint16) Opcode {
	return Opcode(uint16(ogf)<<10 | (ocf & 0x03ff))
}

// OGF returns the opcode group field.
func (op Opcode) OGF() uint8 { return uint8(op >> 10) }

// OCF returns the opcode command field.
func (op Opcode) OCF() uint16 { return uint16(op) & 0x03ff }

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("opcode(0x%04X)", uint16(op))
}

// OGF values used by this package.
const (
	OGFLinkControl   uint8 = 0x01
	OGFHostControl   uint8 = 0x03
	OGFInfoParams    uint8 = 0x04
	OGFLEController  uint8 = 0x08
	OGFVendor        uint8 = 0x3f
)

// Link Control & Host Control & LE Controller opcodes used by this stack.
var (
	OpDisconnect               = MakeOpcode(OGFLinkControl, 0x0006)
	OpReset                    = MakeOpcode(OGFHostControl, 0x0003)
	OpSetEventMask             = MakeOpcode(OGFHostControl, 0x0001)
	OpWriteSimplePairingMode   = MakeOpcode(OGFHostControl, 0x0056)
	OpWriteLEHostSupported     = MakeOpcode(OGFHostControl, 0x006d)
	OpWriteInquiryMode         = MakeOpcode(OGFHostControl, 0x0045)
	OpWritePageScanType        = MakeOpcode(OGFHostControl, 0x0047)
	OpWriteInquiryScanType     = MakeOpcode(OGFHostControl, 0x0043)
	OpWriteClassOfDevice       = MakeOpcode(OGFHostControl, 0x0024)
	OpWritePageTimeout         = MakeOpcode(OGFHostControl, 0x0018)
	OpWriteDefaultLinkPolicy   = MakeOpcode(OGFHostControl, 0x000f)
	OpHostBufferSize           = MakeOpcode(OGFHostControl, 0x0033)
	OpReadLocalVersion         = MakeOpcode(OGFInfoParams, 0x0001)
	OpReadLocalCommands        = MakeOpcode(OGFInfoParams, 0x0002)
	OpReadBufferSize           = MakeOpcode(OGFInfoParams, 0x0005)
	OpReadBDAddr               = MakeOpcode(OGFInfoParams, 0x0009)

	OpLESetEventMask           = MakeOpcode(OGFLEController, 0x0001)
	OpLEReadBufferSize         = MakeOpcode(OGFLEController, 0x0002)
	OpLESetScanParameters      = MakeOpcode(OGFLEController, 0x000b)
	OpLESetScanEnable          = MakeOpcode(OGFLEController, 0x000c)
	OpLECreateConn             = MakeOpcode(OGFLEController, 0x000d)
	OpLECreateConnCancel       = MakeOpcode(OGFLEController, 0x000e)
	OpLEConnUpdate             = MakeOpcode(OGFLEController, 0x0013)
	OpLESetAdvertisingParams   = MakeOpcode(OGFLEController, 0x0006)
	OpLESetAdvertisingData     = MakeOpcode(OGFLEController, 0x0008)
	OpLESetScanResponseData    = MakeOpcode(OGFLEController, 0x0009)
	OpLESetAdvertiseEnable     = MakeOpcode(OGFLEController, 0x000a)
)

// OpReadRSSIStatus is the "Read RSSI" opcode, OGF 0x05 (status parameters).
var OpReadRSSIStatus = MakeOpcode(0x05, 0x0005)

var opcodeNames = map[Opcode]string{
	OpDisconnect:             "Disconnect",
	OpReset:                  "Reset",
	OpSetEventMask:           "SetEventMask",
	OpWriteSimplePairingMode: "WriteSimplePairingMode",
	OpWriteLEHostSupported:   "WriteLEHostSupported",
	OpWriteInquiryMode:       "WriteInquiryMode",
	OpWritePageScanType:      "WritePageScanType",
	OpWriteInquiryScanType:   "WriteInquiryScanType",
	OpWriteClassOfDevice:     "WriteClassOfDevice",
	OpWritePageTimeout:       "WritePageTimeout",
	OpWriteDefaultLinkPolicy: "WriteDefaultLinkPolicy",
	OpHostBufferSize:         "HostBufferSize",
	OpReadLocalVersion:       "ReadLocalVersion",
	OpReadLocalCommands:      "ReadLocalCommands",
	OpReadBufferSize:         "ReadBufferSize",
	OpReadBDAddr:             "ReadBDAddr",
	OpReadRSSIStatus:         "ReadRSSI",
	OpLESetEventMask:         "LESetEventMask",
	OpLEReadBufferSize:       "LEReadBufferSize",
	OpLESetScanParameters:    "LESetScanParameters",
	OpLESetScanEnable:        "LESetScanEnable",
	OpLECreateConn:           "LECreateConn",
	OpLECreateConnCancel:     "LECreateConnCancel",
	OpLEConnUpdate:           "LEConnUpdate",
	OpLESetAdvertisingParams: "LESetAdvertisingParameters",
	OpLESetAdvertisingData:   "LESetAdvertisingData",
	OpLESetScanResponseData:  "LESetScanResponseData",
	OpLESetAdvertiseEnable:   "LESetAdvertiseEnable",
}
