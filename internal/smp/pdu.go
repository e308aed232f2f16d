// Package smp implements the Security Manager Protocol wire types, the
// LE Secure Connections cryptographic toolbox, the persistent key-bin
// store, and the MTU-aware send/recv handler the pairing state machine
// runs over.
package smp

import (
	"fmt"

	"github.com/sgothel/direct-bt-sub002/internal/codec"
)

// Code is the one-byte SMP PDU code.
type Code uint8

const (
	CodePairingRequest     Code = 0x01
	CodePairingResponse    Code = 0x02
	CodePairingConfirm     Code = 0x03
	CodePairingRandom      Code = 0x04
	CodePairingFailed      Code = 0x05
	CodeEncryptionInfo     Code = 0x06 // LTK
	CodeMasterIdent        Code = 0x07 // EDIV + Rand
	CodeIdentityInfo       Code = 0x08 // IRK
	CodeIdentityAddrInfo   Code = 0x09
	CodeSigningInfo        Code = 0x0a // CSRK
	CodeSecurityRequest    Code = 0x0b
	CodePairingPublicKey   Code = 0x0c
	CodePairingDHKeyCheck  Code = 0x0d
	CodeKeypressNotify     Code = 0x0e
)

func (c Code) String() string {
	switch c {
	case CodePairingRequest:
		return "PairingRequest"
	case CodePairingResponse:
		return "PairingResponse"
	case CodePairingConfirm:
		return "PairingConfirm"
	case CodePairingRandom:
		return "PairingRandom"
	case CodePairingFailed:
		return "PairingFailed"
	case CodeEncryptionInfo:
		return "EncryptionInformation"
	case CodeMasterIdent:
		return "MasterIdentification"
	case CodeIdentityInfo:
		return "IdentityInformation"
	case CodeIdentityAddrInfo:
		return "IdentityAddressInformation"
	case CodeSigningInfo:
		return "SigningInformation"
	case CodeSecurityRequest:
		return "SecurityRequest"
	case CodePairingPublicKey:
		return "PairingPublicKey"
	case CodePairingDHKeyCheck:
		return "PairingDHKeyCheck"
	case CodeKeypressNotify:
		return "KeypressNotification"
	default:
		return fmt.Sprintf("smp-code(0x%02X)", uint8(c))
	}
}

// IOCapability is the SMP I/O capability field of the feature exchange.
type IOCapability uint8

const (
	IODisplayOnly     IOCapability = 0x00
	IODisplayYesNo    IOCapability = 0x01
	IOKeyboardOnly    IOCapability = 0x02
	IONoInputNoOutput IOCapability = 0x03
	IOKeyboardDisplay IOCapability = 0x04
)

func (c IOCapability) String() string {
	switch c {
	case IODisplayOnly:
		return "DisplayOnly"
	case IODisplayYesNo:
		return "DisplayYesNo"
	case IOKeyboardOnly:
		return "KeyboardOnly"
	case IONoInputNoOutput:
		return "NoInputNoOutput"
	case IOKeyboardDisplay:
		return "KeyboardDisplay"
	default:
		return fmt.Sprintf("iocap(0x%02X)", uint8(c))
	}
}

// AuthReq is the authentication-requirements bitmask of the feature
// exchange and the Security Request.
type AuthReq uint8

const (
	AuthBonding           AuthReq = 0x01
	AuthMITM              AuthReq = 0x04
	AuthSecureConnections AuthReq = 0x08
	AuthKeypress          AuthReq = 0x10
	AuthCT2               AuthReq = 0x20
)

// KeyDist is the key-distribution bitmask: which keys each side will send
// during the distribution phase.
type KeyDist uint8

const (
	KeyDistEnc  KeyDist = 0x01 // LTK, EDIV, Rand
	KeyDistID   KeyDist = 0x02 // IRK, identity address
	KeyDistSign KeyDist = 0x04 // CSRK
	KeyDistLink KeyDist = 0x08 // BR/EDR link key derivation
)

// LegacyKeys and SCKeys bound the expected distribution masks the
// completion check compares the received masks against: legacy
// pairing distributes LTK+EDIV/Rand explicitly, LE Secure Connections
// derives the LTK from the DHKey so only identity/signing keys travel.
const (
	LegacyKeys KeyDist = KeyDistEnc | KeyDistID | KeyDistSign
	SCKeys     KeyDist = KeyDistID | KeyDistSign
)

// Features is the parameter block shared by Pairing Request and Pairing
// Response.
type Features struct {
	IOCap      IOCapability
	OOB        uint8
	Auth       AuthReq
	MaxKeySize uint8
	InitKeys   KeyDist
	RespKeys   KeyDist
}

// MarshalFeatures builds a Pairing Request or Pairing Response PDU.
func MarshalFeatures(code Code, f Features) []byte {
	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(code)).PutU8(uint8(f.IOCap)).PutU8(f.OOB).PutU8(uint8(f.Auth)).
		PutU8(f.MaxKeySize).PutU8(uint8(f.InitKeys)).PutU8(uint8(f.RespKeys))
	return w.Bytes()
}

// ParseFeatures parses the parameters of a Pairing Request/Response.
func ParseFeatures(b []byte) (Features, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	var f Features
	io, err := r.GetU8()
	if err != nil {
		return f, err
	}
	f.IOCap = IOCapability(io)
	if f.OOB, err = r.GetU8(); err != nil {
		return f, err
	}
	auth, err := r.GetU8()
	if err != nil {
		return f, err
	}
	f.Auth = AuthReq(auth)
	if f.MaxKeySize, err = r.GetU8(); err != nil {
		return f, err
	}
	ik, err := r.GetU8()
	if err != nil {
		return f, err
	}
	f.InitKeys = KeyDist(ik)
	rk, err := r.GetU8()
	if err != nil {
		return f, err
	}
	f.RespKeys = KeyDist(rk)
	return f, nil
}

// Frame is one classified SMP PDU.
type Frame struct {
	Code   Code
	Params []byte
}

// ParseFrame splits a raw SMP PDU into code and parameters.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) < 1 {
		return Frame{}, fmt.Errorf("smp: empty PDU")
	}
	return Frame{Code: Code(b[0]), Params: b[1:]}, nil
}

// MarshalSecurityRequest builds a Security Request PDU.
func MarshalSecurityRequest(auth AuthReq) []byte {
	return []byte{uint8(CodeSecurityRequest), uint8(auth)}
}

// MarshalPairingFailed builds a Pairing Failed PDU.
func MarshalPairingFailed(reason Reason) []byte {
	return []byte{uint8(CodePairingFailed), uint8(reason)}
}

// MarshalConfirm builds a Pairing Confirm PDU from a 128-bit confirm value.
func MarshalConfirm(value [16]byte) []byte {
	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(CodePairingConfirm)).PutBytes(value[:])
	return w.Bytes()
}

// MarshalRandom builds a Pairing Random PDU.
func MarshalRandom(value [16]byte) []byte {
	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(CodePairingRandom)).PutBytes(value[:])
	return w.Bytes()
}

// MarshalPublicKey builds a Pairing Public Key PDU from the X and Y
// coordinates in little-endian wire order.
func MarshalPublicKey(x, y [32]byte) []byte {
	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(CodePairingPublicKey)).PutBytes(x[:]).PutBytes(y[:])
	return w.Bytes()
}

// PublicKey is the parsed Pairing Public Key parameters.
type PublicKey struct{ X, Y [32]byte }

func ParsePublicKey(b []byte) (PublicKey, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	var pk PublicKey
	x, err := r.GetBytes(32)
	if err != nil {
		return pk, err
	}
	copy(pk.X[:], x)
	y, err := r.GetBytes(32)
	if err != nil {
		return pk, err
	}
	copy(pk.Y[:], y)
	return pk, nil
}

// Get128 reads a 16-byte value PDU parameter (confirm, random, DHKey
// check, LTK, IRK, CSRK).
func Get128(b []byte) ([16]byte, error) {
	var v [16]byte
	if len(b) < 16 {
		return v, fmt.Errorf("smp: need 16 bytes, have %d", len(b))
	}
	copy(v[:], b[:16])
	return v, nil
}

// MasterIdent is the parsed Master Identification parameters.
type MasterIdent struct {
	EDiv uint16
	Rand uint64
}

func ParseMasterIdent(b []byte) (MasterIdent, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	ediv, err := r.GetU16()
	if err != nil {
		return MasterIdent{}, err
	}
	rnd, err := r.GetU64()
	if err != nil {
		return MasterIdent{}, err
	}
	return MasterIdent{EDiv: ediv, Rand: rnd}, nil
}

// IdentityAddr is the parsed Identity Address Information parameters.
type IdentityAddr struct {
	AddrType uint8
	Address  [6]byte
}

func ParseIdentityAddr(b []byte) (IdentityAddr, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	var ia IdentityAddr
	var err error
	if ia.AddrType, err = r.GetU8(); err != nil {
		return ia, err
	}
	addr, err := r.GetBytes(6)
	if err != nil {
		return ia, err
	}
	copy(ia.Address[:], addr)
	return ia, nil
}
