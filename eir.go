package bt

import (
	"bytes"

	"github.com/sgothel/direct-bt-sub002/internal/codec"
)

// EIRDataType is the bitmask naming which fields of an EIR/AD payload are
// present, and which fields changed when two reports are diffed.
type EIRDataType uint32

const (
	EIRNone       EIRDataType = 0
	EIRFlags      EIRDataType = 1 << 0
	EIRName       EIRDataType = 1 << 1
	EIRNameShort  EIRDataType = 1 << 2
	EIRRSSI       EIRDataType = 1 << 3
	EIRTxPower    EIRDataType = 1 << 4
	EIRServices   EIRDataType = 1 << 5
	EIRManufData  EIRDataType = 1 << 6
	EIRDevClass   EIRDataType = 1 << 7
	EIRAppearance EIRDataType = 1 << 8
)

// AD data types of the EIR payload, Core Spec Supplement Part A.
const (
	adFlags            = 0x01
	adUUID16Incomplete = 0x02
	adUUID16Complete   = 0x03
	adUUID32Incomplete = 0x04
	adUUID32Complete   = 0x05
	adUUID128Incomplete = 0x06
	adUUID128Complete  = 0x07
	adNameShort        = 0x08
	adNameComplete     = 0x09
	adTxPower          = 0x0a
	adDevClass         = 0x0d
	adAppearance       = 0x19
	adManufData        = 0xff
)

// EInfoReport is the parsed form of one advertisement/EIR payload, the
// per-sighting update applied to a Device.
type EInfoReport struct {
	Set EIRDataType

	Flags      uint8
	Name       string
	NameShort  string
	RSSI       int8
	TxPower    int8
	Services   []codec.UUID
	ManufID    uint16
	ManufData  []byte
	DevClass   uint32
	Appearance uint16
}

// ParseEIR walks the length-type-value triples of an EIR/AD payload.
// Truncated or zero-length entries end the walk without error: over-the
// air payloads are routinely padded with zeros.
func ParseEIR(b []byte) *EInfoReport {
	r := &EInfoReport{}
	for i := 0; i < len(b); {
		length := int(b[i])
		if length == 0 || i+1+length > len(b) {
			break
		}
		typ := b[i+1]
		data := b[i+2 : i+1+length]
		r.apply(typ, data)
		i += 1 + length
	}
	return r
}

func (r *EInfoReport) apply(typ uint8, data []byte) {
	switch typ {
	case adFlags:
		if len(data) >= 1 {
			r.Flags = data[0]
			r.Set |= EIRFlags
		}
	case adNameComplete:
		r.Name = string(data)
		r.Set |= EIRName
	case adNameShort:
		r.NameShort = string(data)
		r.Set |= EIRNameShort
	case adTxPower:
		if len(data) >= 1 {
			r.TxPower = int8(data[0])
			r.Set |= EIRTxPower
		}
	case adUUID16Incomplete, adUUID16Complete:
		for i := 0; i+2 <= len(data); i += 2 {
			u, err := codec.FromWire(data[i : i+2])
			if err == nil {
				r.addService(u)
			}
		}
	case adUUID32Incomplete, adUUID32Complete:
		for i := 0; i+4 <= len(data); i += 4 {
			u, err := codec.FromWire(data[i : i+4])
			if err == nil {
				r.addService(u)
			}
		}
	case adUUID128Incomplete, adUUID128Complete:
		for i := 0; i+16 <= len(data); i += 16 {
			u, err := codec.FromWire(data[i : i+16])
			if err == nil {
				r.addService(u)
			}
		}
	case adDevClass:
		if len(data) >= 3 {
			r.DevClass = uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16
			r.Set |= EIRDevClass
		}
	case adAppearance:
		if len(data) >= 2 {
			r.Appearance = uint16(data[0]) | uint16(data[1])<<8
			r.Set |= EIRAppearance
		}
	case adManufData:
		if len(data) >= 2 {
			r.ManufID = uint16(data[0]) | uint16(data[1])<<8
			r.ManufData = append([]byte(nil), data[2:]...)
			r.Set |= EIRManufData
		}
	}
}

func (r *EInfoReport) addService(u codec.UUID) {
	for _, have := range r.Services {
		if have.Equal(u) {
			return
		}
	}
	r.Services = append(r.Services, u)
	r.Set |= EIRServices
}

// BestName prefers the complete name over the shortened one.
func (r *EInfoReport) BestName() string {
	if r.Set&EIRName != 0 {
		return r.Name
	}
	return r.NameShort
}

// diffAgainst reports which of the fields present in r differ from the
// device's current view, the update mask driving the found-device table.
func (r *EInfoReport) diffAgainst(d *Device) EIRDataType {
	var diff EIRDataType
	if r.Set&EIRName != 0 && r.Name != d.Name {
		diff |= EIRName
	}
	if r.Set&EIRNameShort != 0 && d.Name == "" && r.NameShort != d.Name {
		diff |= EIRNameShort
	}
	if r.Set&EIRRSSI != 0 && r.RSSI != d.RSSI {
		diff |= EIRRSSI
	}
	if r.Set&EIRTxPower != 0 && r.TxPower != d.TxPower {
		diff |= EIRTxPower
	}
	if r.Set&EIRAppearance != 0 && r.Appearance != d.Appearance {
		diff |= EIRAppearance
	}
	if r.Set&EIRManufData != 0 {
		if r.ManufID != d.ManufID || !bytes.Equal(r.ManufData, d.ManufData) {
			diff |= EIRManufData
		}
	}
	if r.Set&EIRServices != 0 && !uuidSubset(r.Services, d.Services) {
		diff |= EIRServices
	}
	return diff
}

// uuidSubset reports whether every UUID in have is already in known,
// comparing in expanded 128-bit form so a 16-bit alias equals its
// expansion.
func uuidSubset(have, known []codec.UUID) bool {
	for _, u := range have {
		found := false
		for _, k := range known {
			if k.Equal(u) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
