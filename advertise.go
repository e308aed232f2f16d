package bt

import (
	"fmt"

	"github.com/sgothel/direct-bt-sub002/internal/codec"
	"github.com/sgothel/direct-bt-sub002/internal/config"
	"github.com/sgothel/direct-bt-sub002/internal/hci"
)

// maxAdvertisingPacketLength is the legacy advertising PDU payload limit.
const maxAdvertisingPacketLength = 31

// AdvertisingOptions shape one advertising session of the minimal
// peripheral role.
type AdvertisingOptions struct {
	// Name goes into the scan response, truncated if necessary.
	Name string
	// Services are advertised 16-bit or 128-bit service UUIDs, fit into
	// the packet as space allows.
	Services []codec.UUID
	// ManufacturerData is appended after the service list when it fits.
	ManufacturerData []byte

	// IntervalMin/IntervalMax in 0.625ms units; a zero IntervalMin selects
	// 0x0800 (1.28s), a zero IntervalMax takes the IntervalMin value.
	IntervalMin uint16
	IntervalMax uint16
	// ChannelMap bits 0..2 select channels 37..39; zero selects all.
	ChannelMap uint8
}

// buildAdvertisingData packs flags, service UUIDs, and manufacturer data
// into the 31-byte advertising payload, fitting as many service UUIDs as
// possible.
func buildAdvertisingData(o AdvertisingOptions) []byte {
	w := codec.NewWriter(codec.LittleEndian)
	// general discoverable, BR/EDR not supported
	w.PutU8(2).PutU8(adFlags).PutU8(0x06)

	var u16s, u128s []codec.UUID
	for _, u := range o.Services {
		if u.Is16() {
			u16s = append(u16s, u)
		} else {
			u128s = append(u128s, u)
		}
	}
	room := func(need int) bool { return w.Len()+need <= maxAdvertisingPacketLength }
	if len(u16s) > 0 {
		n := len(u16s)
		for n > 0 && !room(2+2*n) {
			n--
		}
		if n > 0 {
			w.PutU8(uint8(1 + 2*n)).PutU8(adUUID16Complete)
			for _, u := range u16s[:n] {
				w.PutBytes(u.Bytes())
			}
		}
	}
	if len(u128s) > 0 && room(2+16) {
		w.PutU8(1 + 16).PutU8(adUUID128Complete)
		w.PutBytes(u128s[0].Bytes())
	}
	if len(o.ManufacturerData) > 0 && room(2+len(o.ManufacturerData)) {
		w.PutU8(uint8(1 + len(o.ManufacturerData))).PutU8(adManufData)
		w.PutBytes(o.ManufacturerData)
	}
	return w.Bytes()
}

// buildScanResponse packs the device name, truncated to the payload limit.
func buildScanResponse(name string) []byte {
	if name == "" {
		return nil
	}
	typ := uint8(adNameComplete)
	if len(name) > maxAdvertisingPacketLength-2 {
		name = name[:maxAdvertisingPacketLength-2]
		typ = adNameShort
	}
	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(1 + len(name))).PutU8(typ)
	w.PutBytes([]byte(name))
	return w.Bytes()
}

// StartAdvertising configures and enables LE advertising. Discovery and
// advertising are mutually exclusive on one adapter.
func (a *Adapter) StartAdvertising(o AdvertisingOptions) error {
	if a.MetaScan() != ScanNone {
		return fmt.Errorf("bt: advertising blocked while discovering")
	}
	timeout := config.Duration(config.KeyHCICommandTimeout)

	min, max := o.IntervalMin, o.IntervalMax
	if min == 0 {
		min = 0x0800
	}
	if max == 0 {
		max = min
	}
	channels := o.ChannelMap
	if channels == 0 {
		channels = 7
	}
	if _, err := a.hciSend(hci.LESetAdvertisingParams{
		IntervalMin:    min,
		IntervalMax:    max,
		AdvType:        0x00, // connectable undirected
		OwnAddressType: 0x00,
		ChannelMap:     channels,
	}, timeout); err != nil {
		return fmt.Errorf("bt: set advertising parameters: %w", err)
	}

	adv := buildAdvertisingData(o)
	var data [31]byte
	n := copy(data[:], adv)
	if _, err := a.hciSend(hci.LESetAdvertisingData{Length: uint8(n), Data: data}, timeout); err != nil {
		return fmt.Errorf("bt: set advertising data: %w", err)
	}

	if sr := buildScanResponse(o.Name); len(sr) > 0 {
		var srData [31]byte
		srN := copy(srData[:], sr)
		if _, err := a.hciSend(hci.LESetScanResponseData{Length: uint8(srN), Data: srData}, timeout); err != nil {
			return fmt.Errorf("bt: set scan response data: %w", err)
		}
	}

	if _, err := a.hciSend(hci.LESetAdvertiseEnable{Enable: 1}, timeout); err != nil {
		return fmt.Errorf("bt: enable advertising: %w", err)
	}
	a.role.Store(uint32(RoleSlave))
	return nil
}

// StopAdvertising disables LE advertising and restores the master role.
func (a *Adapter) StopAdvertising() error {
	_, err := a.hciSend(hci.LESetAdvertiseEnable{Enable: 0}, config.Duration(config.KeyHCICommandTimeout))
	if err == nil {
		a.role.Store(uint32(RoleMaster))
	}
	return err
}
